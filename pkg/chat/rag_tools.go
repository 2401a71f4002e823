package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/mikeboe/deep-researcher/pkg/vectorstore"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/tool"
	"google.golang.org/adk/tool/functiontool"
)

// FindingStore is the retrieval side of the findings index.
// *vectorstore.PGVectorStore satisfies it.
type FindingStore interface {
	SimilaritySearch(ctx context.Context, queryEmbedding []float32, topK int, filter map[string]interface{}) ([]vectorstore.SimilaritySearchResult, error)
	GetContentBySource(ctx context.Context, jobID, source string) ([]vectorstore.Document, error)
	GetContentByMetadata(ctx context.Context, filter map[string]interface{}) ([]vectorstore.Document, error)
}

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// RagToolset searches the findings accepted by research jobs. When JobID is
// set every tool is restricted to that job and the job_id argument is
// ignored.
type RagToolset struct {
	Store    FindingStore
	Embedder QueryEmbedder
	JobID    string
}

func NewRagToolset(store FindingStore, embedder QueryEmbedder) *RagToolset {
	return &RagToolset{
		Store:    store,
		Embedder: embedder,
	}
}

// Scoped returns a copy of the toolset restricted to jobID.
func (t *RagToolset) Scoped(jobID string) *RagToolset {
	return &RagToolset{Store: t.Store, Embedder: t.Embedder, JobID: jobID}
}

func (t *RagToolset) Name() string {
	return "finding_tools"
}

func (t *RagToolset) Tools(ctx agent.ReadonlyContext) ([]tool.Tool, error) {
	searchTool, err := functiontool.New[SearchFindingsArgs, SearchFindingsResp](
		functiontool.Config{
			Name:        "search_findings",
			Description: "Search the accepted research findings using semantic search.",
		},
		t.searchFindingsTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create search tool: %w", err)
	}

	findBySourceTool, err := functiontool.New[FindSourceArgs, FindSourceResp](
		functiontool.Config{
			Name:        "find_findings_by_source",
			Description: "Return the full text accepted from a specific source URL.",
		},
		t.findFindingsBySourceTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create find_by_source tool: %w", err)
	}

	findByMetadataTool, err := functiontool.New[FindMetadataArgs, FindMetadataResp](
		functiontool.Config{
			Name:        "find_findings_by_metadata",
			Description: "Find findings using logical filters on metadata (query, score, iteration, title, source).",
		},
		t.findFindingsByMetadataTool,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create find_by_metadata tool: %w", err)
	}

	return []tool.Tool{searchTool, findBySourceTool, findByMetadataTool}, nil
}

// jobScope picks the job a call is restricted to.
func (t *RagToolset) jobScope(argJobID string) string {
	if t.JobID != "" {
		return t.JobID
	}
	return argJobID
}

// --- Tool Implementations ---

type SearchFindingsArgs struct {
	Query  string `json:"query" description:"The search query"`
	TopK   int    `json:"topK,omitempty" description:"Number of results to return (default 5)"`
	Source string `json:"source,omitempty" description:"Optional source URL filter"`
	JobID  string `json:"job_id,omitempty" description:"Optional research job to search in"`
}

type SearchFindingsResp struct {
	Results string `json:"results"`
}

// Wrapper for ADK tool interface
func (t *RagToolset) searchFindingsTool(ctx tool.Context, args SearchFindingsArgs) (SearchFindingsResp, error) {
	return t.SearchFindings(ctx, args)
}

func (t *RagToolset) SearchFindings(ctx context.Context, args SearchFindingsArgs) (SearchFindingsResp, error) {
	if strings.TrimSpace(args.Query) == "" {
		return SearchFindingsResp{}, errors.New("query is required")
	}
	if args.TopK <= 0 {
		args.TopK = 5
	}
	jobID := t.jobScope(args.JobID)

	slog.Info("Search findings", "query", args.Query, "topK", args.TopK, "source", args.Source, "job_id", jobID)

	queryEmbedding, err := t.Embedder.EmbedText(ctx, args.Query)
	if err != nil {
		return SearchFindingsResp{}, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	filter := map[string]interface{}{}
	if args.Source != "" {
		filter["source"] = args.Source
	}
	if jobID != "" {
		filter["job_id"] = jobID
	}

	results, err := t.Store.SimilaritySearch(ctx, queryEmbedding, args.TopK, filter)
	if err != nil {
		return SearchFindingsResp{}, fmt.Errorf("failed to search: %w", err)
	}

	slog.Debug("Search results", "count", len(results))

	var formattedResults []string
	for _, result := range results {
		resSource := "unknown"
		if s, ok := result.Document.Metadata["source"].(string); ok {
			resSource = s
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "[Source]: %s\n[Content]: %s", resSource, result.Document.Content)
		writeMetadata(&sb, result.Document.Metadata, "source")
		formattedResults = append(formattedResults, sb.String())
	}

	return SearchFindingsResp{Results: strings.Join(formattedResults, "\n\n")}, nil
}

type FindSourceArgs struct {
	Source string `json:"source" description:"The source URL to find content for"`
	JobID  string `json:"job_id,omitempty" description:"Optional research job to search in"`
}

type FindSourceResp struct {
	Content string `json:"content"`
}

// Wrapper for ADK tool interface
func (t *RagToolset) findFindingsBySourceTool(ctx tool.Context, args FindSourceArgs) (FindSourceResp, error) {
	return t.FindFindingsBySource(ctx, args)
}

func (t *RagToolset) FindFindingsBySource(ctx context.Context, args FindSourceArgs) (FindSourceResp, error) {
	if args.Source == "" {
		return FindSourceResp{}, errors.New("source is required")
	}
	results, err := t.Store.GetContentBySource(ctx, t.jobScope(args.JobID), args.Source)
	if err != nil {
		return FindSourceResp{}, fmt.Errorf("failed to find content: %w", err)
	}

	var formattedResults []string
	for _, result := range results {
		formattedResults = append(formattedResults, result.Content)
	}

	return FindSourceResp{Content: strings.Join(formattedResults, "\n\n")}, nil
}

type FindMetadataArgs struct {
	Filter map[string]interface{} `json:"filter" description:"JSON filter object with logical operators ($and, $or, $not)"`
	JobID  string                 `json:"job_id,omitempty" description:"Optional research job to search in"`
}

type FindMetadataResp struct {
	Content string `json:"content"`
}

// Wrapper for ADK tool interface
func (t *RagToolset) findFindingsByMetadataTool(ctx tool.Context, args FindMetadataArgs) (FindMetadataResp, error) {
	return t.FindFindingsByMetadata(ctx, args)
}

func (t *RagToolset) FindFindingsByMetadata(ctx context.Context, args FindMetadataArgs) (FindMetadataResp, error) {
	filter := args.Filter
	if jobID := t.jobScope(args.JobID); jobID != "" {
		scope := map[string]interface{}{"job_id": jobID}
		if len(filter) == 0 {
			filter = scope
		} else {
			filter = map[string]interface{}{"$and": []interface{}{filter, scope}}
		}
	}

	results, err := t.Store.GetContentByMetadata(ctx, filter)
	if err != nil {
		return FindMetadataResp{}, fmt.Errorf("failed to find content: %w", err)
	}

	var formattedResults []string
	for _, result := range results {
		var sb strings.Builder
		fmt.Fprintf(&sb, "[Content]: %s", result.Content)
		writeMetadata(&sb, result.Metadata)
		formattedResults = append(formattedResults, sb.String())
	}

	return FindMetadataResp{Content: strings.Join(formattedResults, "\n\n")}, nil
}

func writeMetadata(sb *strings.Builder, metadata map[string]interface{}, skip ...string) {
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		if slices.Contains(skip, k) {
			continue
		}
		fmt.Fprintf(sb, "\n[%s]: %v", k, metadata[k])
	}
}
