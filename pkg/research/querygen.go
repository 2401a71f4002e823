package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultMaxQueries bounds the number of queries per cycle.
	DefaultMaxQueries = 4
	// findingDigestRunes bounds each finding in the planner's summary.
	findingDigestRunes = 300
	// maxDigestFindings bounds how many findings the planner sees.
	maxDigestFindings = 30
)

const initialQueriesPrompt = `You are an expert research assistant.
Given the user's research question, generate up to %d distinct, precise web search queries that together would gather complete information on the topic.`

const followUpQueriesPrompt = `You are a systematic research planner.
Based on the original question, the search queries performed so far and the findings gathered, identify what is still unanswered.
If further research is needed, provide up to %d NEW web search queries that target those gaps. Never repeat a previous query.
If the findings already answer the question comprehensively, set "done" to true and return no queries.`

// CreateSearchQueriesSchema describes the JSON reply expected from the planner.
func CreateSearchQueriesSchema(limit int) string {
	return fmt.Sprintf(`Return the JSON object directly without any formatting or additional text. The JSON object should have the following structure as defined in the schema. Make sure to answer in valid json and include all necessary properties:{
  "type": "object",
  "properties": {
    "queries": {
      "type": "array",
      "items": {
        "type": "string"
      },
      "description": "Up to %d specific search queries"
    },
    "gap": {
      "type": "string",
      "description": "The unanswered sub-question the queries target"
    },
    "done": {
      "type": "boolean",
      "description": "True when no further research is needed"
    }
  },
  "required": ["queries"]
}`, limit)
}

type queryResponse struct {
	Queries []string `json:"queries"`
	Gap     string   `json:"gap"`
	Done    bool     `json:"done"`
}

// LLMQueryGenerator plans search queries with a text generation model.
type LLMQueryGenerator struct {
	MaxQueries int
	caller     jsonCaller
	logger     *slog.Logger
}

// NewQueryGenerator creates a generator producing at most maxQueries queries.
func NewQueryGenerator(model Model, maxQueries int, logger *slog.Logger) *LLMQueryGenerator {
	if maxQueries <= 0 {
		maxQueries = DefaultMaxQueries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMQueryGenerator{MaxQueries: maxQueries, caller: newJSONCaller(model, logger), logger: logger}
}

// Generate plans the next queries. The first iteration works from the topic
// alone; later iterations are conditioned on a digest of prior findings and
// may report ErrResearchComplete.
func (g *LLMQueryGenerator) Generate(ctx context.Context, req QueryRequest) ([]SearchQuery, error) {
	g.logger.Info("Starting planning phase", "iteration", req.Iteration, "findings", len(req.Findings))

	var systemPrompt, input string
	if req.Iteration == 0 {
		systemPrompt = fmt.Sprintf(initialQueriesPrompt, g.MaxQueries)
		input = fmt.Sprintf("Research question: %s", req.Topic)
	} else {
		systemPrompt = fmt.Sprintf(followUpQueriesPrompt, g.MaxQueries)
		input = fmt.Sprintf("Research question: %s\n\nPrevious search queries:\n%s\n\nFindings so far:\n%s",
			req.Topic, bulletList(req.PriorQueries), digestFindings(req.Findings))
	}

	var resp queryResponse
	err := g.caller.call(ctx, systemPrompt+"\n\n# Response Format:\n\n"+CreateSearchQueriesSchema(g.MaxQueries), input, &resp, func() error {
		if resp.Done && req.Iteration > 0 {
			return nil
		}
		if len(resp.Queries) == 0 {
			return errors.New("empty queries list")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryGenerationFailed, err)
	}

	if resp.Done && req.Iteration > 0 {
		g.logger.Info("Planner reports research is complete")
		return nil, ErrResearchComplete
	}

	queries := dedupeQueries(resp.Queries, req.PriorQueries, g.MaxQueries)
	if len(queries) == 0 {
		return nil, fmt.Errorf("%w: all %d proposed queries were already issued", ErrQueryGenerationFailed, len(resp.Queries))
	}

	out := make([]SearchQuery, len(queries))
	for i, q := range queries {
		out[i] = SearchQuery{Text: q, Iteration: req.Iteration}
	}
	g.logger.Info("Generated queries", "queries", queries, "gap", resp.Gap)
	return out, nil
}

// dedupeQueries drops blank queries, queries already issued and repeats
// within the batch, keeping at most limit.
func dedupeQueries(candidates, prior []string, limit int) []string {
	seen := make(map[string]bool, len(prior)+len(candidates))
	for _, p := range prior {
		seen[normalizeQuery(p)] = true
	}
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		key := normalizeQuery(c)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out
}

func digestFindings(findings []Finding) string {
	if len(findings) == 0 {
		return "(none yet)"
	}
	start := 0
	if len(findings) > maxDigestFindings {
		start = len(findings) - maxDigestFindings
	}
	var b strings.Builder
	for i, f := range findings[start:] {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", start+i+1, f.URL, truncateRunes(f.Text, findingDigestRunes))
	}
	return strings.TrimSpace(b.String())
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
