package research

import (
	"context"

	"github.com/tmc/langchaingo/llms"
)

// Model is the text generation capability shared by the query generator,
// the relevance evaluator and the report synthesizer. Every llms.Model
// satisfies it.
type Model interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// QueryRequest is the input of a query generation call.
type QueryRequest struct {
	Topic        string
	Findings     []Finding
	Iteration    int
	PriorQueries []string
}

// QueryGenerator turns a topic and prior findings into search queries.
type QueryGenerator interface {
	Generate(ctx context.Context, req QueryRequest) ([]SearchQuery, error)
}

// WebSearcher executes a query and returns candidate results.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// ContentExtractor retrieves the text content of a URL.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (string, error)
}

// RelevanceEvaluator decides whether extracted text advances the research
// goal. A nil Finding means the content was rejected.
type RelevanceEvaluator interface {
	Evaluate(ctx context.Context, originalQuery, text, url string) (*Finding, error)
}

// ReportSynthesizer assembles the final report from accepted findings.
type ReportSynthesizer interface {
	Synthesize(ctx context.Context, originalQuery string, findings []Finding) (*Report, error)
}

// FindingIndexer stores accepted findings for later retrieval.
type FindingIndexer interface {
	Index(ctx context.Context, sessionID string, finding Finding) error
}
