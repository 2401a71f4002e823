package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// scriptedGenerator returns one batch of queries per iteration.
type scriptedGenerator struct {
	mu      sync.Mutex
	batches [][]string
	errs    map[int]error
	calls   []QueryRequest
}

func (g *scriptedGenerator) Generate(_ context.Context, req QueryRequest) ([]SearchQuery, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if err, ok := g.errs[req.Iteration]; ok {
		return nil, err
	}
	if req.Iteration >= len(g.batches) {
		return nil, fmt.Errorf("%w: no script for iteration %d", ErrQueryGenerationFailed, req.Iteration)
	}
	var out []SearchQuery
	for _, q := range g.batches[req.Iteration] {
		out = append(out, SearchQuery{Text: q, Iteration: req.Iteration})
	}
	return out, nil
}

// endlessGenerator always proposes a fresh query.
type endlessGenerator struct{}

func (endlessGenerator) Generate(_ context.Context, req QueryRequest) ([]SearchQuery, error) {
	return []SearchQuery{{Text: fmt.Sprintf("query %d", req.Iteration), Iteration: req.Iteration}}, nil
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]SearchResult
	fail    bool
	calls   []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	if f.fail {
		return nil, fmt.Errorf("%w: backend down", ErrSearchUnavailable)
	}
	return f.results[query], nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int
}

func newFakeExtractor(pages map[string]string) *fakeExtractor {
	return &fakeExtractor{pages: pages, calls: make(map[string]int)}
}

func (f *fakeExtractor) Extract(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	text, ok := f.pages[url]
	if !ok {
		return "", fmt.Errorf("%w: %s not found", ErrExtractionFailed, url)
	}
	return text, nil
}

func (f *fakeExtractor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// keywordEvaluator accepts text containing "relevant" and fails on "boom".
type keywordEvaluator struct{}

func (keywordEvaluator) Evaluate(_ context.Context, _, text, url string) (*Finding, error) {
	if strings.Contains(text, "boom") {
		return nil, fmt.Errorf("%w: model error", ErrEvaluationFailed)
	}
	if !strings.Contains(text, "relevant") {
		return nil, nil
	}
	return &Finding{URL: url, Text: text, Rationale: "mentions the topic", Score: 8}, nil
}

type recordingSynthesizer struct {
	mu    sync.Mutex
	calls [][]Finding
	err   error
}

func (r *recordingSynthesizer) Synthesize(_ context.Context, query string, findings []Finding) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, findings)
	if r.err != nil {
		return nil, r.err
	}
	if len(findings) == 0 {
		return InsufficientReport(query), nil
	}
	return &Report{Query: query, Introduction: query, Sections: []ReportSection{{Title: "All", Body: "body"}}, Sources: SourcesFromFindings(findings)}, nil
}

type recordingIndexer struct {
	mu       sync.Mutex
	findings []Finding
}

func (r *recordingIndexer) Index(_ context.Context, _ string, f Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, f)
	return errors.New("index unavailable")
}

// scriptedModel answers by system prompt prefix, one reply per call.
type scriptedModel struct {
	mu      sync.Mutex
	replies map[string][]string
	err     error
	inputs  []string
}

func (m *scriptedModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	system := partText(messages[0])
	m.inputs = append(m.inputs, partText(messages[len(messages)-1]))
	for prefix, queue := range m.replies {
		if strings.HasPrefix(system, prefix) {
			if len(queue) == 0 {
				return nil, errors.New("no scripted reply left")
			}
			reply := queue[0]
			m.replies[prefix] = queue[1:]
			return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
		}
	}
	return nil, fmt.Errorf("unexpected system prompt: %.40s", system)
}

func partText(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
