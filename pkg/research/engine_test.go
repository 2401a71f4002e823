package research

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func results(urls ...string) []SearchResult {
	out := make([]SearchResult, len(urls))
	for i, u := range urls {
		out[i] = SearchResult{URL: u, Title: "title " + u}
	}
	return out
}

func newTestEngine(gen QueryGenerator, s WebSearcher, x ContentExtractor, synth ReportSynthesizer) *Engine {
	return NewEngine(gen, s, x, keywordEvaluator{}, synth, Options{CallTimeout: time.Second})
}

func TestEngineMicroplasticsExample(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]string{
		{"microplastics coral reef impact studies", "microplastics marine ecosystem damage"},
		{"microplastics coral reef mitigation research"},
	}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{
		"microplastics coral reef impact studies":      results("https://a.org/1", "https://a.org/2", "https://a.org/3"),
		"microplastics marine ecosystem damage":        results("https://a.org/2", "https://b.org/1", "https://b.org/2"),
		"microplastics coral reef mitigation research": results("https://a.org/1", "https://c.org/1", "https://c.org/2"),
	}}
	extractor := newFakeExtractor(map[string]string{
		"https://a.org/1": "relevant: corals ingest microplastics",
		"https://a.org/2": "relevant: bleaching correlation",
		"https://a.org/3": "relevant: pathogen transport",
		"https://b.org/1": "an unrelated page",
		"https://c.org/1": "relevant: filtration policy",
		"https://c.org/2": "relevant: reef cleanup",
	})
	synth := &recordingSynthesizer{}
	engine := newTestEngine(gen, searcher, extractor, synth)

	s := NewSession("impact of microplastics on coral reefs", 2)
	report, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, 2, s.Iteration())

	findings := s.Findings()
	require.Len(t, findings, 5)
	for _, f := range findings[:3] {
		assert.Equal(t, 0, f.Iteration)
	}
	for _, f := range findings[3:] {
		assert.Equal(t, 1, f.Iteration)
	}
	assert.Equal(t, "microplastics coral reef impact studies", findings[0].Query)
	assert.Equal(t, "title https://a.org/1", findings[0].Title)

	// Second cycle saw the first cycle's findings.
	require.Len(t, gen.calls, 2)
	assert.Len(t, gen.calls[1].Findings, 3)
	assert.Len(t, gen.calls[1].PriorQueries, 2)

	require.Len(t, synth.calls, 1)
	assert.Len(t, synth.calls[0], 5)
	assert.Len(t, report.Sources, 5)

	for url, n := range extractor.calls {
		assert.Equal(t, 1, n, "extracted %s more than once", url)
	}
	assert.Len(t, s.SeenURLs(), 7)
}

func TestEngineMaxIterationsOne(t *testing.T) {
	for _, withFindings := range []bool{true, false} {
		t.Run(fmt.Sprintf("findings=%v", withFindings), func(t *testing.T) {
			page := "nothing"
			if withFindings {
				page = "relevant text"
			}
			gen := &scriptedGenerator{batches: [][]string{{"q1"}, {"q2"}}}
			searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://x/1")}}
			synth := &recordingSynthesizer{}
			engine := newTestEngine(gen, searcher, newFakeExtractor(map[string]string{"https://x/1": page}), synth)

			s := NewSession("topic", 1)
			_, err := engine.Run(context.Background(), s)
			require.NoError(t, err)
			assert.Equal(t, 1, s.Iteration())
			assert.Len(t, gen.calls, 1)
			assert.Len(t, synth.calls, 1)
			assert.Equal(t, StateCompleted, s.State())
		})
	}
}

func TestEngineAllSearchesFail(t *testing.T) {
	searcher := &fakeSearcher{fail: true}
	synth := &recordingSynthesizer{}
	engine := newTestEngine(endlessGenerator{}, searcher, newFakeExtractor(nil), synth)

	s := NewSession("topic", 3)
	report, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, StateCompleted, s.State())
	assert.True(t, report.Insufficient)
	assert.Empty(t, s.Findings())
	assert.Equal(t, 3, s.Iteration())
	for _, c := range s.Cycles() {
		assert.Equal(t, 1, c.FailedSearches)
	}
}

func TestEngineRejectsInvalidInputBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name  string
		query string
		max   int
	}{
		{"empty query", "", 3},
		{"blank query", "   ", 3},
		{"negative iterations", "topic", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{}
			searcher := &fakeSearcher{}
			extractor := newFakeExtractor(nil)
			synth := &recordingSynthesizer{}
			engine := newTestEngine(gen, searcher, extractor, synth)

			s := NewSession(tt.query, tt.max)
			_, err := engine.Run(context.Background(), s)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, StateFailed, s.State())
			assert.NotEmpty(t, s.Err())
			assert.Empty(t, gen.calls)
			assert.Empty(t, searcher.calls)
			assert.Zero(t, extractor.total())
			assert.Empty(t, synth.calls)
		})
	}
}

func TestEngineEarlyTerminationWhenNothingNew(t *testing.T) {
	// The second batch repeats the first, so cycle 2 issues nothing new and
	// accepts nothing.
	gen := &scriptedGenerator{batches: [][]string{{"q1"}, {"Q1 "}, {"q3"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://x/1")}}
	extractor := newFakeExtractor(map[string]string{"https://x/1": "relevant"})
	synth := &recordingSynthesizer{}
	engine := newTestEngine(gen, searcher, extractor, synth)

	s := NewSession("topic", 10)
	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Iteration())
	assert.Equal(t, []string{"q1"}, s.Queries())
	assert.Len(t, s.Findings(), 1)
	assert.Equal(t, StateCompleted, s.State())
}

func TestEngineGenerationFailureIsRecoverable(t *testing.T) {
	gen := &scriptedGenerator{errs: map[int]error{0: fmt.Errorf("%w: model down", ErrQueryGenerationFailed)}}
	synth := &recordingSynthesizer{}
	engine := newTestEngine(gen, &fakeSearcher{}, newFakeExtractor(nil), synth)

	s := NewSession("topic", 5)
	report, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, report.Insufficient)
	assert.Equal(t, 1, s.Iteration())
	require.Len(t, s.Cycles(), 1)
	assert.NotEmpty(t, s.Cycles()[0].GenerationError)
}

func TestEnginePlannerCompletion(t *testing.T) {
	gen := &scriptedGenerator{
		batches: [][]string{{"q1"}},
		errs:    map[int]error{1: ErrResearchComplete},
	}
	searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://x/1")}}
	engine := newTestEngine(gen, searcher, newFakeExtractor(map[string]string{"https://x/1": "relevant"}), &recordingSynthesizer{})

	s := NewSession("topic", 5)
	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Iteration())
	assert.Equal(t, StateCompleted, s.State())
}

func TestEnginePerItemFailuresDoNotFailSession(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]string{{"q1", "q2"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{
		"q1": results("https://x/missing", "https://x/boom", "https://x/ok", ""),
		"q2": results("https://x/ok", "https://x/empty"),
	}}
	extractor := newFakeExtractor(map[string]string{
		"https://x/boom":  "boom",
		"https://x/ok":    "relevant",
		"https://x/empty": "   ",
	})
	indexer := &recordingIndexer{}
	engine := newTestEngine(gen, searcher, extractor, &recordingSynthesizer{})
	engine.Indexer = indexer

	s := NewSession("topic", 1)
	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)

	require.Len(t, s.Cycles(), 1)
	c := s.Cycles()[0]
	assert.Equal(t, 4, c.NewURLs)
	assert.Equal(t, 2, c.FailedExtracts)
	// The evaluator error on "boom" is a failure, not a relevance verdict.
	assert.Equal(t, 1, c.FailedEvals)
	assert.Equal(t, 0, c.Rejected)
	assert.Equal(t, 1, c.Accepted)
	assert.Equal(t, 1, extractor.calls["https://x/ok"])
	// Indexing errors are ignored.
	assert.Len(t, indexer.findings, 1)
	assert.Equal(t, StateCompleted, s.State())
}

func TestEngineSynthesisFailureFailsSession(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]string{{"q1"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://x/1")}}
	synth := &recordingSynthesizer{err: errors.New("model overloaded")}
	engine := newTestEngine(gen, searcher, newFakeExtractor(map[string]string{"https://x/1": "relevant"}), synth)

	s := NewSession("topic", 1)
	report, err := engine.Run(context.Background(), s)
	require.ErrorIs(t, err, ErrSynthesisFailed)
	assert.Nil(t, report)
	assert.Nil(t, s.Report())
	assert.Equal(t, StateFailed, s.State())
	assert.Contains(t, s.Err(), "model overloaded")
	assert.Len(t, s.Findings(), 1)
}

func TestEngineCancellationBetweenCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := &scriptedGenerator{batches: [][]string{{"q1"}, {"q2"}, {"q3"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://x/1")}}
	synth := &recordingSynthesizer{}
	engine := newTestEngine(gen, searcher, newFakeExtractor(map[string]string{"https://x/1": "relevant"}), synth)

	s := NewSession("topic", 3)
	s.OnCycle(func(CycleSummary) { cancel() })

	_, err := engine.Run(ctx, s)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, StatusCancelled, s.Status())
	assert.Equal(t, 1, s.Iteration())
	assert.Len(t, s.Findings(), 1)
	assert.Empty(t, synth.calls)
}

func TestEngineFindingsAreAppendOnly(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]string{{"q1"}, {"q2"}, {"q3"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{
		"q1": results("https://x/1", "https://x/2"),
		"q2": results("https://x/3"),
		"q3": results("https://x/4"),
	}}
	extractor := newFakeExtractor(map[string]string{
		"https://x/1": "relevant one", "https://x/2": "relevant two",
		"https://x/3": "relevant three", "https://x/4": "relevant four",
	})
	engine := newTestEngine(gen, searcher, extractor, &recordingSynthesizer{})

	s := NewSession("topic", 3)
	var snapshots [][]Finding
	s.OnCycle(func(CycleSummary) { snapshots = append(snapshots, s.Findings()) })

	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, snapshots, 3)
	for i := 1; i < len(snapshots); i++ {
		prev, cur := snapshots[i-1], snapshots[i]
		require.GreaterOrEqual(t, len(cur), len(prev))
		assert.Equal(t, prev, cur[:len(prev)])
	}
	assert.LessOrEqual(t, s.Iteration(), s.MaxIterations)
}

func TestEngineLogExplainsOutcome(t *testing.T) {
	searcher := &fakeSearcher{results: map[string][]SearchResult{"query 0": results("https://x/1")}}
	engine := newTestEngine(endlessGenerator{}, searcher, newFakeExtractor(map[string]string{"https://x/1": "off topic"}), &recordingSynthesizer{})

	s := NewSession("topic", 1)
	var streamed []LogEntry
	s.OnLog(func(e LogEntry) { streamed = append(streamed, e) })

	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, s.Log(), streamed)

	var messages []string
	for _, e := range s.Log() {
		messages = append(messages, e.Message)
	}
	assert.Contains(t, messages, `Search "query 0" returned 1 results (1 new)`)
	assert.Contains(t, messages, "Not relevant: https://x/1")
	assert.Contains(t, messages, "Cycle 1 complete: 1 queries issued, 1 results seen, 1 new URLs, 0 findings accepted (0 total)")
}

func TestEngineMissingCollaborator(t *testing.T) {
	engine := NewEngine(endlessGenerator{}, nil, newFakeExtractor(nil), keywordEvaluator{}, &recordingSynthesizer{}, Options{})
	s := NewSession("topic", 1)
	_, err := engine.Run(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, StateFailed, s.State())
}

func TestEngineSessionRunsOnce(t *testing.T) {
	engine := newTestEngine(endlessGenerator{}, &fakeSearcher{}, newFakeExtractor(nil), &recordingSynthesizer{})
	s := NewSession("topic", 1)
	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	_, err = engine.Run(context.Background(), s)
	require.Error(t, err)
}

type hangingExtractor struct{}

func (hangingExtractor) Extract(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", fmt.Errorf("%w: %v", ErrExtractionFailed, ctx.Err())
}

func TestEngineCallTimeoutIsPerItemFailure(t *testing.T) {
	gen := &scriptedGenerator{batches: [][]string{{"q1"}}}
	searcher := &fakeSearcher{results: map[string][]SearchResult{"q1": results("https://slow/1")}}
	synth := &recordingSynthesizer{}
	engine := NewEngine(gen, searcher, hangingExtractor{}, keywordEvaluator{}, synth,
		Options{CallTimeout: 20 * time.Millisecond})

	s := NewSession("topic", 1)
	start := time.Now()
	_, err := engine.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StateCompleted, s.State())
	require.Len(t, s.Cycles(), 1)
	assert.Equal(t, 1, s.Cycles()[0].FailedExtracts)
	assert.Equal(t, []string{"https://slow/1"}, s.SeenURLs())
}
