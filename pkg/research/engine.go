package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options tunes the Engine. Zero values select the defaults.
type Options struct {
	// CallTimeout bounds every query generation, search, extraction and
	// evaluation call.
	CallTimeout time.Duration
	// SynthesisTimeout bounds the final report call.
	SynthesisTimeout   time.Duration
	SearchConcurrency  int
	ExtractConcurrency int
	// ResultsPerQuery caps how many results of a single search are used.
	ResultsPerQuery int
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		CallTimeout:        60 * time.Second,
		SynthesisTimeout:   3 * time.Minute,
		SearchConcurrency:  4,
		ExtractConcurrency: 3,
		ResultsPerQuery:    5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CallTimeout <= 0 {
		o.CallTimeout = d.CallTimeout
	}
	if o.SynthesisTimeout <= 0 {
		o.SynthesisTimeout = d.SynthesisTimeout
	}
	if o.SearchConcurrency <= 0 {
		o.SearchConcurrency = d.SearchConcurrency
	}
	if o.ExtractConcurrency <= 0 {
		o.ExtractConcurrency = d.ExtractConcurrency
	}
	if o.ResultsPerQuery < 0 {
		o.ResultsPerQuery = 0
	}
	return o
}

// Engine is the iteration controller. It drives a Session through
// initializing -> iterating -> synthesizing -> completed, with failed and
// cancelled as the other terminal states. An Engine holds no per-session
// state and may run many sessions in parallel.
type Engine struct {
	Generator   QueryGenerator
	Searcher    WebSearcher
	Extractor   ContentExtractor
	Evaluator   RelevanceEvaluator
	Synthesizer ReportSynthesizer
	// Indexer is optional. Indexing failures are logged and ignored.
	Indexer FindingIndexer
	Options Options
	Logger  *slog.Logger
}

// NewEngine wires the collaborators into an Engine.
func NewEngine(gen QueryGenerator, searcher WebSearcher, extractor ContentExtractor, evaluator RelevanceEvaluator, synth ReportSynthesizer, opts Options) *Engine {
	return &Engine{
		Generator:   gen,
		Searcher:    searcher,
		Extractor:   extractor,
		Evaluator:   evaluator,
		Synthesizer: synth,
		Options:     opts,
		Logger:      slog.Default(),
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) checkCollaborators() error {
	var missing []string
	if e.Generator == nil {
		missing = append(missing, "query generator")
	}
	if e.Searcher == nil {
		missing = append(missing, "web searcher")
	}
	if e.Extractor == nil {
		missing = append(missing, "content extractor")
	}
	if e.Evaluator == nil {
		missing = append(missing, "relevance evaluator")
	}
	if e.Synthesizer == nil {
		missing = append(missing, "report synthesizer")
	}
	if len(missing) > 0 {
		return fmt.Errorf("engine is missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Run executes the research loop for s and returns the final report. The
// session records the outcome: a failed session carries an error detail,
// and a cancelled one keeps the findings accumulated before cancellation.
func (e *Engine) Run(ctx context.Context, s *Session) (*Report, error) {
	log := e.logger().With("session", s.ID)
	opts := e.Options.withDefaults()

	if s.State() != StateInitializing {
		return nil, fmt.Errorf("session %s already run (state %s)", s.ID, s.State())
	}
	if err := e.checkCollaborators(); err != nil {
		s.fail(err)
		return nil, err
	}
	if err := s.validate(); err != nil {
		s.fail(err)
		return nil, err
	}

	log.Info("Starting research loop", "query", s.Query, "max_iterations", s.MaxIterations)
	s.transition(StateIterating)
	s.logf("Starting research on %q (up to %d iterations)", s.Query, s.MaxIterations)

	for {
		if ctx.Err() != nil {
			return e.cancel(ctx, s)
		}

		sum, complete := e.runCycle(ctx, s, opts, log)
		if complete {
			s.logf("Planner judged the findings sufficient; no further research needed")
			break
		}
		if s.Iteration() >= s.MaxIterations {
			s.logf("Reached the iteration limit (%d)", s.MaxIterations)
			break
		}
		if !sum.productive() {
			s.logf("Cycle %d produced no new queries and no findings; stopping early", sum.Iteration)
			break
		}
	}

	if ctx.Err() != nil {
		return e.cancel(ctx, s)
	}

	s.transition(StateSynthesizing)
	findings := s.Findings()
	s.logf("Synthesizing report from %d findings", len(findings))

	sctx, cancel := context.WithTimeout(ctx, opts.SynthesisTimeout)
	report, err := e.Synthesizer.Synthesize(sctx, s.Query, findings)
	cancel()
	if err == nil && report == nil {
		err = errors.New("synthesizer returned no report")
	}
	if err != nil {
		if ctx.Err() != nil {
			return e.cancel(ctx, s)
		}
		if !errors.Is(err, ErrSynthesisFailed) {
			err = fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
		}
		log.Error("Report synthesis failed", "error", err)
		s.fail(err)
		return nil, err
	}

	s.setReport(report)
	s.logf("Research completed: %d findings from %d sources", len(findings), len(report.Sources))
	s.transition(StateCompleted)
	log.Info("Research complete", "iterations", s.Iteration(), "findings", len(findings))
	return report, nil
}

func (e *Engine) cancel(ctx context.Context, s *Session) (*Report, error) {
	s.logf("Research cancelled after %d iterations with %d findings", s.Iteration(), len(s.Findings()))
	s.transition(StateCancelled)
	return nil, fmt.Errorf("research cancelled: %w", ctx.Err())
}

type itemOutcome struct {
	finding    *Finding
	extractErr error
	evalErr    error
}

// runCycle performs one iteration. It reports complete when the generator
// signals that no further research is needed, in which case no cycle is
// counted.
func (e *Engine) runCycle(ctx context.Context, s *Session, opts Options, log *slog.Logger) (CycleSummary, bool) {
	idx := s.Iteration()
	cycle := idx + 1
	var sum CycleSummary
	log = log.With("iteration", cycle)
	log.Info("Starting iteration", "max", s.MaxIterations)

	// 1. Plan
	gctx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	proposed, err := e.Generator.Generate(gctx, QueryRequest{
		Topic:        s.Query,
		Findings:     s.Findings(),
		Iteration:    idx,
		PriorQueries: s.Queries(),
	})
	cancel()
	if errors.Is(err, ErrResearchComplete) {
		if idx > 0 {
			return sum, true
		}
		err = fmt.Errorf("%w: completion reported before any research", ErrQueryGenerationFailed)
	}
	if err != nil {
		log.Warn("Query generation failed", "error", err)
		sum.GenerationError = err.Error()
		s.logf("Cycle %d: query generation failed: %v", cycle, err)
		return e.finishCycle(s, sum), false
	}

	for _, q := range proposed {
		text := strings.TrimSpace(q.Text)
		if s.claimQuery(text) {
			sum.Queries = append(sum.Queries, text)
		}
	}
	if len(sum.Queries) == 0 {
		s.logf("Cycle %d: every proposed query was already issued", cycle)
		return e.finishCycle(s, sum), false
	}
	s.logf("Cycle %d: searching %d queries: %s", cycle, len(sum.Queries), strings.Join(quoteAll(sum.Queries), ", "))

	// 2. Search
	batches := make([][]SearchResult, len(sum.Queries))
	searchErrs := make([]error, len(sum.Queries))
	var sg errgroup.Group
	sg.SetLimit(opts.SearchConcurrency)
	for i, q := range sum.Queries {
		sg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
			defer cancel()
			batches[i], searchErrs[i] = e.Searcher.Search(cctx, q)
			return nil
		})
	}
	_ = sg.Wait()

	var fresh []SearchResult
	for i, q := range sum.Queries {
		if searchErrs[i] != nil {
			sum.FailedSearches++
			log.Error("Search failed", "query", q, "error", searchErrs[i])
			s.logf("Search failed for %q: %v", q, searchErrs[i])
			continue
		}
		results := batches[i]
		if opts.ResultsPerQuery > 0 && len(results) > opts.ResultsPerQuery {
			results = results[:opts.ResultsPerQuery]
		}
		sum.Results += len(results)
		newForQuery := 0
		for _, r := range results {
			r.URL = strings.TrimSpace(r.URL)
			if r.URL == "" || !s.claimURL(r.URL) {
				continue
			}
			if r.Query == "" {
				r.Query = q
			}
			fresh = append(fresh, r)
			newForQuery++
		}
		s.logf("Search %q returned %d results (%d new)", q, len(results), newForQuery)
	}
	sum.NewURLs = len(fresh)

	// 3. Extract and evaluate
	outcomes := make([]itemOutcome, len(fresh))
	var eg errgroup.Group
	eg.SetLimit(opts.ExtractConcurrency)
	for i, r := range fresh {
		eg.Go(func() error {
			outcomes[i] = e.process(ctx, s.Query, r, opts)
			return nil
		})
	}
	_ = eg.Wait()

	// 4. Accept, in result order
	for i, r := range fresh {
		o := outcomes[i]
		switch {
		case o.extractErr != nil:
			sum.FailedExtracts++
			log.Warn("Extraction failed", "url", r.URL, "error", o.extractErr)
			s.logf("Could not extract content from %s: %v", r.URL, o.extractErr)
		case o.evalErr != nil:
			sum.FailedEvals++
			log.Warn("Evaluation failed, skipping", "url", r.URL, "error", o.evalErr)
			s.logf("Evaluation failed for %s; content rejected", r.URL)
		case o.finding == nil:
			sum.Rejected++
			s.logf("Not relevant: %s", r.URL)
		default:
			f := *o.finding
			f.URL = r.URL
			f.Title = r.Title
			f.Query = r.Query
			f.Iteration = idx
			if f.AcceptedAt.IsZero() {
				f.AcceptedAt = time.Now()
			}
			s.appendFinding(f)
			sum.Accepted++
			s.logf("Accepted %s: %s", r.URL, f.Rationale)
			e.index(ctx, s, f, opts, log)
		}
	}

	return e.finishCycle(s, sum), false
}

func (e *Engine) finishCycle(s *Session, sum CycleSummary) CycleSummary {
	sum = s.completeCycle(sum)
	s.logf("Cycle %d complete: %d queries issued, %d results seen, %d new URLs, %d findings accepted (%d total)",
		sum.Iteration, len(sum.Queries), sum.Results, sum.NewURLs, sum.Accepted, len(s.Findings()))
	return sum
}

// process extracts and evaluates a single result. It touches no session
// state and may run concurrently.
func (e *Engine) process(ctx context.Context, query string, r SearchResult, opts Options) itemOutcome {
	xctx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	text, err := e.Extractor.Extract(xctx, r.URL)
	cancel()
	if err != nil {
		return itemOutcome{extractErr: err}
	}
	if strings.TrimSpace(text) == "" {
		return itemOutcome{extractErr: fmt.Errorf("%w: empty content", ErrExtractionFailed)}
	}

	ectx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	finding, err := e.Evaluator.Evaluate(ectx, query, text, r.URL)
	cancel()
	if err != nil {
		return itemOutcome{evalErr: err}
	}
	return itemOutcome{finding: finding}
}

func (e *Engine) index(ctx context.Context, s *Session, f Finding, opts Options, log *slog.Logger) {
	if e.Indexer == nil {
		return
	}
	ictx, cancel := context.WithTimeout(ctx, opts.CallTimeout)
	defer cancel()
	if err := e.Indexer.Index(ictx, s.ID, f); err != nil {
		log.Warn("Failed to index finding", "url", f.URL, "error", err)
	}
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprintf("%q", it)
	}
	return out
}
