package research

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the state of one end-to-end research run. Only the Engine
// mutates it; readers use the accessor methods, which are safe to call from
// other goroutines while a run is in progress.
type Session struct {
	ID            string
	Query         string
	MaxIterations int

	mu         sync.RWMutex
	state      State
	iteration  int
	findings   []Finding
	seenURLs   map[string]struct{}
	queries    []string
	issued     map[string]struct{}
	cycles     []CycleSummary
	log        []LogEntry
	report     *Report
	errDetail  string
	startedAt  time.Time
	finishedAt time.Time

	onLog     []func(LogEntry)
	onFinding []func(Finding)
	onState   []func(State)
	onCycle   []func(CycleSummary)
}

// NewSession creates a session in the initializing state. A maxIterations
// of zero selects DefaultMaxIterations; input validation happens when the
// session is run.
func NewSession(query string, maxIterations int) *Session {
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Session{
		ID:            uuid.NewString(),
		Query:         query,
		MaxIterations: maxIterations,
		state:         StateInitializing,
		seenURLs:      make(map[string]struct{}),
		issued:        make(map[string]struct{}),
	}
}

// OnLog registers a subscriber called for every appended LogEntry.
func (s *Session) OnLog(fn func(LogEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLog = append(s.onLog, fn)
}

// OnFinding registers a subscriber called for every accepted Finding.
func (s *Session) OnFinding(fn func(Finding)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinding = append(s.onFinding, fn)
}

// OnCycle registers a subscriber called after every completed cycle.
func (s *Session) OnCycle(fn func(CycleSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCycle = append(s.onCycle, fn)
}

// OnStateChange registers a subscriber called after every transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status maps the state machine onto the user facing status.
func (s *Session) Status() Status {
	switch s.State() {
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusRunning
	}
}

func (s *Session) Iteration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// Findings returns a copy of the accepted findings in acceptance order.
func (s *Session) Findings() []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// SeenURLs returns the URLs handed to the extractor so far.
func (s *Session) SeenURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.seenURLs))
	for u := range s.seenURLs {
		out = append(out, u)
	}
	return out
}

// Queries returns every query issued in the session, in order.
func (s *Session) Queries() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.queries))
	copy(out, s.queries)
	return out
}

func (s *Session) Cycles() []CycleSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CycleSummary, len(s.cycles))
	copy(out, s.cycles)
	return out
}

// Log returns a copy of the progress log.
func (s *Session) Log() []LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// Report is nil until the session completes.
func (s *Session) Report() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Err is the recorded failure detail of a failed session.
func (s *Session) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errDetail
}

// Snapshot is a serializable view of a session.
type Snapshot struct {
	ID            string         `json:"id"`
	Query         string         `json:"query"`
	MaxIterations int            `json:"max_iterations"`
	Iteration     int            `json:"iteration"`
	State         State          `json:"state"`
	Status        Status         `json:"status"`
	Queries       []string       `json:"queries"`
	SeenURLs      int            `json:"seen_urls"`
	Findings      int            `json:"findings"`
	Cycles        []CycleSummary `json:"cycles"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	status := s.Status()
	s.mu.RLock()
	defer s.mu.RUnlock()
	queries := make([]string, len(s.queries))
	copy(queries, s.queries)
	cycles := make([]CycleSummary, len(s.cycles))
	copy(cycles, s.cycles)
	return Snapshot{
		ID:            s.ID,
		Query:         s.Query,
		MaxIterations: s.MaxIterations,
		Iteration:     s.iteration,
		State:         s.state,
		Status:        status,
		Queries:       queries,
		SeenURLs:      len(s.seenURLs),
		Findings:      len(s.findings),
		Cycles:        cycles,
		Error:         s.errDetail,
		StartedAt:     s.startedAt,
		FinishedAt:    s.finishedAt,
	}
}

// --- mutators, called by the Engine only ---

func (s *Session) validate() error {
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("%w: query is empty", ErrInvalidInput)
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be at least 1, got %d", ErrInvalidInput, s.MaxIterations)
	}
	return nil
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	now := time.Now()
	if to == StateIterating && s.startedAt.IsZero() {
		s.startedAt = now
	}
	if to.Terminal() {
		s.finishedAt = now
	}
	subs := append([]func(State){}, s.onState...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(to)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.errDetail = err.Error()
	s.mu.Unlock()
	s.logf("Research failed: %v", err)
	s.transition(StateFailed)
}

func (s *Session) logf(format string, args ...any) {
	s.mu.Lock()
	entry := LogEntry{
		Time:      time.Now(),
		Iteration: s.iteration,
		Message:   fmt.Sprintf(format, args...),
	}
	s.log = append(s.log, entry)
	subs := append([]func(LogEntry){}, s.onLog...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(entry)
	}
}

// claimURL marks url as seen. It returns false if the URL was already seen,
// in which case it must not be extracted again.
func (s *Session) claimURL(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenURLs[url]; ok {
		return false
	}
	s.seenURLs[url] = struct{}{}
	return true
}

// claimQuery records q as issued and reports whether it is new.
func (s *Session) claimQuery(q string) bool {
	key := normalizeQuery(q)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.issued[key]; ok {
		return false
	}
	s.issued[key] = struct{}{}
	s.queries = append(s.queries, q)
	return true
}

func (s *Session) appendFinding(f Finding) {
	s.mu.Lock()
	s.findings = append(s.findings, f)
	subs := append([]func(Finding){}, s.onFinding...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
}

func (s *Session) completeCycle(c CycleSummary) CycleSummary {
	s.mu.Lock()
	if s.iteration < s.MaxIterations {
		s.iteration++
	}
	c.Iteration = s.iteration
	s.cycles = append(s.cycles, c)
	subs := append([]func(CycleSummary){}, s.onCycle...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
	return c
}

func (s *Session) setReport(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report = r
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(q), " "))
}
