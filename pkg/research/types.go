package research

import (
	"errors"
	"time"
)

// DefaultMaxIterations is used when a session is created without an override.
const DefaultMaxIterations = 10

var (
	// ErrInvalidInput is returned for an empty query or a non-positive iteration limit.
	ErrInvalidInput = errors.New("invalid research input")
	// ErrQueryGenerationFailed means no usable search queries came back for a cycle.
	ErrQueryGenerationFailed = errors.New("query generation failed")
	// ErrResearchComplete is returned by a query generator that judges the findings sufficient.
	ErrResearchComplete = errors.New("research complete")
	// ErrSearchUnavailable wraps any failure of a single web search.
	ErrSearchUnavailable = errors.New("search unavailable")
	// ErrExtractionFailed wraps any failure to extract text from a URL.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrEvaluationFailed wraps a failed relevance evaluation call.
	ErrEvaluationFailed = errors.New("evaluation failed")
	// ErrSynthesisFailed wraps a failed report synthesis.
	ErrSynthesisFailed = errors.New("synthesis failed")
)

// State is a step of the session state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateIterating    State = "iterating"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Status is the coarse, user facing view of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// SearchQuery is a query string plus the iteration that produced it.
type SearchQuery struct {
	Text      string `json:"text"`
	Iteration int    `json:"iteration"`
}

// SearchResult represents a single search result
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	// Query is the search query that surfaced this result.
	Query string `json:"query,omitempty"`
}

// Finding is an accepted unit of knowledge tied to one source URL.
type Finding struct {
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
	Query      string    `json:"query,omitempty"`
	Text       string    `json:"text"`
	Rationale  string    `json:"rationale"`
	Score      int       `json:"score"`
	Iteration  int       `json:"iteration"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// LogEntry is a timestamped progress message.
type LogEntry struct {
	Time      time.Time `json:"time"`
	Iteration int       `json:"iteration"`
	Message   string    `json:"message"`
}

// CycleSummary records what a single iteration did.
type CycleSummary struct {
	Iteration       int      `json:"iteration"`
	Queries         []string `json:"queries"`
	FailedSearches  int      `json:"failed_searches"`
	Results         int      `json:"results"`
	NewURLs         int      `json:"new_urls"`
	FailedExtracts  int      `json:"failed_extracts"`
	FailedEvals     int      `json:"failed_evaluations"`
	Rejected        int      `json:"rejected"`
	Accepted        int      `json:"accepted"`
	GenerationError string   `json:"generation_error,omitempty"`
}

// productive reports whether the cycle produced anything new.
func (c CycleSummary) productive() bool {
	return c.Accepted > 0 || len(c.Queries) > 0
}
