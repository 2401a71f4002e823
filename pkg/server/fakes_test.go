package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*Job
	logs     map[uuid.UUID][]LogEntry
	findings map[uuid.UUID][]research.Finding
	states   map[uuid.UUID][]research.Snapshot
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[uuid.UUID]*Job),
		logs:     make(map[uuid.UUID][]LogEntry),
		findings: make(map[uuid.UUID][]research.Finding),
		states:   make(map[uuid.UUID][]research.Snapshot),
	}
}

func (m *memStore) InsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) ListJobs(_ context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []Job
	for _, j := range m.jobs {
		if len(jobs) == limit {
			break
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}

func (m *memStore) SaveState(_ context.Context, id uuid.UUID, snap research.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = string(snap.Status)
	job.State, _ = json.Marshal(snap)
	m.states[id] = append(m.states[id], snap)
	return nil
}

func (m *memStore) FinishJob(_ context.Context, id uuid.UUID, snap research.Snapshot, report *research.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.jobs[id]
	job.Status = string(snap.Status)
	job.State, _ = json.Marshal(snap)
	job.Report = report
	if report != nil {
		md := report.Markdown()
		job.ReportMarkdown = &md
	}
	if snap.Error != "" {
		e := snap.Error
		job.Error = &e
	}
	return nil
}

func (m *memStore) InsertLog(_ context.Context, id uuid.UUID, at time.Time, level, message string, metadata []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[id] = append(m.logs[id], LogEntry{
		ID:        len(m.logs[id]) + 1,
		Timestamp: at,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	})
	return nil
}

func (m *memStore) GetJobLogs(_ context.Context, id uuid.UUID) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), m.logs[id]...), nil
}

func (m *memStore) InsertFinding(_ context.Context, id uuid.UUID, f research.Finding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings[id] = append(m.findings[id], f)
	return nil
}

func (m *memStore) GetFindings(_ context.Context, id uuid.UUID) ([]research.Finding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]research.Finding(nil), m.findings[id]...), nil
}

// --- engine collaborators ---

type oneRound struct{}

func (oneRound) Generate(_ context.Context, req research.QueryRequest) ([]research.SearchQuery, error) {
	if req.Iteration > 0 {
		return nil, research.ErrResearchComplete
	}
	return []research.SearchQuery{{Text: "solid-state battery heat"}}, nil
}

type staticSearch struct{}

func (staticSearch) Search(context.Context, string) ([]research.SearchResult, error) {
	return []research.SearchResult{{Title: "Cells", URL: "https://cells.example"}}, nil
}

// blockingSearch waits for cancellation and reports that it started.
type blockingSearch struct{ started chan struct{} }

func (b blockingSearch) Search(ctx context.Context, _ string) ([]research.SearchResult, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticPage struct{}

func (staticPage) Extract(context.Context, string) (string, error) {
	return "Solid-state cells tolerate heat better than liquid cells.", nil
}

type acceptAll struct{}

func (acceptAll) Evaluate(_ context.Context, _, text, url string) (*research.Finding, error) {
	return &research.Finding{URL: url, Text: text, Score: 9, Rationale: "on topic"}, nil
}

type titledReport struct{}

func (titledReport) Synthesize(_ context.Context, q string, f []research.Finding) (*research.Report, error) {
	return &research.Report{
		Query:        q,
		Title:        "Heat tolerance of solid-state batteries",
		Introduction: "Findings summary.",
		Sources:      research.SourcesFromFindings(f),
		GeneratedAt:  time.Now(),
	}, nil
}

func newTestService(searcher research.WebSearcher) (*Service, *memStore) {
	store := newMemStore()
	engine := research.NewEngine(oneRound{}, searcher, staticPage{}, acceptAll{}, titledReport{}, research.Options{})
	return NewService(store, engine, 3), store
}

// waitDone blocks until the worker for id has recorded its final state.
func waitDone(t *testing.T, svc *Service, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool { return !svc.Running(id) }, 5*time.Second, 10*time.Millisecond)
}
