package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-researcher/pkg/metrics"
	"github.com/mikeboe/deep-researcher/pkg/research"
)

// Job statuses. A job is pending until its session starts iterating; the
// other values mirror research.Status.
const (
	StatusPending   = "pending"
	StatusRunning   = string(research.StatusRunning)
	StatusCompleted = string(research.StatusCompleted)
	StatusFailed    = string(research.StatusFailed)
	StatusCancelled = string(research.StatusCancelled)
)

var (
	// ErrInvalidJob is returned for a request the engine would reject.
	ErrInvalidJob = errors.New("invalid research job")
	// ErrJobNotRunning is returned when cancelling a job that already ended.
	ErrJobNotRunning = errors.New("job is not running")
	// ErrReportNotReady is returned while a job has produced no report.
	ErrReportNotReady = errors.New("report not available")
)

// Runner executes a research session. *research.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, s *research.Session) (*research.Report, error)
}

type Service struct {
	Store  Store
	Engine Runner
	// MaxIterations applies when a request does not set one.
	MaxIterations int
	Logger        *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(store Store, engine Runner, maxIterations int) *Service {
	return &Service{
		Store:         store,
		Engine:        engine,
		MaxIterations: maxIterations,
		Logger:        slog.Default(),
		running:       make(map[uuid.UUID]context.CancelFunc),
	}
}

type Job struct {
	ID             uuid.UUID        `json:"id"`
	Query          string           `json:"query"`
	Status         string           `json:"status"`
	MaxIterations  int              `json:"max_iterations"`
	State          json.RawMessage  `json:"state,omitempty"`
	Report         *research.Report `json:"report,omitempty"`
	ReportMarkdown *string          `json:"report_markdown,omitempty"`
	Error          *string          `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type CreateJobRequest struct {
	Query         string `json:"query"`
	MaxIterations int    `json:"max_iterations"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

// CreateJob stores a pending job and starts researching it in the
// background. The worker outlives ctx.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidJob)
	}
	if req.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: max_iterations must be positive", ErrInvalidJob)
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = s.MaxIterations
	}
	if maxIterations == 0 {
		maxIterations = research.DefaultMaxIterations
	}

	job := &Job{
		ID:            uuid.New(),
		Query:         query,
		Status:        StatusPending,
		MaxIterations: maxIterations,
	}
	if err := s.Store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	// Start background worker
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(job.ID)
		defer cancel()
		s.runWorker(runCtx, job)
	}()

	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	return s.Store.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	return s.Store.ListJobs(ctx, 50)
}

func (s *Service) GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	return s.Store.GetJobLogs(ctx, id)
}

func (s *Service) GetFindings(ctx context.Context, id uuid.UUID) ([]research.Finding, error) {
	if _, err := s.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.GetFindings(ctx, id)
}

// GetReport returns the Markdown report of a finished job.
func (s *Service) GetReport(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := s.Store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.ReportMarkdown == nil {
		return "", ErrReportNotReady
	}
	return *job.ReportMarkdown, nil
}

// CancelJob stops a running job. The worker records the cancelled state.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	if _, err := s.Store.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrJobNotRunning
}

// Running reports whether a worker is active for id.
func (s *Service) Running(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Shutdown cancels every running job and waits for the workers to record
// their final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

func (s *Service) runWorker(ctx context.Context, job *Job) {
	// Persistence must survive cancellation of the run itself.
	dbCtx := context.WithoutCancel(ctx)
	log := s.logger().With("job_id", job.ID)
	dbLogger := slog.New(NewDBLogHandler(s.Store, job.ID))

	session := research.NewSession(job.Query, job.MaxIterations)
	session.ID = job.ID.String()
	metrics.Observe(session)

	session.OnLog(func(e research.LogEntry) {
		dbLogger.Info(e.Message, "iteration", e.Iteration)
	})
	session.OnFinding(func(f research.Finding) {
		if err := s.Store.InsertFinding(dbCtx, job.ID, f); err != nil {
			log.Error("Failed to save finding", "url", f.URL, "error", err)
		}
	})
	saveState := func() {
		if err := s.Store.SaveState(dbCtx, job.ID, session.Snapshot()); err != nil {
			log.Error("Failed to save state to DB", "error", err)
		}
	}
	// Terminal states are written together with the report below.
	session.OnStateChange(func(st research.State) {
		if !st.Terminal() {
			saveState()
		}
	})
	session.OnCycle(func(research.CycleSummary) { saveState() })

	report, err := s.Engine.Run(ctx, session)
	if err != nil {
		log.Warn("Research ended without a report", "status", session.Status(), "error", err)
	} else {
		log.Info("Research completed", "findings", len(session.Findings()))
	}

	if err := s.Store.FinishJob(dbCtx, job.ID, session.Snapshot(), report); err != nil {
		log.Error("Failed to save final report to DB", "error", err)
	}
}
