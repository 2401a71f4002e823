package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mikeboe/deep-researcher/pkg/database"
	"github.com/mikeboe/deep-researcher/pkg/research"
)

// ErrJobNotFound is returned when no job has the requested ID.
var ErrJobNotFound = errors.New("job not found")

// Store persists research jobs and everything a running session emits.
type Store interface {
	InsertJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]Job, error)
	// SaveState records the progress of a running job.
	SaveState(ctx context.Context, id uuid.UUID, snap research.Snapshot) error
	// FinishJob records the terminal state and, if there is one, the report.
	FinishJob(ctx context.Context, id uuid.UUID, snap research.Snapshot, report *research.Report) error
	LogWriter
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error)
	InsertFinding(ctx context.Context, id uuid.UUID, f research.Finding) error
	GetFindings(ctx context.Context, id uuid.UUID) ([]research.Finding, error)
}

// LogWriter appends a log line to a job.
type LogWriter interface {
	InsertLog(ctx context.Context, id uuid.UUID, at time.Time, level, message string, metadata []byte) error
}

// PostgresStore implements Store on the research_* tables.
type PostgresStore struct {
	DB *database.PostgresDB
}

func NewPostgresStore(db *database.PostgresDB) *PostgresStore {
	return &PostgresStore{DB: db}
}

const jobColumns = `id, query, status, max_iterations, state, report, report_markdown, error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var state, report []byte
	err := row.Scan(
		&job.ID, &job.Query, &job.Status, &job.MaxIterations, &state, &report,
		&job.ReportMarkdown, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		job.State = json.RawMessage(state)
	}
	if len(report) > 0 {
		job.Report = &research.Report{}
		if err := json.Unmarshal(report, job.Report); err != nil {
			return nil, fmt.Errorf("failed to decode report: %w", err)
		}
	}
	return job, nil
}

func (s *PostgresStore) InsertJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO research_jobs (id, query, status, max_iterations)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	return s.DB.Pool.QueryRow(ctx, query, job.ID, job.Query, job.Status, job.MaxIterations).
		Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs WHERE id = $1`
	job, err := scanJob(s.DB.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM research_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := s.DB.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) SaveState(ctx context.Context, id uuid.UUID, snap research.Snapshot) error {
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = s.DB.Pool.Exec(ctx,
		"UPDATE research_jobs SET status = $2, state = $3, updated_at = NOW() WHERE id = $1",
		id, string(snap.Status), stateJSON)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, snap research.Snapshot, report *research.Report) error {
	stateJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	var reportJSON []byte
	var markdown, errDetail *string
	if report != nil {
		if reportJSON, err = json.Marshal(report); err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		md := report.Markdown()
		markdown = &md
	}
	if snap.Error != "" {
		errDetail = &snap.Error
	}
	_, err = s.DB.Pool.Exec(ctx, `
		UPDATE research_jobs
		SET status = $2, state = $3, report = $4, report_markdown = $5, error = $6, updated_at = NOW()
		WHERE id = $1
	`, id, string(snap.Status), stateJSON, reportJSON, markdown, errDetail)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, id uuid.UUID, at time.Time, level, message string, metadata []byte) error {
	query := `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.DB.Pool.Exec(ctx, query, id, at, level, message, metadata)
	return err
}

func (s *PostgresStore) GetJobLogs(ctx context.Context, id uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) InsertFinding(ctx context.Context, id uuid.UUID, f research.Finding) error {
	query := `
		INSERT INTO research_findings (job_id, url, title, query, content, rationale, score, iteration, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, url) DO NOTHING
	`
	_, err := s.DB.Pool.Exec(ctx, query, id, f.URL, f.Title, f.Query, f.Text, f.Rationale, f.Score, f.Iteration, f.AcceptedAt)
	if err != nil {
		return fmt.Errorf("failed to insert finding: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFindings(ctx context.Context, id uuid.UUID) ([]research.Finding, error) {
	query := `
		SELECT url, COALESCE(title, ''), COALESCE(query, ''), content, COALESCE(rationale, ''), score, iteration, accepted_at
		FROM research_findings
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get findings: %w", err)
	}
	defer rows.Close()

	var findings []research.Finding
	for rows.Next() {
		var f research.Finding
		if err := rows.Scan(&f.URL, &f.Title, &f.Query, &f.Text, &f.Rationale, &f.Score, &f.Iteration, &f.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}
