package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type schemaStep struct {
	name string
	sql  string
}

// schema is applied in order. Every step is idempotent.
var schema = []schemaStep{
	{"research_jobs table", `
		CREATE TABLE IF NOT EXISTS research_jobs (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			query TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			max_iterations INTEGER NOT NULL,
			state JSONB,
			report JSONB,
			report_markdown TEXT,
			error TEXT,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`},
	{"research_logs table", `
		CREATE TABLE IF NOT EXISTS research_logs (
			id BIGSERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			timestamp TIMESTAMPTZ DEFAULT NOW(),
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB
		)`},
	{"research_findings table", `
		CREATE TABLE IF NOT EXISTS research_findings (
			id BIGSERIAL PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
			url TEXT NOT NULL,
			title TEXT,
			query TEXT,
			content TEXT NOT NULL,
			rationale TEXT,
			score INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			accepted_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (job_id, url)
		)`},
	{"conversations table", `
		CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_id UUID REFERENCES research_jobs(id) ON DELETE CASCADE,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`},
	{"messages table", `
		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`},
	{"jobs by creation", `CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)`},
	{"logs by job", `CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)`},
	{"findings by job", `CREATE INDEX IF NOT EXISTS idx_research_findings_job_id ON research_findings(job_id)`},
	{"conversations by job", `CREATE INDEX IF NOT EXISTS idx_conversations_job_id ON conversations(job_id)`},
	{"conversations by update", `CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC)`},
	{"messages by conversation", `CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id)`},
	// Jobs interrupted by a restart cannot resume.
	{"interrupted jobs", `
		UPDATE research_jobs
		SET status = 'failed', error = 'interrupted by server restart', updated_at = NOW()
		WHERE status IN ('pending', 'running')`},
}

// InitSchema creates the job, log, finding and chat tables and fails jobs
// left unfinished by a previous process.
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		for _, step := range schema {
			if _, err := tx.Exec(ctx, step.sql); err != nil {
				return fmt.Errorf("schema step %q: %w", step.name, err)
			}
		}
		return nil
	})
}

// InitFindingIndex prepares the pgvector table that holds embedded
// findings, with a similarity index and a job_id lookup index.
func (db *PostgresDB) InitFindingIndex(ctx context.Context, tableName string, dimension int) error {
	if _, err := db.Pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}

	table := pgx.Identifier{tableName}.Sanitize()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, table, dimension)
	if _, err := db.Pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	// HNSW supports up to 2000 dimensions; larger vectors use exact search.
	if dimension <= 2000 {
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)",
			pgx.Identifier{tableName + "_embedding_idx"}.Sanitize(), table)
		if _, err := db.Pool.Exec(ctx, indexQuery); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", tableName, err)
		}
	}

	jobIndex := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s ((metadata->>'job_id'))",
		pgx.Identifier{tableName + "_job_id_idx"}.Sanitize(), table)
	if _, err := db.Pool.Exec(ctx, jobIndex); err != nil {
		return fmt.Errorf("failed to create job index on %s: %w", tableName, err)
	}
	return nil
}
