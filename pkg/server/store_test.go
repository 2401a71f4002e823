package server

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-researcher/pkg/database"
	"github.com/mikeboe/deep-researcher/pkg/research"
)

// testStore connects to TEST_DATABASE_URL and skips when it is not set or
// not reachable.
func testStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	db, err := database.NewPostgresDB(ctx, url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(db.Close)
	require.NoError(t, db.InitSchema(ctx))
	return NewPostgresStore(db)
}

func TestPostgresStoreJobLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &Job{ID: uuid.New(), Query: "solid-state batteries", Status: StatusPending, MaxIterations: 2}
	require.NoError(t, store.InsertJob(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())
	t.Cleanup(func() {
		_, _ = store.DB.Pool.Exec(context.Background(), "DELETE FROM research_jobs WHERE id = $1", job.ID)
	})

	snap := research.Snapshot{ID: job.ID.String(), Query: job.Query, State: research.StateIterating, Status: research.StatusRunning}
	require.NoError(t, store.SaveState(ctx, job.ID, snap))

	finding := research.Finding{URL: "https://a.example", Title: "A", Text: "text", Score: 8, Iteration: 1, AcceptedAt: time.Now()}
	require.NoError(t, store.InsertFinding(ctx, job.ID, finding))
	// A second insert for the same URL is ignored.
	require.NoError(t, store.InsertFinding(ctx, job.ID, finding))

	require.NoError(t, store.InsertLog(ctx, job.ID, time.Now(), "INFO", "Starting", []byte(`{"iteration":1}`)))

	report := &research.Report{Query: job.Query, Title: "Batteries", Introduction: "Intro.",
		Sources: research.SourcesFromFindings([]research.Finding{finding})}
	snap.State, snap.Status = research.StateCompleted, research.StatusCompleted
	require.NoError(t, store.FinishJob(ctx, job.ID, snap, report))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Report)
	assert.Equal(t, "Batteries", got.Report.Title)
	require.NotNil(t, got.ReportMarkdown)
	assert.Contains(t, *got.ReportMarkdown, "# Batteries")
	assert.Nil(t, got.Error)

	findings, err := store.GetFindings(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "A", findings[0].Title)

	logs, err := store.GetJobLogs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "Starting", logs[0].Message)

	jobs, err := store.ListJobs(ctx, 50)
	require.NoError(t, err)
	assert.NotEmpty(t, jobs)
}

func TestPostgresStoreUnknownJob(t *testing.T) {
	store := testStore(t)
	_, err := store.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}
