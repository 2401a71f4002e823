package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

func TestCreateJobRunsToCompletion(t *testing.T) {
	svc, store := newTestService(staticSearch{})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{Query: "  solid-state batteries  "})
	require.NoError(t, err)
	assert.Equal(t, "solid-state batteries", job.Query)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 3, job.MaxIterations)
	waitDone(t, svc, job.ID)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Report)
	assert.Equal(t, "Heat tolerance of solid-state batteries", got.Report.Title)
	assert.Nil(t, got.Error)

	md, err := svc.GetReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, md, "# Heat tolerance of solid-state batteries")

	findings, err := svc.GetFindings(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "https://cells.example", findings[0].URL)

	logs, err := svc.GetJobLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	// Progress was saved while running, never with a terminal status.
	states := store.states[job.ID]
	require.NotEmpty(t, states)
	for _, s := range states {
		assert.Equal(t, research.StatusRunning, s.Status)
		assert.Equal(t, job.ID.String(), s.ID)
	}
}

func TestCreateJobValidation(t *testing.T) {
	svc, store := newTestService(staticSearch{})

	tests := []struct {
		name string
		req  CreateJobRequest
	}{
		{name: "empty query", req: CreateJobRequest{Query: " \t"}},
		{name: "negative iterations", req: CreateJobRequest{Query: "q", MaxIterations: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateJob(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
	assert.Empty(t, store.jobs)
}

func TestCreateJobIterationDefaults(t *testing.T) {
	svc, _ := newTestService(staticSearch{})
	job, err := svc.CreateJob(context.Background(), CreateJobRequest{Query: "q", MaxIterations: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, job.MaxIterations)
	waitDone(t, svc, job.ID)

	svc.MaxIterations = 0
	job, err = svc.CreateJob(context.Background(), CreateJobRequest{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, research.DefaultMaxIterations, job.MaxIterations)
	waitDone(t, svc, job.ID)
}

func TestCancelJob(t *testing.T) {
	started := make(chan struct{}, 1)
	svc, _ := newTestService(blockingSearch{started: started})
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{Query: "q"})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("search never started")
	}
	require.NoError(t, svc.CancelJob(ctx, job.ID))
	waitDone(t, svc, job.ID)

	got, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.ReportMarkdown)

	_, err = svc.GetReport(ctx, job.ID)
	assert.ErrorIs(t, err, ErrReportNotReady)
	assert.ErrorIs(t, svc.CancelJob(ctx, job.ID), ErrJobNotRunning)
	assert.ErrorIs(t, svc.CancelJob(ctx, uuid.New()), ErrJobNotFound)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	svc, _ := newTestService(blockingSearch{started: started})

	job, err := svc.CreateJob(context.Background(), CreateJobRequest{Query: "q"})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	got, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestGetFindingsUnknownJob(t *testing.T) {
	svc, _ := newTestService(staticSearch{})
	_, err := svc.GetFindings(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}
