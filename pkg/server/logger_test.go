package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBLogHandler(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	logger := slog.New(NewDBLogHandler(store, jobID)).
		With("iteration", 2).
		WithGroup("search").
		With("provider", "serpapi")

	logger.Warn("Search failed",
		"error", errors.New("quota exceeded"),
		"took", 1500*time.Millisecond,
		slog.Group("result", "count", 0),
	)

	logs, err := store.GetJobLogs(context.Background(), jobID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "WARN", logs[0].Level)
	assert.Equal(t, "Search failed", logs[0].Message)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(logs[0].Metadata, &meta))
	assert.Equal(t, map[string]interface{}{
		"iteration":           float64(2),
		"search.provider":     "serpapi",
		"search.error":        "quota exceeded",
		"search.took":         "1.5s",
		"search.result.count": float64(0),
	}, meta)
}

func TestDBLogHandlerLevel(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	h := NewDBLogHandler(store, jobID)
	h.Level = slog.LevelInfo
	logger := slog.New(h)

	logger.Debug("hidden")
	logger.Info("shown")

	logs, _ := store.GetJobLogs(context.Background(), jobID)
	require.Len(t, logs, 1)
	assert.Equal(t, "shown", logs[0].Message)
}

func TestDBLogHandlerSurvivesCancellation(t *testing.T) {
	store := newMemStore()
	jobID := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slog.New(NewDBLogHandler(store, jobID)).InfoContext(ctx, "Research cancelled")

	logs, _ := store.GetJobLogs(context.Background(), jobID)
	assert.Len(t, logs, 1)
}
