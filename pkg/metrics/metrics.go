package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

var (
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_researcher_sessions_total",
			Help: "Research sessions by terminal status",
		},
		[]string{"status"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deep_researcher_active_sessions",
			Help: "Number of research sessions currently running",
		},
	)

	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_researcher_cycles_total",
			Help: "Total number of completed research cycles",
		},
	)

	QueriesIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_researcher_queries_issued_total",
			Help: "Total number of search queries issued",
		},
	)

	FindingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deep_researcher_findings_accepted_total",
			Help: "Total number of findings accepted by the relevance evaluator",
		},
	)

	ItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deep_researcher_item_failures_total",
			Help: "Per-item failures absorbed by the iteration controller",
		},
		[]string{"kind"},
	)

	SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deep_researcher_session_duration_seconds",
			Help:    "Wall time of research sessions from start to terminal state",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)
)

// Observe subscribes the instruments to a session's events. Call it before
// the session runs.
func Observe(s *research.Session) {
	s.OnStateChange(func(to research.State) {
		switch {
		case to == research.StateIterating:
			ActiveSessions.Inc()
		case to.Terminal():
			snap := s.Snapshot()
			if !snap.StartedAt.IsZero() {
				ActiveSessions.Dec()
				SessionDuration.Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
			}
			SessionsTotal.WithLabelValues(string(snap.Status)).Inc()
		}
	})
	s.OnCycle(func(c research.CycleSummary) {
		CyclesTotal.Inc()
		QueriesIssued.Add(float64(len(c.Queries)))
		ItemFailures.WithLabelValues("search").Add(float64(c.FailedSearches))
		ItemFailures.WithLabelValues("extract").Add(float64(c.FailedExtracts))
		ItemFailures.WithLabelValues("evaluate").Add(float64(c.FailedEvals))
		if c.GenerationError != "" {
			ItemFailures.WithLabelValues("generate").Inc()
		}
	})
	s.OnFinding(func(research.Finding) {
		FindingsAccepted.Inc()
	})
}
