// Package metrics exports Prometheus metrics for automation and evacuation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all ProxBalance metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Automation
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	MigrationsTotal    *prometheus.CounterVec
	MigrationDuration  *prometheus.HistogramVec
	CandidatesFiltered *prometheus.CounterVec
	Recommendations    prometheus.Gauge

	// Evacuation
	EvacuationGuests   *prometheus.CounterVec
	EvacuationsActive  prometheus.Gauge
	EvacuationSessions *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automation_runs_total",
				Help:      "Automation runs by final state and outcome",
			},
			[]string{"state", "outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "automation_run_duration_seconds",
				Help:      "Automation run duration in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Migrations by initiator and status",
			},
			[]string{"initiator", "status"},
		),
		MigrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "migration_duration_seconds",
				Help:      "Migration duration in seconds",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"initiator"},
		),
		CandidatesFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidates_filtered_total",
				Help:      "Candidates rejected by the automation filters",
			},
			[]string{"filter"},
		),
		Recommendations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "recommendations",
				Help:      "Candidates in the most recent generation pass",
			},
		),
		EvacuationGuests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evacuation_guests_total",
				Help:      "Evacuated guests by action and result",
			},
			[]string{"action", "result"},
		),
		EvacuationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "evacuations_active",
				Help:      "Evacuation sessions currently running",
			},
		),
		EvacuationSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evacuation_sessions_total",
				Help:      "Finished evacuation sessions by status",
			},
			[]string{"status"},
		),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records a finished automation run.
func (m *Metrics) ObserveRun(state, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state, outcome).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// ObserveMigration records a migration attempt.
func (m *Metrics) ObserveMigration(initiator, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(initiator, status).Inc()
	m.MigrationDuration.WithLabelValues(initiator).Observe(d.Seconds())
}

// CandidateFiltered records a candidate rejected by a filter.
func (m *Metrics) CandidateFiltered(filter string) {
	if m == nil {
		return
	}
	m.CandidatesFiltered.WithLabelValues(filter).Inc()
}

// SetRecommendations records the size of the latest generation pass.
func (m *Metrics) SetRecommendations(n int) {
	if m == nil {
		return
	}
	m.Recommendations.Set(float64(n))
}

// EvacuationGuest records the handling of one guest during an evacuation.
func (m *Metrics) EvacuationGuest(action, result string) {
	if m == nil {
		return
	}
	m.EvacuationGuests.WithLabelValues(action, result).Inc()
}

// EvacuationStarted increments the active session gauge.
func (m *Metrics) EvacuationStarted() {
	if m == nil {
		return
	}
	m.EvacuationsActive.Inc()
}

// EvacuationFinished decrements the active session gauge and counts the outcome.
func (m *Metrics) EvacuationFinished(status string) {
	if m == nil {
		return
	}
	m.EvacuationsActive.Dec()
	m.EvacuationSessions.WithLabelValues(status).Inc()
}
