package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics collects Prometheus metrics for a run. A disabled instance is a
// valid no-op collector.
type Metrics struct {
	config MetricsConfig

	phasesCompleted *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepRetries   prometheus.Counter

	changesRecorded *prometheus.CounterVec
	undoAttempts    *prometheus.CounterVec
	rollbackFailures prometheus.Counter

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		phasesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_completed_total",
				Help:      "Total number of phases finished, by terminal status",
			},
			[]string{"phase", "status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"phase"},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of module steps executed",
			},
			[]string{"module", "status"},
		),
		stepRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retry attempts",
			},
		),
		changesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_recorded_total",
				Help:      "Total number of journal entries written, by category",
			},
			[]string{"category"},
		),
		undoAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "undo_attempts_total",
				Help:      "Total number of undo attempts, by outcome",
			},
			[]string{"status"},
		),
		rollbackFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollback_failures_total",
				Help:      "Total number of changes that failed to undo during rollback",
			},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.phasesCompleted,
		m.phaseDuration,
		m.stepsExecuted,
		m.stepRetries,
		m.changesRecorded,
		m.undoAttempts,
		m.rollbackFailures,
		m.errorsByClass,
		m.errorsByCode,
	)
	return m
}

// RecordPhase records a finished phase.
func (m *Metrics) RecordPhase(phase, status string, duration time.Duration) {
	if m.phasesCompleted == nil {
		return
	}
	m.phasesCompleted.WithLabelValues(phase, status).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordStep records an executed step.
func (m *Metrics) RecordStep(module, status string) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(module, status).Inc()
}

// RecordRetry counts a retry attempt.
func (m *Metrics) RecordRetry() {
	if m.stepRetries == nil {
		return
	}
	m.stepRetries.Inc()
}

// RecordChange counts a journal entry.
func (m *Metrics) RecordChange(category string) {
	if m.changesRecorded == nil {
		return
	}
	m.changesRecorded.WithLabelValues(category).Inc()
}

// RecordUndo counts an undo attempt.
func (m *Metrics) RecordUndo(status string) {
	if m.undoAttempts == nil {
		return
	}
	m.undoAttempts.WithLabelValues(status).Inc()
}

// RecordRollbackFailure counts a change that could not be undone.
func (m *Metrics) RecordRollbackFailure() {
	if m.rollbackFailures == nil {
		return
	}
	m.rollbackFailures.Inc()
}

// RecordError counts an error by class and code.
func (m *Metrics) RecordError(class, code string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint when a listen address is configured.
// The server is best-effort; a bind failure never fails the run.
func (m *Metrics) Serve(logger zerolog.Logger) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()
}
