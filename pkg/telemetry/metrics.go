package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for virtsync. A Metrics built from a
// disabled config accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Converge metrics
	convergeRuns     *prometheus.CounterVec
	convergeDuration *prometheus.HistogramVec

	// Reconciler metrics
	reconciliations *prometheus.CounterVec
	changes         *prometheus.CounterVec

	// Transition metrics
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	// Domain state, one series per domain with value 1 for its current state
	domainState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		convergeRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "converge_runs_total",
				Help:      "Total number of converge runs by outcome",
			},
			[]string{"outcome"},
		),
		convergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "converge_duration_seconds",
				Help:      "Duration of converge runs in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Total number of definition reconciliations by verdict",
			},
			[]string{"verdict"},
		),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "definition_changes_total",
				Help:      "Total number of definition differences found",
			},
			[]string{"kind", "ignored"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of lifecycle transitions executed",
			},
			[]string{"effector", "status"},
		),
		transitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transition_duration_seconds",
				Help:      "Duration of lifecycle transitions in seconds",
				Buckets:   buckets,
			},
			[]string{"effector"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		domainState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "domain_state",
				Help:      "Current lifecycle state of managed domains (1 for the active state)",
			},
			[]string{"domain", "state"},
		),
	}

	collectors := []prometheus.Collector{
		m.convergeRuns,
		m.convergeDuration,
		m.reconciliations,
		m.changes,
		m.transitions,
		m.transitionDuration,
		m.errorsByCode,
		m.domainState,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the registry metrics are registered in, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConverge records a finished converge run.
// outcome is one of "unchanged", "changed", "failed".
func (m *Metrics) RecordConverge(outcome string, duration time.Duration) {
	if m.convergeRuns == nil {
		return
	}
	m.convergeRuns.WithLabelValues(outcome).Inc()
	m.convergeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordReconcile records a reconciliation verdict and its changes by kind.
func (m *Metrics) RecordReconcile(equivalent bool, changesByKind map[string]int, ignoredByKind map[string]int) {
	if m.reconciliations == nil {
		return
	}
	verdict := "differs"
	if equivalent {
		verdict = "equivalent"
	}
	m.reconciliations.WithLabelValues(verdict).Inc()
	for kind, n := range changesByKind {
		m.changes.WithLabelValues(kind, "false").Add(float64(n))
	}
	for kind, n := range ignoredByKind {
		m.changes.WithLabelValues(kind, "true").Add(float64(n))
	}
}

// RecordTransition records one executed lifecycle transition.
func (m *Metrics) RecordTransition(effector string, err error, duration time.Duration) {
	if m.transitions == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.transitions.WithLabelValues(effector, status).Inc()
	m.transitionDuration.WithLabelValues(effector).Observe(duration.Seconds())
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByCode == nil {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
}

// SetDomainState marks state as the current state of domain.
func (m *Metrics) SetDomainState(domain, state string, known []string) {
	if m.domainState == nil {
		return
	}
	for _, s := range known {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.domainState.WithLabelValues(domain, s).Set(value)
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics and returns it
// so the caller can shut it down. It returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer() *http.Server {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server
}
