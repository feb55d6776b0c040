package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	namespace = "taskvisor"
	subsystem = "supervisor"
)

// Metrics holds the supervisor's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	sessionsStarted prometheus.Counter
	attempts        *prometheus.CounterVec
	retries         prometheus.Counter
	outcomes        *prometheus.CounterVec
	anomalies       *prometheus.CounterVec
	breakerRejects  *prometheus.CounterVec
	running         prometheus.Gauge
	sessionDuration prometheus.Histogram
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_created_total",
			Help:      "Total number of execution sessions created",
		}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Executor attempts by task category",
		}, []string{"category"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total number of scheduled retries",
		}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_outcomes_total",
			Help:      "Terminal session outcomes by status",
		}, []string{"status"}),
		anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "anomalies_total",
			Help:      "Triggered anomaly rules by rule ID and severity",
		}, []string{"rule", "severity"}),
		breakerRejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "breaker_rejections_total",
			Help:      "Attempts rejected by an open circuit breaker, by category",
		}, []string{"category"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running_sessions",
			Help:      "Sessions currently holding an execution slot",
		}),
		sessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_duration_seconds",
			Help:      "Running duration of sessions that reached a terminal state",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),
	}
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) Attempt(category string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(category).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Finished records a terminal outcome and the session's running duration.
func (m *Metrics) Finished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(status).Inc()
	m.sessionDuration.Observe(d.Seconds())
}

func (m *Metrics) Anomaly(ruleID, severity string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(ruleID, severity).Inc()
}

func (m *Metrics) BreakerRejected(category string) {
	if m == nil {
		return
	}
	m.breakerRejects.WithLabelValues(category).Inc()
}

// SlotAcquired and SlotReleased track the running gauge.
func (m *Metrics) SlotAcquired() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) SlotReleased() {
	if m == nil {
		return
	}
	m.running.Dec()
}

// Serve exposes gatherer on addr at /metrics. The returned server is already
// listening in the background; shut it down with Shutdown.
func Serve(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return server
}
