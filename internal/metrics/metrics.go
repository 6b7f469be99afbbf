// Package metrics records session activity as Prometheus metrics.
//
// Metrics are registered with the default registry on InitMetrics. Until
// then every Record call is a no-op, so library users who never enable
// metrics pay nothing. The CLI writes the registry to a node_exporter
// textfile on exit with WriteTextfile.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultNotFound = "not_found"
)

var (
	sessionsOpenedTotal  *prometheus.CounterVec
	sessionOpenDuration  *prometheus.HistogramVec
	secretRequestsTotal  *prometheus.CounterVec
	cleanupFailuresTotal prometheus.Counter
	sessionsClosedTotal  prometheus.Counter

	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// SessionMetrics provides methods to record session metrics.
type SessionMetrics struct{}

// NewSessionMetrics creates a new SessionMetrics instance.
func NewSessionMetrics() *SessionMetrics {
	return &SessionMetrics{}
}

// InitMetrics initializes all Prometheus metrics.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		sessionsOpenedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certvault_sessions_opened_total",
				Help: "Total number of session open attempts",
			},
			[]string{"result"},
		)

		sessionOpenDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certvault_session_open_duration_seconds",
				Help:    "Time from certificate lookup to authenticated session",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		)

		secretRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certvault_secret_requests_total",
				Help: "Total number of secret lookups",
			},
			[]string{"result"},
		)

		cleanupFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "certvault_cleanup_failures_total",
				Help: "Exported certificate files that could not be removed",
			},
		)

		sessionsClosedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "certvault_sessions_closed_total",
				Help: "Total number of sessions closed",
			},
		)

		metricsRegistered.Store(true)
	})
}

// RecordOpen records a session open attempt and how long it took.
func (m *SessionMetrics) RecordOpen(result string, durationSeconds float64) {
	if m == nil || !metricsRegistered.Load() {
		return
	}
	sessionsOpenedTotal.WithLabelValues(result).Inc()
	sessionOpenDuration.WithLabelValues(result).Observe(durationSeconds)
}

// RecordSecretRequest records a secret lookup.
func (m *SessionMetrics) RecordSecretRequest(result string) {
	if m == nil || !metricsRegistered.Load() {
		return
	}
	secretRequestsTotal.WithLabelValues(result).Inc()
}

// RecordClose records a session close and whether its file was removed.
func (m *SessionMetrics) RecordClose(cleanupFailed bool) {
	if m == nil || !metricsRegistered.Load() {
		return
	}
	sessionsClosedTotal.Inc()
	if cleanupFailed {
		cleanupFailuresTotal.Inc()
	}
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if !metricsRegistered.Load() {
		return fmt.Errorf("metrics are not initialized")
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

// GetSessionsOpenedTotal returns the session open counter for testing.
func GetSessionsOpenedTotal() *prometheus.CounterVec {
	return sessionsOpenedTotal
}

// GetSessionOpenDuration returns the open duration histogram for testing.
func GetSessionOpenDuration() *prometheus.HistogramVec {
	return sessionOpenDuration
}

// GetSecretRequestsTotal returns the secret request counter for testing.
func GetSecretRequestsTotal() *prometheus.CounterVec {
	return secretRequestsTotal
}

// GetCleanupFailuresTotal returns the cleanup failure counter for testing.
func GetCleanupFailuresTotal() prometheus.Counter {
	return cleanupFailuresTotal
}

// GetSessionsClosedTotal returns the session close counter for testing.
func GetSessionsClosedTotal() prometheus.Counter {
	return sessionsClosedTotal
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered.Load()
}
