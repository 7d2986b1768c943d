// Package metrics owns the Prometheus collectors exported at /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutor/backend/internal/fallback"
	"tutor/backend/internal/llm"
)

type Metrics struct {
	registry      *prometheus.Registry
	attempts      *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	artifacts     *prometheus.CounterVec
	relayDuration *prometheus.HistogramVec
	tokens        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_llm_attempts_total",
			Help: "Model attempts by operation, model and outcome.",
		}, []string{"operation", "model", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_store_errors_total",
			Help: "Persistence failures absorbed by the relay and artifact service.",
		}, []string{"operation"}),
		artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_artifacts_generated_total",
			Help: "Generated study artifacts.",
		}, []string{"kind", "persisted"}),
		relayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tutor_relay_duration_seconds",
			Help:    "Wall time of one relayed chat turn.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"mode", "status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutor_llm_tokens_total",
			Help: "Tokens reported by the upstream, by operation, model and kind.",
		}, []string{"operation", "model", "kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.attempts,
		m.storeErrors,
		m.artifacts,
		m.relayDuration,
		m.tokens,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AttemptObserver returns a fallback.Runner hook counting attempts for operation.
func (m *Metrics) AttemptObserver(operation string) func(fallback.Attempt) {
	return func(attempt fallback.Attempt) {
		if m == nil {
			return
		}
		m.attempts.WithLabelValues(operation, attempt.Model, Outcome(attempt.Err)).Inc()
	}
}

func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) ArtifactGenerated(kind string, persisted bool) {
	if m == nil {
		return
	}
	m.artifacts.WithLabelValues(kind, strconv.FormatBool(persisted)).Inc()
}

func (m *Metrics) ObserveRelay(mode, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.relayDuration.WithLabelValues(mode, status).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveUsage(operation, model string, usage llm.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(operation, model, "prompt").Add(float64(usage.PromptTokens))
	m.tokens.WithLabelValues(operation, model, "completion").Add(float64(usage.CompletionTokens))
}

// Outcome labels an attempt error.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	if kind, ok := llm.KindOf(err); ok {
		return kind.String()
	}
	return "error"
}
