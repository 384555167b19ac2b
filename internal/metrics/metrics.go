// Package metrics holds the Prometheus collectors shared by gateway components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tool_gateway"

// Metrics holds all gateway collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	UpstreamAttempts  *prometheus.CounterVec
	UpstreamDuration  *prometheus.HistogramVec
	ResponseCache     *prometheus.CounterVec
	RegistryRefreshes *prometheus.CounterVec
	LedgerTransitions *prometheus.CounterVec
	DispatchedCalls   *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		UpstreamAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_attempts_total",
				Help:      "Outbound upstream attempts by provider and outcome",
			},
			[]string{"provider", "method", "outcome"},
		),
		UpstreamDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_attempt_duration_seconds",
				Help:      "Duration of a single upstream attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "method"},
		),
		ResponseCache: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "response_cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"provider", "result"}, // result=hit/miss
		),
		RegistryRefreshes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_refreshes_total",
				Help:      "Tool registry refreshes by provider and result",
			},
			[]string{"provider", "result"}, // result=ok/stale/snapshot/error
		),
		LedgerTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_transitions_total",
				Help:      "Idempotency ledger state transitions",
			},
			[]string{"state"},
		),
		DispatchedCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatched_calls_total",
				Help:      "call_tool invocations by route and result",
			},
			[]string{"route", "result"},
		),
	}
}

func (m *Metrics) ObserveUpstreamAttempt(provider, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(provider, method, outcome).Inc()
	m.UpstreamDuration.WithLabelValues(provider, method).Observe(d.Seconds())
}

func (m *Metrics) ObserveCacheLookup(provider string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ResponseCache.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveRegistryRefresh(provider, result string) {
	if m == nil {
		return
	}
	m.RegistryRefreshes.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveLedgerTransition(state string) {
	if m == nil {
		return
	}
	m.LedgerTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveDispatch(route, result string) {
	if m == nil {
		return
	}
	m.DispatchedCalls.WithLabelValues(route, result).Inc()
}
