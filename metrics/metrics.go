// Package metrics exports prometheus instrumentation for admission decisions,
// the credit ledger and the registry cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "botwall"

// Metrics holds all gateway collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec
	CreditsConsumed  prometheus.Counter
	CreditsGranted   *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by reason and record status",
		}, []string{"reason", "status"}),
		DecisionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "admission_decision_duration_seconds",
			Help:      "Time to reach an admission decision",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"reason"}),
		CreditsConsumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_consumed_total",
			Help:      "Credits decremented by admitted crawls",
		}),
		CreditsGranted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_granted_total",
			Help:      "Credits added by settled payments",
		}, []string{"source"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_cache_lookups_total",
			Help:      "Registry cache lookups by kind and result",
		}, []string{"kind", "result"}),
	}
}

func (m *Metrics) ObserveDecision(reason, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(reason, status).Inc()
	m.DecisionDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
}

func (m *Metrics) CreditConsumed() {
	if m == nil {
		return
	}
	m.CreditsConsumed.Inc()
}

func (m *Metrics) CreditGranted(source string, credits int64) {
	if m == nil {
		return
	}
	m.CreditsGranted.WithLabelValues(source).Add(float64(credits))
}

// CacheResult records a registry cache lookup; result is "hit", "miss" or "error".
func (m *Metrics) CacheResult(kind, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(kind, result).Inc()
}
