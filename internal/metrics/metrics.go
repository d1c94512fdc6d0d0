package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/spigell/mentor-matcher/internal/health"
)

const namespace = "mentor_matcher"

var (
	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_attempts_total",
			Help:      "Provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of single provider calls in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)

	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "provider_healthy",
			Namespace: namespace,
			Help:      "1 when the last probe of the provider succeeded",
		},
		[]string{"provider"},
	)

	ProviderProbeLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_probe_latency_seconds",
			Help:      "Latency of the last provider probe",
		},
		[]string{"provider"},
	)

	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Computed match records by final status",
		},
		[]string{"status"},
	)

	EnhancementsDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhancements_discarded_total",
			Help:      "AI analyses discarded by the merge step",
		},
		[]string{"reason"},
	)

	BaseScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "base_score",
			Help:      "Distribution of deterministic base scores",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		},
	)
)

// HealthSink mirrors probe results into the health gauges.
type HealthSink struct{}

func (HealthSink) PublishHealth(_ context.Context, s health.Status) error {
	v := 0.0
	if s.Healthy {
		v = 1
	}
	ProviderHealthy.WithLabelValues(s.Provider).Set(v)
	ProviderProbeLatency.WithLabelValues(s.Provider).Set(s.LastLatency.Seconds())
	return nil
}
