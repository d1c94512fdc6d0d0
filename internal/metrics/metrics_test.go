package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/spigell/mentor-matcher/internal/health"
)

func TestHealthSinkSetsGauges(t *testing.T) {
	sink := HealthSink{}

	if err := sink.PublishHealth(context.Background(), health.Status{Provider: "sink-test", Healthy: true, LastLatency: 250 * time.Millisecond}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(ProviderHealthy.WithLabelValues("sink-test")); got != 1 {
		t.Fatalf("expected healthy gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(ProviderProbeLatency.WithLabelValues("sink-test")); got != 0.25 {
		t.Fatalf("expected latency 0.25, got %v", got)
	}

	_ = sink.PublishHealth(context.Background(), health.Status{Provider: "sink-test", Healthy: false})
	if got := testutil.ToFloat64(ProviderHealthy.WithLabelValues("sink-test")); got != 0 {
		t.Fatalf("expected healthy gauge 0, got %v", got)
	}
}
