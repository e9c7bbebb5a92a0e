package nettlp

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestOTelMetricsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewOTelMetrics(OTelMetricsOptions{MeterProvider: provider})
	if err != nil {
		t.Fatalf("NewOTelMetrics: %v", err)
	}

	base := map[string]string{
		labelRequester:  "1a:00.0",
		labelAddressing: "64bit",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.ReceiveError("receive_error", errors.New("boom"), base)
	metrics.ReadCompleted(base)
	metrics.ReadFailed(errors.New("fail"), base)
	metrics.ReadRetried(base)
	metrics.StrayCompletion(base)
	metrics.WritePosted(base)

	ctx := context.Background()
	if err := provider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	cases := map[string]float64{
		"nettlp.client.dispatcher.started": 1,
		"nettlp.client.dispatcher.stopped": 1,
		"nettlp.client.receive.errors":     1,
		"nettlp.client.reads.completed":    1,
		"nettlp.client.reads.failed":       1,
		"nettlp.client.reads.retried":      1,
		"nettlp.client.completions.stray":  1,
		"nettlp.client.writes.posted":      1,
	}

	for name, want := range cases {
		if got := otelCounterValue(rm, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func otelCounterValue(rm metricdata.ResourceMetrics, name string) float64 {
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				var sum float64
				for _, dp := range data.DataPoints {
					sum += float64(dp.Value)
				}
				return sum
			}
		}
	}
	return 0
}
