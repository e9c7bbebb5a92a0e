package nettlp

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelRequester:  "1a:00.0",
		labelAddressing: "64bit",
	}
	metrics.DispatcherStarted(base)
	metrics.DispatcherStopped(base)
	metrics.ReceiveError("decode_error", errors.New("boom"), base)
	metrics.ReadCompleted(base)
	metrics.ReadFailed(errors.New("fail"), base)
	metrics.ReadRetried(base)
	metrics.StrayCompletion(base)
	metrics.WritePosted(base)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"nettlp_client_dispatcher_started_total": 1,
		"nettlp_client_dispatcher_stopped_total": 1,
		"nettlp_client_receive_errors_total":     1,
		"nettlp_client_reads_completed_total":    1,
		"nettlp_client_reads_failed_total":       1,
		"nettlp_client_reads_retried_total":      1,
		"nettlp_client_stray_completions_total":  1,
		"nettlp_client_writes_posted_total":      1,
	}

	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics reuse: %v", err)
	}

	base := map[string]string{
		labelRequester:  "1a:00.0",
		labelAddressing: "64bit",
	}
	first.ReadCompleted(base)
	second.ReadCompleted(base)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "nettlp_client_reads_completed_total"); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
