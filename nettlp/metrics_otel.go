package nettlp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	dispatcherStarted metric.Int64Counter
	dispatcherStopped metric.Int64Counter
	receiveErrors     metric.Int64Counter
	readsCompleted    metric.Int64Counter
	readsFailed       metric.Int64Counter
	readsRetried      metric.Int64Counter
	strayCompletions  metric.Int64Counter
	writesPosted      metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/nettlp-go/nettlp"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	dispatcherStarted, err := meter.Int64Counter("nettlp.client.dispatcher.started")
	if err != nil {
		return nil, err
	}
	dispatcherStopped, err := meter.Int64Counter("nettlp.client.dispatcher.stopped")
	if err != nil {
		return nil, err
	}
	receiveErrors, err := meter.Int64Counter("nettlp.client.receive.errors")
	if err != nil {
		return nil, err
	}
	readsCompleted, err := meter.Int64Counter("nettlp.client.reads.completed")
	if err != nil {
		return nil, err
	}
	readsFailed, err := meter.Int64Counter("nettlp.client.reads.failed")
	if err != nil {
		return nil, err
	}
	readsRetried, err := meter.Int64Counter("nettlp.client.reads.retried")
	if err != nil {
		return nil, err
	}
	strayCompletions, err := meter.Int64Counter("nettlp.client.completions.stray")
	if err != nil {
		return nil, err
	}
	writesPosted, err := meter.Int64Counter("nettlp.client.writes.posted")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		dispatcherStarted: dispatcherStarted,
		dispatcherStopped: dispatcherStopped,
		receiveErrors:     receiveErrors,
		readsCompleted:    readsCompleted,
		readsFailed:       readsFailed,
		readsRetried:      readsRetried,
		strayCompletions:  strayCompletions,
		writesPosted:      writesPosted,
	}, nil
}

// DispatcherStarted records that the receive dispatcher has started executing.
func (o *OTelMetrics) DispatcherStarted(attrs map[string]string) {
	o.dispatcherStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// DispatcherStopped records that the receive dispatcher has exited.
func (o *OTelMetrics) DispatcherStopped(attrs map[string]string) {
	o.dispatcherStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReceiveError counts transport receive and decode errors observed by the dispatcher.
func (o *OTelMetrics) ReceiveError(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs), attribute.String(labelKind, kind))
	o.receiveErrors.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// ReadCompleted records a fully reassembled DMA read.
func (o *OTelMetrics) ReadCompleted(attrs map[string]string) {
	o.readsCompleted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReadFailed records a DMA read that terminated with an error.
func (o *OTelMetrics) ReadFailed(_ error, attrs map[string]string) {
	o.readsFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ReadRetried records a DMA read attempt reissued after a timeout.
func (o *OTelMetrics) ReadRetried(attrs map[string]string) {
	o.readsRetried.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// StrayCompletion records a completion discarded for lacking a pending transaction.
func (o *OTelMetrics) StrayCompletion(attrs map[string]string) {
	o.strayCompletions.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// WritePosted records a posted memory write request.
func (o *OTelMetrics) WritePosted(attrs map[string]string) {
	o.writesPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(labelRequester, attrs[labelRequester]),
		attribute.String(labelAddressing, attrs[labelAddressing]),
	}
}
