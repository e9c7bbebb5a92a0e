package nettlp

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	dispatcherStarted *prometheus.CounterVec
	dispatcherStopped *prometheus.CounterVec
	receiveErrors     *prometheus.CounterVec
	readCompleted     *prometheus.CounterVec
	readFailed        *prometheus.CounterVec
	readRetried       *prometheus.CounterVec
	strayCompletions  *prometheus.CounterVec
	writesPosted      *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		dispatcherStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_dispatcher_started_total",
			Help:        "Number of times the receive dispatcher started",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		dispatcherStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_dispatcher_stopped_total",
			Help:        "Number of times the receive dispatcher stopped",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		receiveErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_receive_errors_total",
			Help:        "Number of transport receive and decode errors",
			ConstLabels: opts.ConstLabels,
		}, receiveErrorLabelKeys),
		readCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_reads_completed_total",
			Help:        "Number of DMA reads fully reassembled",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		readFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_reads_failed_total",
			Help:        "Number of DMA reads terminated with an error",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		readRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_reads_retried_total",
			Help:        "Number of DMA read attempts reissued after a timeout",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		strayCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_stray_completions_total",
			Help:        "Number of completions discarded for lacking a pending transaction",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
		writesPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "nettlp_client_writes_posted_total",
			Help:        "Number of posted memory write requests",
			ConstLabels: opts.ConstLabels,
		}, baseLabelKeys),
	}

	var err error
	if p.dispatcherStarted, err = registerCounterVec(reg, p.dispatcherStarted); err != nil {
		return nil, err
	}
	if p.dispatcherStopped, err = registerCounterVec(reg, p.dispatcherStopped); err != nil {
		return nil, err
	}
	if p.receiveErrors, err = registerCounterVec(reg, p.receiveErrors); err != nil {
		return nil, err
	}
	if p.readCompleted, err = registerCounterVec(reg, p.readCompleted); err != nil {
		return nil, err
	}
	if p.readFailed, err = registerCounterVec(reg, p.readFailed); err != nil {
		return nil, err
	}
	if p.readRetried, err = registerCounterVec(reg, p.readRetried); err != nil {
		return nil, err
	}
	if p.strayCompletions, err = registerCounterVec(reg, p.strayCompletions); err != nil {
		return nil, err
	}
	if p.writesPosted, err = registerCounterVec(reg, p.writesPosted); err != nil {
		return nil, err
	}

	return p, nil
}

const (
	labelRequester  = "requester"
	labelAddressing = "addressing"
	labelKind       = "kind"
)

var (
	baseLabelKeys         = []string{labelRequester, labelAddressing}
	receiveErrorLabelKeys = []string{labelRequester, labelAddressing, labelKind}
)

func (p *PrometheusMetrics) DispatcherStarted(attrs map[string]string) {
	p.dispatcherStarted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) DispatcherStopped(attrs map[string]string) {
	p.dispatcherStopped.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReceiveError(kind string, _ error, attrs map[string]string) {
	labs := labels(attrs, receiveErrorLabelKeys...)
	labs[labelKind] = kind
	p.receiveErrors.With(labs).Inc()
}

func (p *PrometheusMetrics) ReadCompleted(attrs map[string]string) {
	p.readCompleted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReadFailed(_ error, attrs map[string]string) {
	p.readFailed.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) ReadRetried(attrs map[string]string) {
	p.readRetried.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) StrayCompletion(attrs map[string]string) {
	p.strayCompletions.With(labels(attrs, baseLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) WritePosted(attrs map[string]string) {
	p.writesPosted.With(labels(attrs, baseLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
