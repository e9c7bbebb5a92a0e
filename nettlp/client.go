package nettlp

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/nettlp-go/tlp"
)

// Engine errors surfaced before any network activity or after budget
// exhaustion.
var (
	// ErrClosed indicates the client has already been closed.
	ErrClosed = errors.New("nettlp: closed")
	// ErrTimeout indicates no satisfying completion set arrived within
	// the per-attempt deadline across all retries.
	ErrTimeout = errors.New("nettlp: dma read timed out")
	// ErrInvalidLength rejects zero-length transfers and transfers
	// beyond the adapter's maximum request size.
	ErrInvalidLength = errors.New("nettlp: invalid dma length")
	// ErrInvalidAddress rejects transfers outside the configured
	// address width.
	ErrInvalidAddress = errors.New("nettlp: invalid dma address")
)

// CompletionError reports a completion whose status was not
// successful. The transaction terminates without retrying.
type CompletionError struct {
	Status tlp.CompletionStatus
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("nettlp: completion status: %s", e.Status)
}

// Addressing constrains the address range the engine will issue
// requests against.
type Addressing int

const (
	// Addressing64 issues 32-bit requests below 4 GiB and 64-bit
	// requests above, per the memory request format rules.
	Addressing64 Addressing = iota
	// Addressing32 rejects any transfer reaching past 4 GiB.
	Addressing32
)

func (a Addressing) String() string {
	if a == Addressing32 {
		return "32bit"
	}
	return "64bit"
}

// Defaults applied by Dial for zero Config fields.
const (
	// DefaultCompletionTimeout is the per-attempt completion deadline.
	DefaultCompletionTimeout = 500 * time.Millisecond
	// DefaultMaxReadRequest is the adapter's MaxReadRequestSize.
	DefaultMaxReadRequest = 512
	// DefaultMaxPayload is the adapter's MaxPayloadSize for writes.
	DefaultMaxPayload = 256

	receivePoll = 50 * time.Millisecond
)

// Config controls Dial behaviour for the DMA client.
type Config struct {
	// Transport carries TLPs to and from the adapter. Required.
	Transport Transport
	// Requester identifies this engine in every request it issues.
	Requester tlp.DeviceID
	// Timeout bounds one attempt's wait for its completion set.
	Timeout time.Duration
	// MaxRetries is how many times a timed-out read is reissued, each
	// time under a freshly allocated tag.
	MaxRetries int
	// MaxReadRequest caps a single read, in bytes (MRRS).
	MaxReadRequest int
	// MaxPayload caps a single posted write, in bytes (MPS).
	MaxPayload int
	// TagLimit bounds concurrently outstanding transactions (1-256).
	TagLimit int
	// Addressing selects the usable address range.
	Addressing Addressing

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns the resources to perform DMA reads and writes against
// one adapter. Many reads may be outstanding concurrently, each under
// its own tag; a single dispatcher goroutine drains the transport and
// demultiplexes completions by tag.
type Client struct {
	cfg       Config
	transport Transport
	tags      *TagPool

	mu      sync.Mutex
	pending map[uint8]*transaction

	closed        atomic.Bool
	stopCh        chan struct{}
	wg            sync.WaitGroup
	dispatcherErr atomic.Pointer[errorHolder]

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

type errorHolder struct {
	err error
}

// Logger provides printf-style debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher
// spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures engine telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	ReceiveError(kind string, err error, attrs map[string]string)
	ReadCompleted(attrs map[string]string)
	ReadFailed(err error, attrs map[string]string)
	ReadRetried(attrs map[string]string)
	StrayCompletion(attrs map[string]string)
	WritePosted(attrs map[string]string)
}

// Stats contains counters for client operations.
type Stats struct {
	ReadsIssued         uint64
	ReadsCompleted      uint64
	ReadsFailed         uint64
	ReadsRetried        uint64
	CompletionsReceived uint64
	StrayCompletions    uint64
	WritesPosted        uint64
}

type clientStats struct {
	readsIssued    atomic.Uint64
	readsCompleted atomic.Uint64
	readsFailed    atomic.Uint64
	readsRetried   atomic.Uint64
	cplReceived    atomic.Uint64
	cplStray       atomic.Uint64
	writesPosted   atomic.Uint64
}

// Dial validates the configuration, applies defaults, and starts the
// receive dispatcher. The caller keeps ownership of nothing: Close
// tears down the dispatcher and the transport.
func Dial(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, errors.New("nettlp: transport required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultCompletionTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxReadRequest == 0 {
		cfg.MaxReadRequest = DefaultMaxReadRequest
	}
	if cfg.MaxReadRequest < tlp.DWordLen || cfg.MaxReadRequest > tlp.MaxDataLen {
		return nil, fmt.Errorf("nettlp: max read request %d outside [%d, %d]", cfg.MaxReadRequest, tlp.DWordLen, tlp.MaxDataLen)
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxPayload < tlp.DWordLen || cfg.MaxPayload > tlp.MaxDataLen {
		return nil, fmt.Errorf("nettlp: max payload %d outside [%d, %d]", cfg.MaxPayload, tlp.DWordLen, tlp.MaxDataLen)
	}
	if cfg.TagLimit == 0 {
		cfg.TagLimit = MaxTags
	}
	tags, err := NewTagPool(cfg.TagLimit)
	if err != nil {
		return nil, err
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	c := &Client{
		cfg:              cfg,
		transport:        cfg.Transport,
		tags:             tags,
		pending:          make(map[uint8]*transaction),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	c.wg.Add(1)
	go c.dispatch()

	return c, nil
}

// Close stops the dispatcher, fails every pending transaction with
// ErrClosed, and closes the transport.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.stopCh)
	err := c.transport.Close()
	c.wg.Wait()

	c.mu.Lock()
	orphans := make([]*transaction, 0, len(c.pending))
	for tag, txn := range c.pending {
		delete(c.pending, tag)
		orphans = append(orphans, txn)
	}
	c.mu.Unlock()
	for _, txn := range orphans {
		c.tags.Release(txn.tag)
		txn.resolve(ErrClosed)
	}
	return err
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		ReadsIssued:         c.stats.readsIssued.Load(),
		ReadsCompleted:      c.stats.readsCompleted.Load(),
		ReadsFailed:         c.stats.readsFailed.Load(),
		ReadsRetried:        c.stats.readsRetried.Load(),
		CompletionsReceived: c.stats.cplReceived.Load(),
		StrayCompletions:    c.stats.cplStray.Load(),
		WritesPosted:        c.stats.writesPosted.Load(),
	}
}

func (c *Client) ensureOpen() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) dispatchFailure() error {
	if holder := c.dispatcherErr.Load(); holder != nil {
		return fmt.Errorf("nettlp: dispatcher failed: %w", holder.err)
	}
	return nil
}

func (c *Client) recordDispatcherError(err error) {
	if err == nil {
		return
	}
	c.dispatcherErr.CompareAndSwap(nil, &errorHolder{err: err})
}

// clearDispatcherError drops a recorded receive failure once the
// transport delivers a frame again, so a transient fault does not
// fail every later transaction.
func (c *Client) clearDispatcherError() {
	c.dispatcherErr.Store(nil)
}

// dispatch is the shared receive path: it drains the transport and
// routes every completion to its pending transaction by tag.
func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.startDispatcherSpan()
	startFields := []logField{
		logKV("requester", c.cfg.Requester.String()),
		logKV("addressing", c.cfg.Addressing.String()),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)

	defer func() {
		err := c.dispatcherError()
		status := "ok"
		fields := []logField{logKV("status", status)}
		if err != nil {
			fields[0] = logKV("status", "error")
			fields = append(fields, logKV("error", err))
			spanRecordError(span, err)
		}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		if span != nil {
			span.End(err)
		}
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		frame, err := c.transport.Receive(receivePoll)
		switch {
		case err == nil:
			c.clearDispatcherError()
			c.handleFrame(frame, span)
			backoff = time.Millisecond
			continue
		case errors.Is(err, ErrReceiveTimeout):
			continue
		case errors.Is(err, ErrTransportClosed):
			return
		}

		recvErr := fmt.Errorf("transport receive: %w", err)
		c.recordReceiveFailure(span, "receive_error", recvErr)
		c.recordDispatcherError(recvErr)

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Client) handleFrame(frame []byte, span Span) {
	cpl, err := tlp.DecodeCompletion(frame)
	if err != nil {
		if cpl == nil {
			// Truncated or foreign frame; no trustworthy tag to charge
			// it to. Surface through the dispatcher failure holder.
			decodeErr := fmt.Errorf("decode completion: %w", err)
			c.recordReceiveFailure(span, "decode_error", decodeErr)
			c.recordDispatcherError(decodeErr)
			return
		}
		// Header decoded; the malformed frame belongs to a known tag.
		c.failTransaction(cpl.Tag, fmt.Errorf("decode completion: %w", err), span)
		return
	}

	c.stats.cplReceived.Add(1)

	c.mu.Lock()
	txn := c.pending[cpl.Tag]
	c.mu.Unlock()
	if txn == nil || cpl.RequesterID != c.cfg.Requester {
		// A late completion for a transaction that already timed out or
		// was cancelled. Dropped, never fatal.
		c.stats.cplStray.Add(1)
		fields := []logField{
			logKV("tag", cpl.Tag),
			logKV("status", cpl.Status.String()),
			logKV("byte_count", cpl.ByteCount),
		}
		c.logDispatcherEvent("stray_completion", fields...)
		spanAddEvent(span, "stray_completion", fields...)
		c.metricStrayCompletion(fields...)
		return
	}

	if cpl.Status != tlp.StatusSuccess {
		c.failTransactionTxn(txn, &CompletionError{Status: cpl.Status}, span)
		return
	}

	done, err := txn.rsm.insert(cpl)
	if err != nil {
		c.failTransactionTxn(txn, err, span)
		return
	}
	fields := []logField{
		logKV("tag", cpl.Tag),
		logKV("bytes", len(cpl.Payload())),
		logKV("byte_count", cpl.ByteCount),
	}
	c.logDispatcherEvent("completion", fields...)
	spanAddEvent(span, "completion", fields...)
	if done {
		c.completeTransaction(txn, span)
	}
}

// completeTransaction resolves a fully reassembled transaction unless
// its issuer abandoned it first.
func (c *Client) completeTransaction(txn *transaction, span Span) {
	if !c.unregister(txn) {
		return
	}
	c.tags.Release(txn.tag)
	txn.resolve(nil)
	fields := []logField{logKV("tag", txn.tag), logKV("length", len(txn.rsm.bytes()))}
	c.logDispatcherEvent("transaction_complete", fields...)
	spanAddEvent(span, "transaction_complete", fields...)
}

func (c *Client) failTransaction(tag uint8, err error, span Span) {
	c.mu.Lock()
	txn := c.pending[tag]
	c.mu.Unlock()
	if txn == nil {
		return
	}
	c.failTransactionTxn(txn, err, span)
}

func (c *Client) failTransactionTxn(txn *transaction, err error, span Span) {
	if !c.unregister(txn) {
		return
	}
	c.tags.Release(txn.tag)
	txn.resolve(err)
	fields := []logField{logKV("tag", txn.tag), logKV("error", err)}
	c.logDispatcherEvent("transaction_failed", fields...)
	spanAddEvent(span, "transaction_failed", fields...)
	spanRecordError(span, err)
}

// register installs the transaction in the pending table. The tag is
// already reserved through the pool, so the slot is necessarily free.
func (c *Client) register(txn *transaction) {
	c.mu.Lock()
	c.pending[txn.tag] = txn
	c.mu.Unlock()
}

// unregister removes the transaction if it is still pending, reporting
// whether this caller won ownership of its resolution.
func (c *Client) unregister(txn *transaction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.pending[txn.tag]; !ok || cur != txn {
		return false
	}
	delete(c.pending, txn.tag)
	return true
}

func (c *Client) dispatcherError() error {
	if holder := c.dispatcherErr.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "nettlp-client"},
		{Key: "requester", Value: c.cfg.Requester.String()},
		{Key: "addressing", Value: c.cfg.Addressing.String()},
	}
	return c.tracer.StartSpan("nettlp-client-dispatcher", attrs...)
}

func (c *Client) recordReceiveFailure(span Span, event string, err error) {
	if err == nil {
		return
	}
	fields := []logField{logKV("error", err)}
	c.logDispatcherEvent(event, fields...)
	spanAddEvent(span, event, fields...)
	spanRecordError(span, err)
	c.metricReceiveError(event, err, fields...)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs["requester"] = c.cfg.Requester.String()
	attrs["addressing"] = c.cfg.Addressing.String()
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structuredLogger.Debugw("nettlp client dispatcher", kv...)
		return
	}
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveError(kind string, err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveError(kind, err, c.metricAttrs(fields...))
}

func (c *Client) metricReadCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReadCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReadFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReadFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReadRetried(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReadRetried(c.metricAttrs(fields...))
}

func (c *Client) metricStrayCompletion(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.StrayCompletion(c.metricAttrs(fields...))
}

func (c *Client) metricWritePosted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.WritePosted(c.metricAttrs(fields...))
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	span.AddEvent(name, attrs...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
