package nettlp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rocketbitz/nettlp-go/tlp"
)

// transaction is one outstanding read attempt, keyed by tag in the
// client's pending table. The destination buffer inside the
// reassembler is owned exclusively by this transaction until it is
// handed to the caller or discarded.
type transaction struct {
	tag  uint8
	addr uint64
	rsm  *reassembler

	done chan struct{}
	once sync.Once
	err  error
}

func newTransaction(tag uint8, addr uint64, length int) *transaction {
	return &transaction{
		tag:  tag,
		addr: addr,
		rsm:  newReassembler(addr, length),
		done: make(chan struct{}),
	}
}

func (t *transaction) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// DMARead reads length bytes of device memory at addr. It blocks until
// the completion set arrives, the context is cancelled, or the timeout
// and retry budget are exhausted.
func (c *Client) DMARead(ctx context.Context, addr uint64, length int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.read(ctx, addr, length)
}

// ReadFuture tracks an in-flight asynchronous DMA read.
type ReadFuture struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	data []byte
	err  error
}

// Await blocks until the read resolves or the context is cancelled.
func (f *ReadFuture) Await(ctx context.Context) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.snapshot()
		default:
		}
		return nil, ctx.Err()
	case <-f.done:
		return f.snapshot()
	}
}

// Done exposes a channel that closes when the read resolves.
func (f *ReadFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the read: the tag is released and any completion
// that arrives later is discarded as stray.
func (f *ReadFuture) Cancel() {
	f.cancel()
}

// OnComplete registers fn to run on its own goroutine once the read
// resolves.
func (f *ReadFuture) OnComplete(fn func(data []byte, err error)) {
	go func() {
		<-f.done
		data, err := f.snapshot()
		fn(data, err)
	}()
}

func (f *ReadFuture) snapshot() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data, f.err
}

// DMAReadAsync issues a read and returns a future that resolves when
// the transfer completes or fails. Input validation errors are
// returned synchronously, before any network activity.
func (c *Client) DMAReadAsync(addr uint64, length int) (*ReadFuture, error) {
	if err := c.validateRead(addr, length); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &ReadFuture{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		data, err := c.read(ctx, addr, length)
		f.mu.Lock()
		f.data, f.err = data, err
		f.mu.Unlock()
		close(f.done)
	}()
	return f, nil
}

func (c *Client) validateRead(addr uint64, length int) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if length <= 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, length)
	}
	if length > c.cfg.MaxReadRequest {
		return fmt.Errorf("%w: %d bytes exceeds max read request %d", ErrInvalidLength, length, c.cfg.MaxReadRequest)
	}
	return c.validateRange(addr, length)
}

func (c *Client) validateRange(addr uint64, length int) error {
	if addr > math.MaxUint64-uint64(length) {
		return fmt.Errorf("%w: 0x%x + %d overflows", ErrInvalidAddress, addr, length)
	}
	if c.cfg.Addressing == Addressing32 && addr+uint64(length) > 1<<32 {
		return fmt.Errorf("%w: 0x%x + %d beyond 32-bit addressing", ErrInvalidAddress, addr, length)
	}
	return nil
}

// read runs the transaction state machine: allocate a tag, send the
// request, await the completion set, and on timeout reissue under a
// fresh tag until the retry budget runs out. A timed-out tag is only
// returned to the pool after its replacement is taken, so the retry
// can never land on the tag a late completion might still reference.
func (c *Client) read(ctx context.Context, addr uint64, length int) ([]byte, error) {
	if err := c.validateRead(addr, length); err != nil {
		return nil, err
	}
	if err := c.dispatchFailure(); err != nil {
		return nil, err
	}

	var lastTag uint8
	var stale *uint8
	releaseStale := func() {
		if stale != nil {
			c.tags.Release(*stale)
			stale = nil
		}
	}
	finish := func(txn *transaction) ([]byte, error) {
		if txn.err != nil {
			c.readFailed(txn.tag, txn.err)
			return nil, txn.err
		}
		c.stats.readsCompleted.Add(1)
		c.metricReadCompleted(logKV("length", length))
		return txn.rsm.bytes(), nil
	}

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		tag, err := c.tags.Allocate()
		releaseStale()
		if err != nil {
			return nil, err
		}
		lastTag = tag

		req, err := tlp.NewMemoryRead(c.cfg.Requester, tag, addr, length)
		if err != nil {
			c.tags.Release(tag)
			return nil, err
		}

		txn := newTransaction(tag, addr, length)
		c.register(txn)

		if err := c.transport.Send(req.ToBytes()); err != nil {
			if c.unregister(txn) {
				c.tags.Release(tag)
			}
			c.readFailed(tag, err)
			return nil, fmt.Errorf("send memory read: %w", err)
		}
		c.stats.readsIssued.Add(1)
		c.logf("client: read issued tag=%d addr=0x%x length=%d attempt=%d", tag, addr, length, attempt)

		timer := time.NewTimer(c.cfg.Timeout)
		select {
		case <-txn.done:
			timer.Stop()
			return finish(txn)

		case <-ctx.Done():
			timer.Stop()
			if !c.unregister(txn) {
				// Resolved while we were cancelling; take the result.
				<-txn.done
				return finish(txn)
			}
			c.tags.Release(tag)
			c.readFailed(tag, ctx.Err())
			return nil, ctx.Err()

		case <-timer.C:
			if !c.unregister(txn) {
				<-txn.done
				return finish(txn)
			}
			// Hold the tag until the next attempt has a fresh one.
			t := tag
			stale = &t
			if attempt < c.cfg.MaxRetries {
				c.stats.readsRetried.Add(1)
				c.metricReadRetried(logKV("tag", tag), logKV("attempt", attempt+1))
				c.logf("client: read retry tag=%d addr=0x%x attempt=%d", tag, addr, attempt+1)
			}
		}
	}

	releaseStale()
	c.readFailed(lastTag, ErrTimeout)
	return nil, fmt.Errorf("%w: 0x%x length %d after %d attempts", ErrTimeout, addr, length, c.cfg.MaxRetries+1)
}

func (c *Client) readFailed(tag uint8, err error) {
	c.stats.readsFailed.Add(1)
	c.metricReadFailed(err, logKV("tag", tag))
}
