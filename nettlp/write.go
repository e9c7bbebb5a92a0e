package nettlp

import (
	"context"
	"fmt"

	"github.com/rocketbitz/nettlp-go/tlp"
)

// DMAWrite writes data to device memory at addr. Memory writes are
// posted: the adapter sends no completion, so DMAWrite returns once
// every chunk has been handed to the transport. Writes larger than the
// configured MaxPayload are split into several requests.
func (c *Client) DMAWrite(ctx context.Context, addr uint64, data []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty write", ErrInvalidLength)
	}
	if err := c.validateRange(addr, len(data)); err != nil {
		return err
	}
	if err := c.dispatchFailure(); err != nil {
		return err
	}

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Keep each chunk's DW span within MaxPayload: an unaligned
		// head occupies part of the first DW without carrying bytes.
		n := c.cfg.MaxPayload - int(addr&0x3)
		if n > len(data) {
			n = len(data)
		}

		req, err := tlp.NewMemoryWrite(c.cfg.Requester, addr, data[:n])
		if err != nil {
			return err
		}
		if err := c.transport.Send(req.ToBytes()); err != nil {
			return fmt.Errorf("send memory write: %w", err)
		}
		c.stats.writesPosted.Add(1)
		c.metricWritePosted(logKV("length", n))
		c.logf("client: write posted addr=0x%x length=%d", addr, n)

		addr += uint64(n)
		data = data[n:]
	}
	return nil
}
