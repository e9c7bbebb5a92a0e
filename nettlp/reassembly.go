package nettlp

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rocketbitz/nettlp-go/tlp"
)

var (
	// ErrOverlappingCompletion indicates two completions claimed the
	// same bytes of one transfer. Terminal for the transaction.
	ErrOverlappingCompletion = errors.New("nettlp: overlapping completion")
	// ErrByteCountMismatch indicates a completion whose byte count or
	// lower address is inconsistent with the transfer's accounting.
	// Terminal for the transaction.
	ErrByteCountMismatch = errors.New("nettlp: completion byte count mismatch")
)

// reassembler accumulates the completions of one read transaction into
// an ordered, gap-free buffer. A read may be answered by several
// completions, and they are not guaranteed to arrive in address order:
// each completion is positioned by its byte count, which gives the
// bytes remaining from that packet onward in address order and is
// therefore independent of arrival order. The 7-bit lower address is
// cross-checked against the placement.
type reassembler struct {
	base     uint64 // requested start address, possibly unaligned
	buf      []byte
	received int
	spans    []span // consumed ranges, sorted and disjoint
}

type span struct{ start, end int }

func newReassembler(base uint64, length int) *reassembler {
	return &reassembler{base: base, buf: make([]byte, length)}
}

// insert copies one completion's payload into place and reports
// whether the transfer is now complete.
func (r *reassembler) insert(cpl *tlp.Completion) (bool, error) {
	count := cpl.ByteCount
	if count == 0 {
		count = 4096 // 12-bit field, 0 encodes the 4096-byte maximum
	}
	if count > len(r.buf) {
		return false, fmt.Errorf("%w: %d bytes remaining of a %d byte read", ErrByteCountMismatch, count, len(r.buf))
	}
	offset := len(r.buf) - count
	if low := uint8(r.base+uint64(offset)) & 0x7f; low != cpl.LowerAddress {
		return false, fmt.Errorf("%w: lower address 0x%02x, placement implies 0x%02x", ErrByteCountMismatch, cpl.LowerAddress, low)
	}

	payload := cpl.Payload()
	if len(payload) == 0 {
		return false, fmt.Errorf("%w: completion carries no data", ErrByteCountMismatch)
	}
	if offset+len(payload) > len(r.buf) {
		return false, fmt.Errorf("%w: %d bytes at offset %d exceed the %d byte read", ErrByteCountMismatch, len(payload), offset, len(r.buf))
	}

	in := span{start: offset, end: offset + len(payload)}
	for _, s := range r.spans {
		if in.start < s.end && s.start < in.end {
			return false, fmt.Errorf("%w: [%d, %d) collides with [%d, %d)", ErrOverlappingCompletion, in.start, in.end, s.start, s.end)
		}
	}
	r.spans = append(r.spans, in)
	sort.Slice(r.spans, func(i, j int) bool { return r.spans[i].start < r.spans[j].start })

	copy(r.buf[in.start:in.end], payload)
	r.received += len(payload)
	// Disjoint spans summing to the full length tile [0, len) exactly.
	return r.received == len(r.buf), nil
}

// bytes hands out the assembled buffer; valid once insert reports completion.
func (r *reassembler) bytes() []byte {
	return r.buf
}
