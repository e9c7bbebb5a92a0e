package tlp

import (
	"bytes"
	"fmt"
	"math/bits"
)

// CompletionHeader extends Header with the second and third header
// dwords of a completion TLP.
type CompletionHeader struct {
	Header
	CompleterID DeviceID
	Status      CompletionStatus
	// ByteCount is the number of bytes left to satisfy the original
	// request, counted from this completion onward (12 bits).
	ByteCount   int
	RequesterID DeviceID
	Tag         uint8
	// LowerAddress is the low 7 bits of the address of the first valid
	// payload byte.
	LowerAddress uint8
}

func (h *CompletionHeader) toBuffer(buf *bytes.Buffer) {
	h.Header.toBuffer(buf)

	dw1 := make([]byte, DWordLen)
	putDeviceID(dw1[0:2], h.CompleterID)
	dw1[2] = byte(h.Status&0x7)<<5 | byte(h.ByteCount>>8)&0xf
	dw1[3] = byte(h.ByteCount)
	buf.Write(dw1)

	dw2 := make([]byte, DWordLen)
	putDeviceID(dw2[0:2], h.RequesterID)
	dw2[2] = h.Tag
	dw2[3] = h.LowerAddress & 0x7f
	buf.Write(dw2)
}

func (h *CompletionHeader) fromBuffer(buf *bytes.Buffer) {
	h.Header.fromBuffer(buf)

	dw1 := buf.Next(DWordLen)
	h.CompleterID = getDeviceID(dw1[0:2])
	h.Status = CompletionStatus(dw1[2] >> 5)
	h.ByteCount = int(dw1[2]&0xf)<<8 | int(dw1[3])

	dw2 := buf.Next(DWordLen)
	h.RequesterID = getDeviceID(dw2[0:2])
	h.Tag = dw2[2]
	h.LowerAddress = dw2[3] & 0x7f
}

// Completion is a completion TLP. Data holds the DW-padded payload as
// carried on the wire; Payload carves out the meaningful bytes.
type Completion struct {
	CompletionHeader
	Data []byte
}

// ToBytes encodes the completion to wire format.
func (c *Completion) ToBytes() []byte {
	buf := new(bytes.Buffer)
	c.CompletionHeader.toBuffer(buf)
	buf.Write(c.Data)
	return buf.Bytes()
}

// Payload returns the valid bytes of this completion: the leading pad
// below LowerAddress within the first DW is skipped, and the tail is
// limited to ByteCount when this is the final completion of a transfer.
func (c *Completion) Payload() []byte {
	if len(c.Data) == 0 {
		return nil
	}
	pad := int(c.LowerAddress & 0x3)
	if pad >= len(c.Data) {
		return nil
	}
	n := len(c.Data) - pad
	if c.ByteCount > 0 && c.ByteCount < n {
		n = c.ByteCount
	}
	return c.Data[pad : pad+n]
}

// DecodeCompletion parses a completion TLP from a buffer. On
// ErrLengthMismatch the returned completion still carries the decoded
// header fields, so a malformed frame can be attributed to its
// transaction; for all other errors the completion is nil.
func DecodeCompletion(b []byte) (*Completion, error) {
	hdr, err := peekHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeCompletion && hdr.Type != TypeCompletionData {
		return nil, fmt.Errorf("%w: 0x%02x is not a completion", ErrUnknownFormat, uint8(hdr.Type))
	}

	c := &Completion{}
	buf := bytes.NewBuffer(b)
	c.CompletionHeader.fromBuffer(buf)
	if c.Type == TypeCompletion {
		return c, nil
	}
	if buf.Len() < c.DataLength() {
		return c, fmt.Errorf("%w: %d payload bytes, declared %d", ErrLengthMismatch, buf.Len(), c.DataLength())
	}
	c.Data = append([]byte(nil), buf.Next(c.DataLength())...)
	return c, nil
}

// NewCompletion builds a completion TLP. Data must already be padded
// to the DW span implied by lowerAddress and the valid byte count.
func NewCompletion(completer DeviceID, status CompletionStatus, requester DeviceID, tag uint8, byteCount int, lowerAddress uint8, data []byte) (*Completion, error) {
	c := &Completion{}
	c.CompleterID = completer
	c.Status = status
	c.ByteCount = byteCount & 0xfff
	c.RequesterID = requester
	c.Tag = tag
	c.LowerAddress = lowerAddress & 0x7f

	if len(data) == 0 {
		c.Type = TypeCompletion
		return c, nil
	}
	if len(data)%DWordLen != 0 {
		return nil, errBadLengthf("completion payload %d bytes is not DW padded", len(data))
	}
	c.Type = TypeCompletionData
	if err := c.setLength(len(data) / DWordLen); err != nil {
		return nil, err
	}
	c.Data = append([]byte(nil), data...)
	return c, nil
}

// NewCompletionForRead builds the single completion that satisfies an
// entire memory read request, padding data out to the request's DW
// span. len(data) must equal the request's byte count.
func NewCompletionForRead(completer DeviceID, status CompletionStatus, req *MemoryRead, data []byte) (*Completion, error) {
	count := ByteCountFor(req.FirstBE, req.LastBE, req.DataLength()/DWordLen)
	if len(data) != count {
		return nil, errBadLengthf("%d data bytes, request wants %d", len(data), count)
	}
	lower := LowerAddressFor(req.FirstBE, req.Address)
	padded := make([]byte, req.DataLength())
	copy(padded[lower&0x3:], data)
	return NewCompletion(completer, status, req.RequesterID, req.Tag, count, lower, padded)
}

// ByteCountFor derives the remaining byte count of a read from its
// byte enables and DW length, per the completion rules tables.
func ByteCountFor(firstBE, lastBE uint8, lengthDW int) int {
	if firstBE == 0 {
		return 1
	}
	first := bits.TrailingZeros8(firstBE)
	if lastBE == 0 {
		return bits.Len8(firstBE) - first
	}
	return lengthDW*DWordLen - first - (DWordLen - bits.Len8(lastBE))
}

// LowerAddressFor derives the 7-bit lower address of the first valid
// byte of a read's first completion.
func LowerAddressFor(firstBE uint8, addr uint64) uint8 {
	lower := uint8(addr) & 0x7c
	if firstBE == 0 {
		return lower
	}
	return lower | uint8(bits.TrailingZeros8(firstBE))
}
