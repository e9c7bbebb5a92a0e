package tlp

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
)

// RequestHeader extends Header with the second header dword shared by
// memory request TLPs.
type RequestHeader struct {
	Header
	RequesterID DeviceID
	Tag         uint8
	// First/last DW byte enables (4 bits each). Together with the
	// DW-aligned address they select the exact byte range of the
	// transfer.
	FirstBE uint8
	LastBE  uint8
}

func (h *RequestHeader) toBuffer(buf *bytes.Buffer) {
	h.Header.toBuffer(buf)

	dw := make([]byte, DWordLen)
	putDeviceID(dw[0:2], h.RequesterID)
	dw[2] = h.Tag
	dw[3] = h.LastBE<<4 | h.FirstBE&0xf
	buf.Write(dw)
}

func (h *RequestHeader) fromBuffer(buf *bytes.Buffer) {
	h.Header.fromBuffer(buf)

	dw := buf.Next(DWordLen)
	h.RequesterID = getDeviceID(dw[0:2])
	h.Tag = dw[2]
	h.FirstBE = dw[3] & 0xf
	h.LastBE = dw[3] >> 4
}

// MemoryRead is a memory read request TLP.
type MemoryRead struct {
	RequestHeader
	Address uint64
}

// NewMemoryRead builds a read request for length bytes starting at an
// arbitrary (not necessarily DW-aligned) byte address. The DW length
// covers the aligned span and the byte enables mark the exact range.
func NewMemoryRead(requester DeviceID, tag uint8, addr uint64, length int) (*MemoryRead, error) {
	r := &MemoryRead{Address: addr}
	r.Type = TypeMemoryRead32
	if is64BitAddress(addr) {
		r.Type = TypeMemoryRead64
	}
	if err := prepareRequest(&r.RequestHeader, requester, tag, addr, length); err != nil {
		return nil, err
	}
	return r, nil
}

// ToBytes encodes the request to wire format.
func (r *MemoryRead) ToBytes() []byte {
	buf := new(bytes.Buffer)
	r.RequestHeader.toBuffer(buf)
	putAddress(buf, r.Address, r.Type.is4DW())
	return buf.Bytes()
}

// DecodeMemoryRead parses a memory read request from a TLP buffer.
func DecodeMemoryRead(b []byte) (*MemoryRead, error) {
	hdr, err := peekHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeMemoryRead32 && hdr.Type != TypeMemoryRead64 {
		return nil, fmt.Errorf("%w: 0x%02x is not a memory read", ErrUnknownFormat, uint8(hdr.Type))
	}
	if hdr.Type.is4DW() && len(b) < headerLen4DW {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrTruncated, len(b), headerLen4DW)
	}
	r := &MemoryRead{}
	buf := bytes.NewBuffer(b)
	r.RequestHeader.fromBuffer(buf)
	r.Address = getAddress(buf, r.Type.is4DW())
	return r, nil
}

// MemoryWrite is a posted memory write request TLP. Data holds the
// DW-padded payload as carried on the wire; the byte enables mark
// which bytes of the first and last DW are meaningful.
type MemoryWrite struct {
	RequestHeader
	Address uint64
	Data    []byte
}

// NewMemoryWrite builds a write request placing data at an arbitrary
// byte address. Unaligned heads and tails are padded out to DW
// boundaries with the byte enables masking the padding.
func NewMemoryWrite(requester DeviceID, addr uint64, data []byte) (*MemoryWrite, error) {
	w := &MemoryWrite{Address: addr}
	w.Type = TypeMemoryWrite32
	if is64BitAddress(addr) {
		w.Type = TypeMemoryWrite64
	}
	// Posted writes carry no completion, so the tag is not meaningful.
	if err := prepareRequest(&w.RequestHeader, requester, 0, addr, len(data)); err != nil {
		return nil, err
	}

	pad := int(addr & 0x3)
	w.Data = make([]byte, w.DataLength())
	copy(w.Data[pad:], data)
	return w, nil
}

// ToBytes encodes the request and payload to wire format.
func (w *MemoryWrite) ToBytes() []byte {
	buf := new(bytes.Buffer)
	w.RequestHeader.toBuffer(buf)
	putAddress(buf, w.Address, w.Type.is4DW())
	buf.Write(w.Data)
	return buf.Bytes()
}

// Payload returns the meaningful bytes of the write, with DW padding
// stripped according to the byte enables.
func (w *MemoryWrite) Payload() []byte {
	if len(w.Data) == 0 {
		return nil
	}
	first := bits.TrailingZeros8(w.FirstBE)
	if first >= DWordLen {
		first = 0
	}
	last := len(w.Data)
	if w.LastBE != 0 {
		last -= DWordLen - bits.Len8(w.LastBE)
	} else if w.FirstBE != 0 {
		last = bits.Len8(w.FirstBE)
	}
	if last < first {
		return nil
	}
	return w.Data[first:last]
}

// DecodeMemoryWrite parses a memory write request from a TLP buffer.
func DecodeMemoryWrite(b []byte) (*MemoryWrite, error) {
	hdr, err := peekHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Type != TypeMemoryWrite32 && hdr.Type != TypeMemoryWrite64 {
		return nil, fmt.Errorf("%w: 0x%02x is not a memory write", ErrUnknownFormat, uint8(hdr.Type))
	}
	hlen := headerLen
	if hdr.Type.is4DW() {
		hlen = headerLen4DW
	}
	if len(b) < hlen {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrTruncated, len(b), hlen)
	}
	w := &MemoryWrite{}
	buf := bytes.NewBuffer(b)
	w.RequestHeader.fromBuffer(buf)
	w.Address = getAddress(buf, w.Type.is4DW())
	if buf.Len() < w.DataLength() {
		return nil, fmt.Errorf("%w: %d payload bytes, declared %d", ErrLengthMismatch, buf.Len(), w.DataLength())
	}
	w.Data = append([]byte(nil), buf.Next(w.DataLength())...)
	return w, nil
}

func prepareRequest(h *RequestHeader, requester DeviceID, tag uint8, addr uint64, length int) error {
	if length <= 0 {
		return errBadLengthf("%d bytes", length)
	}
	if addr > math.MaxUint64-uint64(length) {
		return fmt.Errorf("%w: 0x%x + %d overflows", ErrBadAddress, addr, length)
	}
	if err := h.setLength(dwordSpan(addr, length)); err != nil {
		return err
	}
	h.RequesterID = requester
	h.Tag = tag
	h.FirstBE = firstByteEnable(addr, length)
	h.LastBE = lastByteEnable(addr, length)
	return nil
}

func is64BitAddress(addr uint64) bool {
	return addr > math.MaxUint32
}

// dwordSpan counts the DWs touched by length bytes at addr, including
// partially covered first and last DWs.
func dwordSpan(addr uint64, length int) int {
	start := addr &^ 3
	end := addr + uint64(length)
	return int((end - start + 3) >> 2)
}

// firstByteEnable marks the valid bytes of the first DW of a transfer.
//
//	addr 0x3, 7 bytes:
//	              0x0       0x4       0x8
//	           |0|1|2|3| |0|1|2|3| |0|1|2|3|
//	   valid:         x   x x x x   x x
//
//	first BE 0b1000, last BE 0b0011
func firstByteEnable(addr uint64, length int) uint8 {
	be := uint8(0xf)
	if length < DWordLen {
		be = ^(uint8(0xf) << length) & 0xf
	}
	return (be << (addr & 0x3)) & 0xf
}

// lastByteEnable marks the valid bytes of the last DW, or 0 when the
// transfer fits in a single DW.
func lastByteEnable(addr uint64, length int) uint8 {
	start := addr &^ 3
	end := addr + uint64(length)
	lastStart := end &^ 3
	if end&0x3 == 0 {
		lastStart = end - DWordLen
	}
	if lastStart <= start {
		return 0
	}
	return ^(uint8(0xf) << (end - lastStart)) & 0xf
}

func peekHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncated, len(b), headerLen)
	}
	var hdr Header
	hdr.fromBuffer(bytes.NewBuffer(b))
	return hdr, nil
}
