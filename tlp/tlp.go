// Package tlp builds and parses the PCIe Transaction Layer Packets
// exchanged with a NetTLP adapter: memory read and write requests and
// the completions that answer reads. TLPs are big endian and DW
// (4-byte) aligned; the field layout follows the PCI Express Base
// Specification common packet header rules.
package tlp

import (
	"bytes"
	"encoding/binary"
)

const (
	// DWordLen is the TLP unit of length accounting, in bytes.
	DWordLen = 4
	// MaxDataLen is the largest payload a single TLP can carry (1024 DW).
	MaxDataLen = 1024 * DWordLen
	// MaxPacketLen is a 4 DW header plus the largest payload.
	MaxPacketLen = 4*DWordLen + MaxDataLen

	headerLen    = 3 * DWordLen
	headerLen4DW = 4 * DWordLen
)

const (
	fmt3DWNoData   = 0b000
	fmt4DWNoData   = 0b001
	fmt3DWWithData = 0b010
	fmt4DWWithData = 0b011
)

// Type is the combined format and type field in the first header byte.
type Type uint8

const (
	// TypeMemoryRead32 is a Memory Read Request with a 32-bit address (3 DW header).
	TypeMemoryRead32 Type = (fmt3DWNoData << 5) | 0b00000
	// TypeMemoryRead64 is a Memory Read Request with a 64-bit address (4 DW header).
	TypeMemoryRead64 Type = (fmt4DWNoData << 5) | 0b00000
	// TypeMemoryWrite32 is a Memory Write Request with a 32-bit address.
	TypeMemoryWrite32 Type = (fmt3DWWithData << 5) | 0b00000
	// TypeMemoryWrite64 is a Memory Write Request with a 64-bit address.
	TypeMemoryWrite64 Type = (fmt4DWWithData << 5) | 0b00000
	// TypeCompletion is a Completion without data.
	TypeCompletion Type = (fmt3DWNoData << 5) | 0b01010
	// TypeCompletionData is a Completion with data.
	TypeCompletionData Type = (fmt3DWWithData << 5) | 0b01010
)

func (t Type) hasData() bool {
	return (t>>5)&0b010 != 0
}

func (t Type) is4DW() bool {
	return (t>>5)&0b001 != 0
}

// TrafficClass is the 3-bit priority class carried in the first header dword.
type TrafficClass uint8

// CompletionStatus is the 3-bit completion status field.
type CompletionStatus uint8

// Completion status discriminants, matching the wire encoding.
const (
	StatusSuccess        CompletionStatus = 0b000
	StatusUnsupported    CompletionStatus = 0b001
	StatusConfigRetry    CompletionStatus = 0b010
	StatusCompleterAbort CompletionStatus = 0b100
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnsupported:
		return "unsupported request"
	case StatusConfigRetry:
		return "configuration request retry"
	case StatusCompleterAbort:
		return "completer abort"
	default:
		return "reserved status"
	}
}

// Header is the first header dword common to all TLPs.
type Header struct {
	Type Type
	TC   TrafficClass
	// Length of the data payload in DWs (10 bits, 0 encodes 1024).
	Length int
}

func (h *Header) toBuffer(buf *bytes.Buffer) {
	dw := make([]byte, DWordLen)
	dw[0] = byte(h.Type)
	dw[1] = byte(h.TC&0x7) << 4
	dw[2] = byte((h.Length >> 8) & 0x3)
	dw[3] = byte(h.Length & 0xff)
	buf.Write(dw)
}

func (h *Header) fromBuffer(buf *bytes.Buffer) {
	dw := buf.Next(DWordLen)
	h.Type = Type(dw[0])
	h.TC = TrafficClass((dw[1] >> 4) & 0x7)
	h.Length = int(dw[2]&0x3)<<8 | int(dw[3])
}

// setLength encodes a DW count into the 10-bit length field, where a
// full 1024 DW payload is encoded as 0.
func (h *Header) setLength(dwords int) error {
	if dwords < 1 || dwords > MaxDataLen/DWordLen {
		return errBadLengthf("%d DW out of range [1, 1024]", dwords)
	}
	h.Length = dwords
	if h.Length == 1024 {
		h.Length = 0
	}
	return nil
}

// DataLength reports the payload size in bytes implied by the 10-bit
// length field.
func (h *Header) DataLength() int {
	l := h.Length
	if l == 0 {
		l = 1024
	}
	return l * DWordLen
}

func putAddress(buf *bytes.Buffer, addr uint64, is64 bool) {
	if is64 {
		binary.Write(buf, binary.BigEndian, uint32(addr>>32))
	}
	// The 2 lower address bits are reserved; requests carry DW-aligned
	// addresses and mark the valid bytes through the byte enables.
	binary.Write(buf, binary.BigEndian, uint32(addr)&^uint32(0x3))
}

func getAddress(buf *bytes.Buffer, is64 bool) uint64 {
	var addr uint64
	if is64 {
		var high uint32
		binary.Read(buf, binary.BigEndian, &high)
		addr = uint64(high) << 32
	}
	var low uint32
	binary.Read(buf, binary.BigEndian, &low)
	return addr | uint64(low)
}
