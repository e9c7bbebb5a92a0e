package nettlp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rocketbitz/nettlp-go/tlp"
)

var (
	testCompleter = tlp.DeviceID{Bus: 0x1c, Device: 0, Function: 0}
	testRequester = tlp.DeviceID{Bus: 0x1a, Device: 0, Function: 0}
)

// chunkCompletion builds one completion of a read at base for the
// bytes data[offset:offset+n], with the byte count and lower address a
// conforming completer would report for that chunk.
func chunkCompletion(t *testing.T, base uint64, data []byte, offset, n int) *tlp.Completion {
	t.Helper()
	addr := base + uint64(offset)
	if addr%tlp.DWordLen != 0 {
		t.Fatalf("chunk at 0x%x is not DW aligned", addr)
	}
	chunk := data[offset : offset+n]
	padded := chunk
	if pad := len(chunk) % tlp.DWordLen; pad != 0 {
		padded = append(append([]byte(nil), chunk...), make([]byte, tlp.DWordLen-pad)...)
	}
	cpl, err := tlp.NewCompletion(testCompleter, tlp.StatusSuccess, testRequester, 0,
		len(data)-offset, uint8(addr)&0x7f, padded)
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}
	return cpl
}

func TestReassemblerSingleCompletion(t *testing.T) {
	data := testPattern(32)
	r := newReassembler(0x100000, len(data))

	done, err := r.insert(chunkCompletion(t, 0x100000, data, 0, len(data)))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !done {
		t.Fatal("expected transfer complete after the only completion")
	}
	if !bytes.Equal(r.bytes(), data) {
		t.Fatalf("assembled data mismatch:\n got %x\nwant %x", r.bytes(), data)
	}
}

func TestReassemblerSplitInOrder(t *testing.T) {
	data := testPattern(48)
	r := newReassembler(0x2000, len(data))

	for _, offset := range []int{0, 16, 32} {
		done, err := r.insert(chunkCompletion(t, 0x2000, data, offset, 16))
		if err != nil {
			t.Fatalf("insert at %d: %v", offset, err)
		}
		if wantDone := offset == 32; done != wantDone {
			t.Fatalf("done=%v after chunk at %d", done, offset)
		}
	}
	if !bytes.Equal(r.bytes(), data) {
		t.Fatal("assembled data mismatch")
	}
}

func TestReassemblerSplitOutOfOrder(t *testing.T) {
	data := testPattern(48)
	r := newReassembler(0x2000, len(data))

	for i, offset := range []int{32, 0, 16} {
		done, err := r.insert(chunkCompletion(t, 0x2000, data, offset, 16))
		if err != nil {
			t.Fatalf("insert at %d: %v", offset, err)
		}
		if wantDone := i == 2; done != wantDone {
			t.Fatalf("done=%v after chunk at %d", done, offset)
		}
	}
	if !bytes.Equal(r.bytes(), data) {
		t.Fatal("assembled data mismatch")
	}
}

func TestReassemblerUnalignedRead(t *testing.T) {
	data := testPattern(7)
	r := newReassembler(0x1003, len(data))

	padded := append([]byte{0, 0, 0}, data...)
	padded = append(padded, 0, 0)
	cpl, err := tlp.NewCompletion(testCompleter, tlp.StatusSuccess, testRequester, 0,
		len(data), 0x03, padded)
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}

	done, err := r.insert(cpl)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !done {
		t.Fatal("expected transfer complete")
	}
	if !bytes.Equal(r.bytes(), data) {
		t.Fatalf("assembled data mismatch:\n got %x\nwant %x", r.bytes(), data)
	}
}

func TestReassemblerRejectsOverlap(t *testing.T) {
	data := testPattern(32)
	r := newReassembler(0x2000, len(data))

	if _, err := r.insert(chunkCompletion(t, 0x2000, data, 0, 16)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.insert(chunkCompletion(t, 0x2000, data, 0, 16)); !errors.Is(err, ErrOverlappingCompletion) {
		t.Fatalf("expected ErrOverlappingCompletion, got %v", err)
	}
}

func TestReassemblerRejectsByteCountBeyondRead(t *testing.T) {
	r := newReassembler(0x2000, 16)

	cpl, err := tlp.NewCompletion(testCompleter, tlp.StatusSuccess, testRequester, 0,
		64, 0x00, testPattern(64))
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}
	if _, err := r.insert(cpl); !errors.Is(err, ErrByteCountMismatch) {
		t.Fatalf("expected ErrByteCountMismatch, got %v", err)
	}
}

func TestReassemblerRejectsLowerAddressMismatch(t *testing.T) {
	data := testPattern(32)
	r := newReassembler(0x2000, len(data))

	// Byte count places this chunk at offset 16, but the completer
	// claims a lower address for offset 0.
	cpl, err := tlp.NewCompletion(testCompleter, tlp.StatusSuccess, testRequester, 0,
		16, 0x00, data[16:])
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}
	if _, err := r.insert(cpl); !errors.Is(err, ErrByteCountMismatch) {
		t.Fatalf("expected ErrByteCountMismatch, got %v", err)
	}
}

func TestReassemblerRejectsEmptyPayload(t *testing.T) {
	r := newReassembler(0x2000, 16)

	cpl, err := tlp.NewCompletion(testCompleter, tlp.StatusSuccess, testRequester, 0,
		16, 0x00, nil)
	if err != nil {
		t.Fatalf("NewCompletion: %v", err)
	}
	if _, err := r.insert(cpl); !errors.Is(err, ErrByteCountMismatch) {
		t.Fatalf("expected ErrByteCountMismatch, got %v", err)
	}
}

func testPattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	return data
}
