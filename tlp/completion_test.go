package tlp

import (
	"bytes"
	"errors"
	"testing"
)

var (
	testRequester = DeviceID{Bus: 0x1b}
	testCompleter = DeviceID{Bus: 0x01}
)

func TestCompletionRoundTrip(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	cpl, err := NewCompletion(testCompleter, StatusSuccess, testRequester, 9, 32, 0, data)
	if err != nil {
		t.Fatalf("NewCompletion failed: %v", err)
	}
	got, err := DecodeCompletion(cpl.ToBytes())
	if err != nil {
		t.Fatalf("DecodeCompletion failed: %v", err)
	}
	if got.CompleterID != testCompleter || got.RequesterID != testRequester {
		t.Errorf("ids mismatch: %v %v", got.CompleterID, got.RequesterID)
	}
	if got.Tag != 9 || got.Status != StatusSuccess || got.ByteCount != 32 || got.LowerAddress != 0 {
		t.Errorf("header mismatch: %+v", got.CompletionHeader)
	}
	if !bytes.Equal(got.Payload(), data) {
		t.Errorf("payload mismatch: got % x", got.Payload())
	}
}

func TestCompletionForUnalignedRead(t *testing.T) {
	req, err := NewMemoryRead(testRequester, 3, 0x1003, 7)
	if err != nil {
		t.Fatalf("NewMemoryRead failed: %v", err)
	}
	data := []byte{10, 11, 12, 13, 14, 15, 16}
	cpl, err := NewCompletionForRead(testCompleter, StatusSuccess, req, data)
	if err != nil {
		t.Fatalf("NewCompletionForRead failed: %v", err)
	}
	if cpl.LowerAddress != 0x03 {
		t.Errorf("lower address: got 0x%02x want 0x03", cpl.LowerAddress)
	}
	if cpl.ByteCount != 7 {
		t.Errorf("byte count: got %d want 7", cpl.ByteCount)
	}
	got, err := DecodeCompletion(cpl.ToBytes())
	if err != nil {
		t.Fatalf("DecodeCompletion failed: %v", err)
	}
	if !bytes.Equal(got.Payload(), data) {
		t.Errorf("payload mismatch: got % x want % x", got.Payload(), data)
	}
	// The wire payload is DW padded: 3 lead bytes, 2 tail bytes.
	if len(got.Data) != 12 {
		t.Errorf("wire payload: got %d bytes want 12", len(got.Data))
	}
}

func TestCompletionWithoutData(t *testing.T) {
	cpl, err := NewCompletion(testCompleter, StatusUnsupported, testRequester, 4, 4, 0, nil)
	if err != nil {
		t.Fatalf("NewCompletion failed: %v", err)
	}
	got, err := DecodeCompletion(cpl.ToBytes())
	if err != nil {
		t.Fatalf("DecodeCompletion failed: %v", err)
	}
	if got.Status != StatusUnsupported {
		t.Errorf("status: got %v", got.Status)
	}
	if got.Payload() != nil {
		t.Errorf("payload: got % x, want none", got.Payload())
	}
}

func TestDecodeCompletionErrors(t *testing.T) {
	if _, err := DecodeCompletion([]byte{0x4a, 0x00}); !errors.Is(err, ErrTruncated) {
		t.Errorf("short buffer: got %v, want ErrTruncated", err)
	}

	mrd, _ := NewMemoryRead(testRequester, 0, 0x1000, 4)
	if _, err := DecodeCompletion(mrd.ToBytes()); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("wrong type: got %v, want ErrUnknownFormat", err)
	}

	full, _ := NewCompletion(testCompleter, StatusSuccess, testRequester, 8, 8, 0, make([]byte, 8))
	frame := full.ToBytes()
	short, err := DecodeCompletion(frame[:len(frame)-4])
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("missing payload: got %v, want ErrLengthMismatch", err)
	}
	// Header fields survive so the frame can still be attributed.
	if short == nil || short.Tag != 8 || short.ByteCount != 8 {
		t.Errorf("header not recovered from malformed frame: %+v", short)
	}
}
