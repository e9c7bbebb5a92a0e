package tlp

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated indicates fewer bytes than the fixed header size.
	ErrTruncated = errors.New("tlp: packet truncated")
	// ErrUnknownFormat indicates an unrecognized format/type discriminator.
	ErrUnknownFormat = errors.New("tlp: unknown format/type")
	// ErrLengthMismatch indicates the declared length implies more
	// payload bytes than the buffer holds.
	ErrLengthMismatch = errors.New("tlp: declared length exceeds payload")
	// ErrBadLength indicates a request length outside what a TLP can encode.
	ErrBadLength = errors.New("tlp: bad data length")
	// ErrBadAddress indicates an address the requested encoding cannot express.
	ErrBadAddress = errors.New("tlp: bad address")
	// ErrBadDeviceID indicates an unparseable bus:device.function string.
	ErrBadDeviceID = errors.New("tlp: bad bus:device.function")
)

func errBadLengthf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrBadLength}, args...)...)
}
