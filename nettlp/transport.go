// Package nettlp issues PCIe DMA transactions against a NetTLP adapter
// over an IP network. It encodes memory requests with the tlp package,
// ships them through a Transport, and correlates the asynchronous
// completion stream back to callers by tag.
package nettlp

import (
	"errors"
	"time"
)

var (
	// ErrReceiveTimeout indicates no frame arrived within the receive window.
	ErrReceiveTimeout = errors.New("nettlp: receive timed out")
	// ErrTransportClosed indicates the transport has been shut down.
	ErrTransportClosed = errors.New("nettlp: transport closed")
)

// Transport is a byte channel to the adapter. Send ships one complete
// TLP (header plus payload); Receive blocks up to timeout and yields
// one complete TLP with any transport-level encapsulation stripped.
// How frames reach the adapter is opaque to the transaction engine.
//
// Send and Receive may be called concurrently with each other; Receive
// is driven by a single dispatcher goroutine.
type Transport interface {
	Send(frame []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}
