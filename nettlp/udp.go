package nettlp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rocketbitz/nettlp-go/tlp"
)

// DMADirection selects which side of the NetTLP link issues DMA, which
// determines the UDP port pairing on the adapter.
type DMADirection int

const (
	// DMAIssuedByHost is host-software-issued DMA (this library's reads and writes).
	DMAIssuedByHost DMADirection = iota
	// DMAIssuedByAdapter receives DMA issued by the device behind the adapter.
	DMAIssuedByAdapter
)

const (
	hostPortBase    = 0x3000
	adapterPortBase = 0x4000

	// The adapter prefixes every TLP with a 6-byte encapsulation
	// header: sequence number (16 bits) and timestamp (32 bits).
	// Host-issued frames carry zeros; the adapter fills them on its
	// own transmissions.
	encapHeaderLen = 6
)

// UDPTransport carries TLPs to a NetTLP adapter over UDP, one datagram
// per TLP.
type UDPTransport struct {
	conn *net.UDPConn
	port int
}

// NewUDPTransport binds the NetTLP port derived from tag and direction
// on localAddr and connects it to the adapter at remoteAddr. The
// adapter mirrors the source port, so one transport serves every tag
// demultiplexed in software.
func NewUDPTransport(localAddr, remoteAddr string, tag uint8, dir DMADirection) (*UDPTransport, error) {
	port := hostPortBase + int(tag)
	if dir == DMAIssuedByAdapter {
		port = adapterPortBase + int(tag&0x0f)
	}

	local, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", localAddr, port))
	if err != nil {
		return nil, fmt.Errorf("resolve local address: %w", err)
	}
	remote, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", remoteAddr, port))
	if err != nil {
		return nil, fmt.Errorf("resolve remote address: %w", err)
	}
	// Connected socket: reads only accept the adapter, writes need no address.
	conn, err := net.DialUDP("udp4", local, remote)
	if err != nil {
		return nil, fmt.Errorf("dial %s from %s: %w", remote, local, err)
	}
	return &UDPTransport{conn: conn, port: port}, nil
}

// Send prepends the encapsulation header and ships one TLP datagram.
func (t *UDPTransport) Send(frame []byte) error {
	if t == nil || t.conn == nil {
		return ErrTransportClosed
	}
	packet := make([]byte, encapHeaderLen+len(frame))
	copy(packet[encapHeaderLen:], frame)
	if _, err := t.conn.Write(packet); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrTransportClosed
		}
		return fmt.Errorf("udp send: %w", err)
	}
	return nil
}

// Receive waits up to timeout for one datagram and returns the TLP
// with the encapsulation header stripped.
func (t *UDPTransport) Receive(timeout time.Duration) ([]byte, error) {
	if t == nil || t.conn == nil {
		return nil, ErrTransportClosed
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	buf := make([]byte, encapHeaderLen+tlp.MaxPacketLen)
	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrReceiveTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("udp receive: %w", err)
	}
	if n < encapHeaderLen {
		return nil, fmt.Errorf("udp receive: %d byte datagram below encapsulation header", n)
	}
	return buf[encapHeaderLen:n], nil
}

// Port returns the bound NetTLP port.
func (t *UDPTransport) Port() int {
	return t.port
}

// Close shuts the socket down; a blocked Receive returns ErrTransportClosed.
func (t *UDPTransport) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
