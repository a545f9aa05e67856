package dtx

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// TLSMode selects how a raw service connection is (or is not) upgraded.
// Some instruments endpoints require a TLS handshake whose session is then
// discarded, with all subsequent traffic in the clear.
type TLSMode int

const (
	TLSNone TLSMode = iota
	TLSHandshakeOnly
	TLSFull
)

// Transport is the duplex byte stream the connection engine runs over. It
// is provided by the environment (usbmuxd, a lockdown service socket, or
// an iOS 17+ tunnel); the engine never originates TLS on its own.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// NewTransport wraps conn according to mode. TLSHandshakeOnly performs the
// handshake and then continues on the underlying plaintext stream; TLSFull
// keeps the TLS session for all traffic.
func NewTransport(conn net.Conn, mode TLSMode, cfg *tls.Config) (Transport, error) {
	switch mode {
	case TLSNone:
		return conn, nil
	case TLSHandshakeOnly:
		if cfg == nil {
			return nil, fmt.Errorf("%w: TLS mode requires a tls.Config", ErrInvalidArgument)
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("%w: TLS handshake failed: %v", ErrConnectionFailed, err)
		}
		return conn, nil
	case TLSFull:
		if cfg == nil {
			return nil, fmt.Errorf("%w: TLS mode requires a tls.Config", ErrInvalidArgument)
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("%w: TLS handshake failed: %v", ErrConnectionFailed, err)
		}
		return tlsConn, nil
	}
	return nil, fmt.Errorf("%w: unknown TLS mode %d", ErrInvalidArgument, mode)
}
