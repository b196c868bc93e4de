package rfcomm

import (
	"context"
	"io"
)

// Inbound is the receive side of a connected transport. Available reports
// how many bytes can be read without blocking.
type Inbound interface {
	Available() (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Outbound is the send side of a connected transport.
type Outbound interface {
	io.WriteCloser
}

// Transport is a connected socket-like link that hands out one stream pair.
// Session owns a Transport from Open until Close.
type Transport interface {
	Inbound() (Inbound, error)
	Outbound() (Outbound, error)
	Close() error
}

// Connector dials a device and yields a connected Transport.
type Connector interface {
	Connect(ctx context.Context, deviceID string, security Security) (Transport, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, deviceID string, security Security) (Transport, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, deviceID string, security Security) (Transport, error) {
	return f(ctx, deviceID, security)
}

// Security is the RFCOMM link security mode requested when connecting.
type Security int

const (
	Secure   Security = iota // Authenticated, encrypted link (bonded devices)
	Insecure                 // No authentication; for modules without pairing
)

// String returns the mode name.
func (s Security) String() string {
	switch s {
	case Secure:
		return "secure"
	case Insecure:
		return "insecure"
	default:
		return "unknown"
	}
}
