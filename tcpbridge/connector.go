// Package tcpbridge connects sessions to serial peripherals exposed over
// raw TCP by a bridge such as ser2net, ESP-Link or an ESP32 running a
// WiFi serial bridge firmware.
package tcpbridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/pollstream"
	"github.com/cyberinferno/blueduff/rfcomm"
)

// Config holds dial and I/O settings for the bridge connection.
type Config struct {
	// ConnectionTimeout is the max duration for establishing a connection.
	ConnectionTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ReadBufferSize is the size of each read that feeds the pollable
	// inbound stream.
	ReadBufferSize int
	// KeepAlive is the TCP keep-alive period; 0 uses the OS default and a
	// negative value disables keep-alives.
	KeepAlive time.Duration
}

// DefaultConfig returns a Config with default values.
//
// Returns:
//   - A Config with defaults: ConnectionTimeout 10s, WriteTimeout 10s,
//     ReadBufferSize 4096, KeepAlive 0.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadBufferSize:    4096,
	}
}

// Connector dials "host:port" device ids.
type Connector struct {
	cfg Config
	log logger.Logger
}

var _ rfcomm.Connector = (*Connector)(nil)

// NewConnector creates a Connector. log may be nil.
func NewConnector(cfg Config, log logger.Logger) *Connector {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Connector{cfg: cfg, log: log}
}

// Connect dials deviceID, a "host:port" address. A raw TCP bridge has no
// link security of its own, so security is only recorded in the log.
func (c *Connector) Connect(ctx context.Context, deviceID string, security rfcomm.Security) (rfcomm.Transport, error) {
	dialer := net.Dialer{
		Timeout:   c.cfg.ConnectionTimeout,
		KeepAlive: c.cfg.KeepAlive,
	}

	conn, err := dialer.DialContext(ctx, "tcp", deviceID)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", deviceID, err)
	}

	c.log.Info("bridge connected",
		logger.Field{Key: "device", Value: deviceID},
		logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
		logger.Field{Key: "security", Value: security.String()})

	size := c.cfg.ReadBufferSize
	if size < 1 {
		size = DefaultConfig().ReadBufferSize
	}

	return &transport{
		conn: conn,
		in:   pollstream.Pump(conn, size),
		out:  &outbound{conn: conn, timeout: c.cfg.WriteTimeout},
	}, nil
}

type transport struct {
	conn      net.Conn
	in        *pollstream.Stream
	out       *outbound
	closeOnce sync.Once
	closeErr  error
}

func (t *transport) Inbound() (rfcomm.Inbound, error) {
	return t.in, nil
}

func (t *transport) Outbound() (rfcomm.Outbound, error) {
	return t.out, nil
}

// Close closes the connection, which also ends the read pump.
func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})

	return t.closeErr
}

type outbound struct {
	conn    net.Conn
	timeout time.Duration
	closed  atomic.Bool
}

func (o *outbound) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	if o.timeout > 0 {
		if err := o.conn.SetWriteDeadline(time.Now().Add(o.timeout)); err != nil {
			return 0, err
		}
	}

	return o.conn.Write(p)
}

func (o *outbound) Close() error {
	o.closed.Store(true)
	return nil
}
