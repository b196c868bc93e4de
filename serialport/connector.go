// Package serialport connects sessions to peripherals exposed as serial
// ports: Linux rfcomm ttys bound to a Bluetooth SPP device (/dev/rfcommN),
// macOS Bluetooth serial ports, and USB serial bridges.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.bug.st/serial"

	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/pollstream"
	"github.com/cyberinferno/blueduff/rfcomm"
)

// ErrNoDevices is returned by FirstDevice when no serial port exists.
var ErrNoDevices = errors.New("no serial devices found")

// Config holds the line settings used when opening a port. rfcomm ttys
// ignore them; USB bridges and wired HC-05 modules need them to match.
type Config struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	// ReadChunk is the size of each blocking read that feeds the
	// pollable inbound stream.
	ReadChunk int
}

// DefaultConfig returns 9600 8N1, the HC-05 data mode default, with a
// 1024 byte read chunk.
func DefaultConfig() Config {
	return Config{
		BaudRate:  9600,
		DataBits:  8,
		Parity:    serial.NoParity,
		StopBits:  serial.OneStopBit,
		ReadChunk: 1024,
	}
}

type openFunc func(name string, mode *serial.Mode) (io.ReadWriteCloser, error)

func openPort(name string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	return serial.Open(name, mode)
}

// Connector opens serial ports as rfcomm transports.
type Connector struct {
	cfg  Config
	log  logger.Logger
	open openFunc
}

var _ rfcomm.Connector = (*Connector)(nil)

// NewConnector creates a Connector with the given line settings.
// log may be nil.
func NewConnector(cfg Config, log logger.Logger) *Connector {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Connector{cfg: cfg, log: log, open: openPort}
}

// Connect opens the port named deviceID (e.g. "/dev/rfcomm0", "COM5").
// Link security for a bound rfcomm tty is negotiated by the OS when the
// device is paired, so security is only recorded in the log.
func (c *Connector) Connect(ctx context.Context, deviceID string, security rfcomm.Security) (rfcomm.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: c.cfg.BaudRate,
		DataBits: c.cfg.DataBits,
		Parity:   c.cfg.Parity,
		StopBits: c.cfg.StopBits,
	}

	port, err := c.open(deviceID, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", deviceID, err)
	}

	if r, ok := port.(interface{ ResetInputBuffer() error }); ok {
		if err := r.ResetInputBuffer(); err != nil {
			c.log.Warn("failed to reset input buffer", logger.Field{Key: "device", Value: deviceID}, logger.Field{Key: "error", Value: err})
		}
	}

	c.log.Info("serial port opened",
		logger.Field{Key: "device", Value: deviceID},
		logger.Field{Key: "baud", Value: c.cfg.BaudRate},
		logger.Field{Key: "security", Value: security.String()})

	return newTransport(port, c.cfg.ReadChunk), nil
}

// ListDevices returns the serial ports present on the system, Bluetooth
// rfcomm ports first.
func ListDevices() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return sortDevices(ports), nil
}

// FirstDevice returns the first port ListDevices reports, for setups with a
// single paired peripheral.
func FirstDevice() (string, error) {
	ports, err := ListDevices()
	if err != nil {
		return "", err
	}

	if len(ports) == 0 {
		return "", ErrNoDevices
	}

	return ports[0], nil
}

func sortDevices(ports []string) []string {
	out := slices.Clone(ports)
	slices.SortStableFunc(out, func(a, b string) int {
		ra, rb := isBluetoothPort(a), isBluetoothPort(b)
		switch {
		case ra && !rb:
			return -1
		case rb && !ra:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})

	return out
}

func isBluetoothPort(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "rfcomm") || strings.Contains(lower, "bluetooth")
}

// transport adapts a blocking port to rfcomm.Transport. A pump goroutine
// drains the port into a pollable stream; closing the port stops it.
type transport struct {
	port      io.ReadWriteCloser
	in        *pollstream.Stream
	out       *outbound
	closeOnce sync.Once
	closeErr  error
}

func newTransport(port io.ReadWriteCloser, chunk int) *transport {
	return &transport{
		port: port,
		in:   pollstream.Pump(port, chunk),
		out:  &outbound{port: port},
	}
}

func (t *transport) Inbound() (rfcomm.Inbound, error) {
	return t.in, nil
}

func (t *transport) Outbound() (rfcomm.Outbound, error) {
	return t.out, nil
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.port.Close()
	})

	return t.closeErr
}

// outbound writes to the port. Closing it stops further writes; the port
// itself is released by the transport.
type outbound struct {
	port   io.Writer
	closed atomic.Bool
}

func (o *outbound) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	return o.port.Write(p)
}

func (o *outbound) Close() error {
	o.closed.Store(true)
	return nil
}
