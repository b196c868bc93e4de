package ble

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/blueduff/pollstream"
	"github.com/cyberinferno/blueduff/rfcomm"
)

type characteristicWriter interface {
	Write(p []byte) (int, error)
}

type disconnecter interface {
	Disconnect() error
}

// transport carries a BLE UART bridge as an rfcomm.Transport.
// Notifications are queued in a pollable stream.
type transport struct {
	device    disconnecter
	in        *pollstream.Stream
	out       *outbound
	closeOnce sync.Once
	closeErr  error
}

var _ rfcomm.Transport = (*transport)(nil)

func newTransport(device disconnecter, tx characteristicWriter, mtu int) *transport {
	return &transport{
		device: device,
		in:     pollstream.New(),
		out:    &outbound{tx: tx, mtu: mtu},
	}
}

// notify is the RX notification handler.
func (t *transport) notify(data []byte) {
	_, _ = t.in.Write(data)
}

func (t *transport) Inbound() (rfcomm.Inbound, error) {
	return t.in, nil
}

func (t *transport) Outbound() (rfcomm.Outbound, error) {
	return t.out, nil
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() {
		t.in.CloseWithError(io.ErrClosedPipe)
		t.closeErr = t.device.Disconnect()
	})

	return t.closeErr
}

// outbound splits writes into MTU-sized characteristic writes.
type outbound struct {
	tx     characteristicWriter
	mtu    int
	closed atomic.Bool
}

func (o *outbound) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}

	size := o.mtu
	if size < 1 {
		size = len(p)
	}

	written := 0
	for written < len(p) {
		end := min(written+size, len(p))
		n, err := o.tx.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}

		if n == 0 {
			return written, io.ErrShortWrite
		}
	}

	return written, nil
}

func (o *outbound) Close() error {
	o.closed.Store(true)
	return nil
}
