// Package hub manages sessions to several peripherals at once, for gateways
// that bridge a fleet of Bluetooth serial modules.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/blueduff/logger"
	"github.com/cyberinferno/blueduff/rfcomm"
)

var (
	// ErrStopped is returned by Connect after Stop.
	ErrStopped = errors.New("hub stopped")

	// ErrUnknownSession is returned for a session id the hub does not hold.
	ErrUnknownSession = errors.New("unknown session")
)

// Device identifies one hub session.
type Device struct {
	ID   uint32
	Name string
}

// Handlers receives events from every hub session. Nil fields are skipped.
// Handlers run on the session's receive goroutine, like rfcomm.Callbacks,
// and must not call Stop.
type Handlers struct {
	Connected    func(d Device)
	Message      func(d Device, msg rfcomm.Message)
	Disconnected func(d Device)
	Error        func(d Device, err error)
}

type entry struct {
	device  Device
	session *rfcomm.Session
}

// Hub opens and tracks sessions through one Connector. A session whose
// receive loop fails is closed and dropped automatically.
type Hub struct {
	log       logger.Logger
	cfg       rfcomm.Config
	connector rfcomm.Connector
	handlers  Handlers

	sessions registry[*entry]
	lastID   atomic.Uint32

	mu      sync.RWMutex
	stopped bool
}

// New creates a Hub. log may be nil.
//
// Parameters:
//   - connector: Opens transports by device id
//   - cfg: Session settings shared by every device
//   - handlers: Event handlers
//   - log: Logger for hub and session events
//
// Returns:
//   - The hub
//   - An error wrapping rfcomm.ErrInvalidConfig if cfg is invalid
func New(connector rfcomm.Connector, cfg rfcomm.Config, handlers Handlers, log logger.Logger) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Hub{
		log:       log,
		cfg:       cfg,
		connector: connector,
		handlers:  handlers,
	}, nil
}

// Connect opens a session to deviceID and registers it.
//
// Returns:
//   - The new session id
//   - An error if the hub is stopped or the session could not connect
func (h *Hub) Connect(ctx context.Context, deviceID string) (uint32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.stopped {
		return 0, ErrStopped
	}

	e := &entry{device: Device{ID: h.lastID.Add(1), Name: deviceID}}
	log := h.log.With(logger.Field{Key: "session", Value: e.device.ID}, logger.Field{Key: "device", Value: deviceID})

	session, err := rfcomm.New(h.cfg, h.callbacks(e), rfcomm.WithLogger(log))
	if err != nil {
		return 0, err
	}
	e.session = session

	h.sessions.store(e.device.ID, e)
	if err := session.Connect(ctx, h.connector, deviceID); err != nil {
		h.sessions.remove(e.device.ID, e)
		return 0, err
	}

	return e.device.ID, nil
}

func (h *Hub) callbacks(e *entry) rfcomm.CallbackFuncs {
	return rfcomm.CallbackFuncs{
		Connected: func() {
			if h.handlers.Connected != nil {
				h.handlers.Connected(e.device)
			}
		},
		Message: func(msg rfcomm.Message) {
			if h.handlers.Message != nil {
				h.handlers.Message(e.device, msg)
			}
		},
		Disconnected: func() {
			h.sessions.remove(e.device.ID, e)
			if h.handlers.Disconnected != nil {
				h.handlers.Disconnected(e.device)
			}
		},
		Error: func(err error) {
			if h.handlers.Error != nil {
				h.handlers.Error(e.device, err)
			}

			if e.session != nil && e.session.State() == rfcomm.Failed {
				_ = e.session.Close()
			}
		},
	}
}

// Get returns the session registered under id.
func (h *Hub) Get(id uint32) (*rfcomm.Session, bool) {
	e, ok := h.sessions.load(id)
	if !ok {
		return nil, false
	}

	return e.session, true
}

// Devices lists the registered sessions in id order.
func (h *Hub) Devices() []Device {
	entries := h.sessions.snapshot()

	devices := make([]Device, 0, len(entries))
	for _, e := range entries {
		devices = append(devices, e.device)
	}

	return devices
}

// Len returns the number of registered sessions.
func (h *Hub) Len() int {
	return h.sessions.len()
}

// Send writes data to session id. Write failures are also delivered to
// the Error handler.
//
// Returns:
//   - The number of bytes written
//   - ErrUnknownSession if id is not registered
func (h *Hub) Send(id uint32, data []byte) (int, error) {
	e, ok := h.sessions.load(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}

	return e.session.Send(data), nil
}

// Broadcast writes data to every open session and returns how many
// accepted all of it.
func (h *Hub) Broadcast(data []byte) int {
	return h.broadcast(func(s *rfcomm.Session) bool {
		return s.Send(data) == len(data)
	})
}

// BroadcastText encodes text with the session charset and sends it to
// every open session. Empty text counts as delivered.
func (h *Hub) BroadcastText(text string) int {
	return h.broadcast(func(s *rfcomm.Session) bool {
		return s.SendText(text) > 0 || text == ""
	})
}

func (h *Hub) broadcast(send func(s *rfcomm.Session) bool) int {
	sent := 0
	for _, e := range h.sessions.snapshot() {
		if e.session.IsOpen() && send(e.session) {
			sent++
		}
	}

	return sent
}

// Disconnect closes session id and removes it.
func (h *Hub) Disconnect(id uint32) error {
	e, ok := h.sessions.take(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}

	return e.session.Close()
}

// Stop closes every session and refuses further connects. It returns the
// joined close errors. Calling Stop again is a no-op.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	var errs []error
	for _, e := range h.sessions.snapshot() {
		h.sessions.remove(e.device.ID, e)
		if err := e.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %d (%s): %w", e.device.ID, e.device.Name, err))
		}
	}

	h.log.Info("hub stopped")
	return errors.Join(errs...)
}
