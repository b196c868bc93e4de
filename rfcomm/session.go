// Package rfcomm is a client-side transport for serial-style links to
// microcontroller peripherals (Bluetooth RFCOMM modules such as the HC-05,
// rfcomm ttys, BLE UART bridges). A Session owns one connected Transport,
// drains its inbound stream on a background receive loop that reassembles
// bursts into messages, and serializes outbound sends. Lifecycle and data
// events are delivered through Callbacks.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/blueduff/logger"
)

// State represents the lifecycle state of a Session.
type State int

const (
	Closed State = iota // No handles held
	Open                // Handles held and receive loop running
	Failed              // Handles held but the receive loop stopped on an error; call Close
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Option configures optional Session settings.
type Option func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// Session is one connection to a peripheral. It is safe for concurrent use.
//
// Open and Close are serialized. The inbound and outbound handles are both
// held or both released; callers never observe one without the other.
type Session struct {
	cfg       Config
	callbacks Callbacks
	log       logger.Logger
	loop      *ReceiveLoop
	sender    *SendChannel

	lifecycle sync.Mutex

	mu    sync.RWMutex
	state State
	conn  *connection
	// last is the most recently opened connection, kept until released.
	last *connection
}

// Dispatch phases of a connection's receive goroutine.
const (
	phaseIdle        int32 = iota // Not inside OnMessage
	phaseDispatching              // Inside OnMessage
	phaseHandoff                  // Close ran during OnMessage; the receive goroutine releases
	phaseClosing                  // Close owns the release and waits for the loop
)

// connection holds the handles and loop state of one Open.
type connection struct {
	transport Transport
	in        Inbound
	out       Outbound
	cancel    context.CancelFunc
	done      chan struct{}
	released  chan struct{}
	phase     atomic.Int32
}

// New creates a closed Session. The configuration is validated here so a
// bad poll interval or buffer capacity fails before any connection.
//
// Parameters:
//   - cfg: Poll configuration (e.g. from DefaultConfig)
//   - callbacks: Event receiver; nil ignores all events
//   - opts: Optional settings such as WithLogger
//
// Returns:
//   - The Session, or an error wrapping ErrInvalidConfig
func New(cfg Config, callbacks Callbacks, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if callbacks == nil {
		callbacks = CallbackFuncs{}
	}

	s := &Session{
		cfg:       cfg,
		callbacks: callbacks,
		log:       logger.NewNopLogger(),
		state:     Closed,
	}

	for _, opt := range opts {
		opt(s)
	}

	loop, err := NewReceiveLoop(cfg, s.log)
	if err != nil {
		return nil, err
	}

	s.loop = loop
	s.sender = NewSendChannel(nil, cfg.Charset, s.reportError, s.log)
	return s, nil
}

// Config returns the session's poll configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsOpen reports whether the session holds handles and is receiving.
func (s *Session) IsOpen() bool {
	return s.State() == Open
}

// Connect dials deviceID with the configured security mode and opens the
// resulting transport.
//
// Returns:
//   - nil on success; ErrAlreadyOpen, an error wrapping ErrConnectFailure,
//     or an Open error. Connect and stream failures are also reported via OnError.
func (s *Session) Connect(ctx context.Context, connector Connector, deviceID string) error {
	if connector == nil {
		return fmt.Errorf("%w: no connector", ErrConnectFailure)
	}

	if s.State() != Closed {
		return ErrAlreadyOpen
	}

	s.log.Info("connecting",
		logger.Field{Key: "device", Value: deviceID},
		logger.Field{Key: "security", Value: s.cfg.Security.String()})

	t, err := connector.Connect(ctx, deviceID, s.cfg.Security)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrConnectFailure, deviceID, err)
		s.reportError(err)
		return err
	}

	return s.Open(t)
}

// Open takes ownership of a connected transport, obtains its stream pair,
// calls OnConnected and starts the receive loop. If either stream cannot
// be obtained, everything obtained so far is released, ErrStreamUnavailable
// is reported and the session stays closed.
func (s *Session) Open(t Transport) error {
	if t == nil {
		err := fmt.Errorf("%w: no transport", ErrStreamUnavailable)
		s.reportError(err)
		return err
	}

	s.lifecycle.Lock()
	if s.State() != Closed {
		s.lifecycle.Unlock()
		return ErrAlreadyOpen
	}

	if s.releasing() {
		s.lifecycle.Unlock()
		return fmt.Errorf("%w: previous connection is still closing", ErrAlreadyOpen)
	}

	in, out, err := obtainStreams(t)
	if err != nil {
		s.lifecycle.Unlock()
		s.reportError(err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	c := &connection{
		transport: t,
		in:        in,
		cancel:    cancel,
		done:      make(chan struct{}),
		released:  make(chan struct{}),
	}

	s.mu.Lock()
	s.conn = c
	s.last = c
	s.state = Open
	s.sender.attach(out)
	s.mu.Unlock()
	s.lifecycle.Unlock()

	go s.receive(ctx, c, ready)

	s.log.Info("session opened")
	s.callbacks.OnConnected()
	close(ready)

	return nil
}

// releasing reports whether the last connection is closed but its handles
// are not yet released.
func (s *Session) releasing() bool {
	s.mu.RLock()
	c := s.last
	s.mu.RUnlock()

	if c == nil {
		return false
	}

	select {
	case <-c.released:
		return false
	default:
		return true
	}
}

// obtainStreams gets both handles or none of them.
func obtainStreams(t Transport) (Inbound, Outbound, error) {
	in, inErr := t.Inbound()
	out, outErr := t.Outbound()
	if inErr == nil && outErr == nil && in != nil && out != nil {
		return in, out, nil
	}

	if in != nil {
		_ = in.Close()
	}

	if out != nil {
		_ = out.Close()
	}

	_ = t.Close()

	cause := errors.Join(inErr, outErr)
	if cause == nil {
		cause = errors.New("transport returned a nil stream")
	}

	return nil, nil, fmt.Errorf("%w: %w", ErrStreamUnavailable, cause)
}

// receive runs the loop once OnConnected has returned. A loop failure is
// dispatched after done is closed so OnError may call Close.
func (s *Session) receive(ctx context.Context, c *connection, ready chan struct{}) {
	var loopErr error

	func() {
		defer close(c.done)

		select {
		case <-ready:
		case <-ctx.Done():
			return
		}

		s.loop.Run(ctx, c.in, func(msg Message) { s.deliver(c, msg) }, func(err error) { loopErr = err })
	}()

	if c.phase.Load() == phaseHandoff {
		s.release(c)
		return
	}

	if loopErr != nil {
		s.fail(c, loopErr)
	}
}

// deliver calls OnMessage unless Close has already claimed the connection.
func (s *Session) deliver(c *connection, msg Message) {
	if !c.phase.CompareAndSwap(phaseIdle, phaseDispatching) {
		return
	}

	s.callbacks.OnMessage(msg)

	// Fails only if Close handed the release to this goroutine.
	c.phase.CompareAndSwap(phaseDispatching, phaseIdle)
}

// fail marks the session Failed if c is still its open connection.
func (s *Session) fail(c *connection, err error) {
	s.mu.Lock()
	current := s.conn == c && s.state == Open
	if current {
		s.state = Failed
	}
	s.mu.Unlock()

	if !current {
		return
	}

	s.reportError(err)
}

// Close stops the receive loop and releases the inbound handle, the
// outbound handle and the transport. Each release is attempted regardless
// of the others' outcome. OnDisconnected is called once for every opened
// session, including when releases fail; the failures are logged and
// returned joined. Closing a closed session is a no-op.
//
// Close waits for the receive loop to stop, except while OnMessage is
// running: Close may be running inside that callback, so it returns nil at
// once and the receive goroutine releases the handles, logs any release
// failure and calls OnDisconnected when the callback returns. No message
// is delivered after Close starts other than the one in flight. Until the
// release completes, Open fails with ErrAlreadyOpen.
func (s *Session) Close() error {
	s.lifecycle.Lock()

	s.mu.Lock()
	c := s.conn
	if s.state == Closed || c == nil {
		s.mu.Unlock()
		s.lifecycle.Unlock()
		return nil
	}

	s.conn = nil
	s.state = Closed
	c.out = s.sender.detach()
	s.mu.Unlock()

	c.cancel()
	s.lifecycle.Unlock()

	var errs []error
	if err := c.in.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close inbound: %w", err))
	}

	for {
		if c.phase.CompareAndSwap(phaseIdle, phaseClosing) {
			break
		}

		if c.phase.CompareAndSwap(phaseDispatching, phaseHandoff) {
			for _, err := range errs {
				s.log.Warn("release failed", logger.Field{Key: "error", Value: err})
			}
			return nil
		}
	}

	<-c.done
	return s.release(c, errs...)
}

// release closes the outbound handle and the transport, then reports the
// disconnect. errs are earlier release failures to include.
func (s *Session) release(c *connection, errs ...error) error {
	if c.out != nil {
		if err := c.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close outbound: %w", err))
		}
	}

	if err := c.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	close(c.released)

	for _, err := range errs {
		s.log.Warn("release failed", logger.Field{Key: "error", Value: err})
	}

	s.log.Info("session closed")
	s.callbacks.OnDisconnected()

	return errors.Join(errs...)
}

// Send writes p to the peripheral. See SendChannel.Send.
func (s *Session) Send(p []byte) int {
	return s.sender.Send(p)
}

// SendText encodes text with the session charset and sends it.
func (s *Session) SendText(text string) int {
	return s.sender.SendText(text)
}

func (s *Session) reportError(err error) {
	s.log.Error("session error", logger.Field{Key: "error", Value: err})
	s.callbacks.OnError(err)
}
