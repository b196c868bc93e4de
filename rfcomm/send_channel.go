package rfcomm

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/blueduff/charset"
	"github.com/cyberinferno/blueduff/logger"
)

// SendChannel writes outbound messages through the session's Outbound
// handle. Sends are serialized; failures are reported through onError and
// never returned or panicked past the call.
type SendChannel struct {
	mu      sync.Mutex
	out     Outbound
	codec   charset.Codec
	onError func(error)
	log     logger.Logger
}

// NewSendChannel creates a SendChannel. out may be nil until a session
// attaches one; onError and log may be nil.
func NewSendChannel(out Outbound, charsetName string, onError func(error), log logger.Logger) *SendChannel {
	if onError == nil {
		onError = func(error) {}
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &SendChannel{
		out:     out,
		codec:   charset.Lookup(charsetName),
		onError: onError,
		log:     log,
	}
}

// Send writes p with a single Write call.
//
// Returns:
//   - The number of bytes written; 0 if the channel is not ready or the
//     write failed, in which case onError has been called
func (c *SendChannel) Send(p []byte) int {
	n, err := c.send(p)
	if err != nil {
		c.onError(err)
		return 0
	}

	c.log.Debug("bytes written", logger.Field{Key: "bytes", Value: n})
	return n
}

// SendText encodes s with the configured charset and sends it.
func (c *SendChannel) SendText(s string) int {
	return c.Send(c.codec.Encode(s))
}

// Ready reports whether an Outbound handle is attached.
func (c *SendChannel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out != nil
}

func (c *SendChannel) send(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.out == nil {
		return 0, ErrNotReady
	}

	n, err := c.out.Write(p)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}

	return n, nil
}

// attach installs out, waiting for any in-flight send.
func (c *SendChannel) attach(out Outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
}

// detach removes and returns the handle, waiting for any in-flight send.
func (c *SendChannel) detach() Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.out
	c.out = nil
	return out
}
