package rfcomm

import (
	"fmt"
	"time"

	"github.com/cyberinferno/blueduff/charset"
)

// Config holds the poll configuration of a session. It is fixed for the
// session's lifetime.
type Config struct {
	// PollInterval is the sleep between availability checks. It sets the
	// framing granularity: a sender pause longer than this ends a message.
	PollInterval time.Duration
	// BufferCapacity is the size of the read scratch buffer, i.e. the most
	// bytes taken from the stream by a single read call.
	BufferCapacity int
	// Charset names the text encoding for Message.Text and SendText.
	// Unknown names silently fall back to UTF-8.
	Charset string
	// Security selects the RFCOMM security mode passed to connectors.
	Security Security
}

// DefaultConfig returns a Config with defaults: PollInterval 10ms,
// BufferCapacity 1024, Charset UTF-8, Security Secure.
func DefaultConfig() Config {
	return Config{
		PollInterval:   10 * time.Millisecond,
		BufferCapacity: 1024,
		Charset:        charset.Default,
		Security:       Secure,
	}
}

// Validate reports whether the configuration can drive a receive loop.
// The charset is not validated; it falls back instead.
//
// Returns:
//   - nil if valid; otherwise an error wrapping ErrInvalidConfig
func (c Config) Validate() error {
	if c.PollInterval < 0 {
		return fmt.Errorf("%w: poll interval %s is negative", ErrInvalidConfig, c.PollInterval)
	}

	if c.BufferCapacity < 1 {
		return fmt.Errorf("%w: buffer capacity %d must be positive", ErrInvalidConfig, c.BufferCapacity)
	}

	switch c.Security {
	case Secure, Insecure:
	default:
		return fmt.Errorf("%w: unknown security mode %d", ErrInvalidConfig, c.Security)
	}

	return nil
}
