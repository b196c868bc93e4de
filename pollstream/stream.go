// Package pollstream buffers bytes from a push or blocking source so they
// can be drained by a poller that asks how many bytes are available before
// reading, the way a Java InputStream is driven by available().
package pollstream

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by operations on a closed Stream.
var ErrClosed = errors.New("pollstream: stream closed")

// Stream is an in-memory byte queue with an availability count. Producers
// call Write (or use Pump); the consumer polls Available and calls Read.
// It is safe for concurrent use by one producer and one consumer.
type Stream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	err    error
	closed bool
}

// New returns an empty, open Stream.
func New() *Stream {
	return &Stream{}
}

// Write appends p to the stream. It never blocks.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.err != nil {
		return 0, s.err
	}

	return s.buf.Write(p)
}

// CloseWithError marks the producer side as finished. Buffered bytes remain
// readable; once drained, Available and Read return err (io.EOF if nil).
// Only the first call has an effect.
func (s *Stream) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

// Available returns the number of buffered bytes. With nothing buffered it
// returns the producer's error, if any, so a poller notices a dead source.
func (s *Stream) Available() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	n := s.buf.Len()
	if n == 0 && s.err != nil {
		return 0, s.err
	}

	return n, nil
}

// Read copies up to len(p) buffered bytes into p. It does not block: with
// nothing buffered it returns 0 and the producer error, or 0, nil.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if s.buf.Len() == 0 {
		return 0, s.err
	}

	return s.buf.Read(p)
}

// Close discards buffered bytes and closes the consumer side. Safe to call
// multiple times.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.buf.Reset()
	return nil
}

// Pump starts a goroutine that copies r into a new Stream using a chunk of
// size bytes per Read, until r fails. The read error is recorded with
// CloseWithError. Closing r (e.g. the serial port) stops the goroutine.
//
// Parameters:
//   - r: The blocking byte source
//   - size: Read chunk size; values below 1 use 1024
//
// Returns:
//   - The Stream receiving r's bytes
func Pump(r io.Reader, size int) *Stream {
	if size < 1 {
		size = 1024
	}

	s := New()
	go func() {
		chunk := make([]byte, size)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				if _, werr := s.Write(chunk[:n]); werr != nil {
					return
				}
			}

			if err != nil {
				s.CloseWithError(err)
				return
			}
		}
	}()

	return s
}
