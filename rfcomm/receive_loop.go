package rfcomm

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/blueduff/burst"
	"github.com/cyberinferno/blueduff/charset"
	"github.com/cyberinferno/blueduff/logger"
)

// ReceiveLoop polls an Inbound stream on a fixed cadence and turns the
// bytes into messages with a burst.Accumulator. One loop drives one stream.
type ReceiveLoop struct {
	cfg   Config
	codec charset.Codec
	log   logger.Logger
}

// NewReceiveLoop creates a ReceiveLoop for the given poll configuration.
//
// Parameters:
//   - cfg: Poll interval, scratch capacity and charset
//   - log: Logger for burst and failure entries; nil discards
//
// Returns:
//   - The loop, or an error wrapping ErrInvalidConfig
func NewReceiveLoop(cfg Config, log logger.Logger) (*ReceiveLoop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	return &ReceiveLoop{
		cfg:   cfg,
		codec: charset.Lookup(cfg.Charset),
		log:   log,
	}, nil
}

// Run polls in until ctx is cancelled or the stream fails. Each iteration
// sleeps for the poll interval, asks how many bytes are available, reads at
// most BufferCapacity of them and feeds the accumulator. A poll that finds
// nothing available completes the pending burst, which is passed to
// onMessage exactly once. Nothing is delivered once ctx is cancelled.
//
// The first availability or read error is wrapped in ErrReadFailure, passed
// to onError and ends the loop; nothing is retried. Errors seen after ctx
// is cancelled are teardown noise and are not reported. A nil in is
// reported as ErrStreamUnavailable without polling.
func (l *ReceiveLoop) Run(ctx context.Context, in Inbound, onMessage func(Message), onError func(error)) {
	if in == nil {
		onError(fmt.Errorf("%w: inbound stream is not open", ErrStreamUnavailable))
		return
	}

	acc := burst.NewAccumulator()
	scratch := make([]byte, l.cfg.BufferCapacity)

	for l.wait(ctx) {
		result, err := l.poll(in, scratch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			onError(err)
			return
		}

		data, ok := acc.Feed(result)
		if !ok {
			continue
		}

		if ctx.Err() != nil {
			return
		}

		l.log.Debug("burst received", logger.Field{Key: "bytes", Value: len(data)})
		onMessage(Message{
			Data:      data,
			Text:      l.codec.Decode(data),
			Timestamp: time.Now(),
		})
	}
}

// poll performs one availability check and, if bytes are waiting, one read.
func (l *ReceiveLoop) poll(in Inbound, scratch []byte) (burst.ReadResult, error) {
	available, err := in.Available()
	if err != nil {
		return burst.ReadResult{}, fmt.Errorf("%w: available: %w", ErrReadFailure, err)
	}

	if available <= 0 {
		return burst.ReadResult{}, nil
	}

	n, err := in.Read(scratch[:min(available, len(scratch))])
	if err != nil {
		return burst.ReadResult{}, fmt.Errorf("%w: read: %w", ErrReadFailure, err)
	}

	return burst.ReadResult{Available: available, Data: scratch[:n]}, nil
}

// wait sleeps for the poll interval. It returns false once ctx is done.
func (l *ReceiveLoop) wait(ctx context.Context) bool {
	if l.cfg.PollInterval <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(l.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return ctx.Err() == nil
	}
}
