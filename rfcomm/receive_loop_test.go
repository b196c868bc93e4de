package rfcomm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestLoop(t *testing.T, cfg Config) *ReceiveLoop {
	t.Helper()

	loop, err := NewReceiveLoop(cfg, nil)
	require.NoError(t, err)
	return loop
}

func TestNewReceiveLoop_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 0

	loop, err := NewReceiveLoop(cfg, nil)
	assert.Nil(t, loop)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestReceiveLoop_SingleBurst(t *testing.T) {
	in := newFakeInbound("HELLO")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"HELLO"}, rec.texts())
	assert.Equal(t, "HELLO", rec.messages[0].Text)
	assert.False(t, rec.messages[0].Timestamp.IsZero())
}

func TestReceiveLoop_BurstSpanningPolls(t *testing.T) {
	in := newFakeInbound("ABC", "DE")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"ABCDE"}, rec.texts())
}

func TestReceiveLoop_SeparateBursts(t *testing.T) {
	in := newFakeInbound("ping", "", "", "pong", "!")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"ping", "pong!"}, rec.texts())
}

func TestReceiveLoop_QuietStreamEmitsNothing(t *testing.T) {
	in := newFakeInbound()
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)

	require.Eventually(t, func() bool { return in.pollCount() > 10 }, waitFor, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, rec.texts())
	assert.Empty(t, rec.errors())
}

func TestReceiveLoop_ReadBoundedByCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 4
	in := newFakeInbound("0123456789")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, cfg), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"0123456789"}, rec.texts())

	sizes := in.sizes()
	require.Len(t, sizes, 3)
	for _, n := range sizes {
		assert.LessOrEqual(t, n, 4)
	}
}

func TestReceiveLoop_ReadSizeBoundedByAvailable(t *testing.T) {
	in := newFakeInbound("AB")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, []int{2}, in.sizes())
}

func TestReceiveLoop_DecodesWithCharset(t *testing.T) {
	cfg := testConfig()
	cfg.Charset = "ISO-8859-1"
	in := newFakeInbound(string([]byte{'c', 'a', 'f', 0xe9}))
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, cfg), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "café", rec.messages[0].Text)
}

func TestReceiveLoop_InvalidCharsetFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.Charset = "no-such-charset"
	in := newFakeInbound("plain")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, cfg), in, rec)
	defer func() { cancel(); <-done }()

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "plain", rec.messages[0].Text)
	assert.Empty(t, rec.errors())
}

func TestReceiveLoop_ReadFailureStopsLoop(t *testing.T) {
	in := newFakeInbound("AB", "", "CD", "EF")
	in.failReadAt = 2
	rec := &recorder{}

	_, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("receive loop did not stop after read failure")
	}

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReadFailure)
	assert.Equal(t, []string{"AB"}, rec.texts())

	polls := in.pollCount()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, in.pollCount())
}

func TestReceiveLoop_AvailableFailureStopsLoop(t *testing.T) {
	in := newFakeInbound("AB")
	in.failPollAt = 2
	rec := &recorder{}

	_, done := runLoop(t, newTestLoop(t, testConfig()), in, rec)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("receive loop did not stop after availability failure")
	}

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReadFailure)
	assert.Empty(t, rec.texts())
}

func TestReceiveLoop_NilStream(t *testing.T) {
	rec := &recorder{}

	newTestLoop(t, testConfig()).Run(context.Background(), nil, rec.OnMessage, rec.OnError)

	errs := rec.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamUnavailable)
}

func TestReceiveLoop_CancelInterruptsSleep(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	in := newFakeInbound("never polled")
	rec := &recorder{}

	cancel, done := runLoop(t, newTestLoop(t, cfg), in, rec)
	cancel()

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("cancel did not interrupt the poll sleep")
	}

	assert.Zero(t, in.pollCount())
	assert.Empty(t, rec.errors())
}

func TestReceiveLoop_ErrorAfterCancelNotReported(t *testing.T) {
	in := newFakeInbound()
	rec := &recorder{}
	loop := newTestLoop(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	var polls int
	wrapped := &cancelOnPoll{Inbound: in, cancel: cancel, polls: &polls}

	loop.Run(ctx, wrapped, rec.OnMessage, rec.OnError)

	assert.Empty(t, rec.errors())
	assert.Equal(t, 1, polls)
}

// cancelOnPoll cancels the loop context and then fails, as a socket torn
// down by Close does.
type cancelOnPoll struct {
	Inbound
	cancel context.CancelFunc
	polls  *int
}

func (c *cancelOnPoll) Available() (int, error) {
	*c.polls++
	c.cancel()
	return 0, errFakeClosed
}

func TestReceiveLoop_NoDeliveryAfterCancel(t *testing.T) {
	in := newGatedInbound("late")
	rec := &recorder{}
	loop := newTestLoop(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx, in, rec.OnMessage, rec.OnError)
	}()

	select {
	case <-in.blocked:
	case <-time.After(waitFor):
		t.Fatal("receive loop never reached the second poll")
	}

	cancel()
	close(in.release)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("receive loop did not stop")
	}

	assert.Empty(t, rec.texts())
	assert.Empty(t, rec.errors())
}
