package rfcomm

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errFakeClosed = errors.New("fake stream closed")

// fakeInbound models a device link: ticks[i] arrives just before poll i+1.
type fakeInbound struct {
	mu          sync.Mutex
	ticks       [][]byte
	pending     []byte
	polls       int
	readSizes   []int
	failPollAt  int // 1-based poll that fails Available; 0 never
	failReadAt  int // 1-based read that fails; 0 never
	closeErr    error
	closed      bool
	closeCalls  int
	failOnClose bool // Available fails once closed, like a torn-down socket
}

func newFakeInbound(ticks ...string) *fakeInbound {
	f := &fakeInbound{failOnClose: true}
	for _, t := range ticks {
		f.ticks = append(f.ticks, []byte(t))
	}

	return f
}

func (f *fakeInbound) Available() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed && f.failOnClose {
		return 0, errFakeClosed
	}

	f.polls++
	if f.failPollAt == f.polls {
		return 0, errors.New("socket reset")
	}

	if f.polls <= len(f.ticks) {
		f.pending = append(f.pending, f.ticks[f.polls-1]...)
	}

	return len(f.pending), nil
}

func (f *fakeInbound) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.readSizes = append(f.readSizes, len(p))
	if f.failReadAt == len(f.readSizes) {
		return 0, errors.New("connection aborted")
	}

	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeInbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.closeCalls++
	return f.closeErr
}

func (f *fakeInbound) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeInbound) sizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.readSizes...)
}

type fakeOutbound struct {
	mu         sync.Mutex
	writes     [][]byte
	writeErr   error
	closeErr   error
	closeCalls int
	inWrite    int
	maxInWrite int
	delay      time.Duration
}

func (f *fakeOutbound) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.inWrite++
	f.maxInWrite = max(f.maxInWrite, f.inWrite)
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inWrite--

	if f.writeErr != nil {
		return 0, f.writeErr
	}

	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakeOutbound) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeOutbound) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type fakeTransport struct {
	in         Inbound
	out        Outbound
	inErr      error
	outErr     error
	closeErr   error
	mu         sync.Mutex
	closeCalls int
}

func (f *fakeTransport) Inbound() (Inbound, error) {
	if f.inErr != nil {
		return nil, f.inErr
	}

	return f.in, nil
}

func (f *fakeTransport) Outbound() (Outbound, error) {
	if f.outErr != nil {
		return nil, f.outErr
	}

	return f.out, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

// recorder collects callback invocations.
type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	messages     []Message
	errs         []error
	onMessage    func(Message)
	onError      func(error)
	onConnected  func()
}

func (r *recorder) OnConnected() {
	r.mu.Lock()
	r.connected++
	hook := r.onConnected
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (r *recorder) OnMessage(msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	hook := r.onMessage
	r.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
}

func (r *recorder) OnDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	hook := r.onError
	r.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, string(m.Data))
	}

	return out
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) counts() (connected, disconnected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.disconnected
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	return cfg
}

func runLoop(t interface{ Helper() }, loop *ReceiveLoop, in Inbound, rec *recorder) (context.CancelFunc, <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx, in, rec.OnMessage, rec.OnError)
	}()

	return cancel, done
}

// gatedInbound reports data on its first poll and blocks every later poll
// until release is closed, then reports nothing.
type gatedInbound struct {
	data    []byte
	release chan struct{}
	blocked chan struct{}
	once    sync.Once
	mu      sync.Mutex
	polls   int
}

func newGatedInbound(data string) *gatedInbound {
	return &gatedInbound{
		data:    []byte(data),
		release: make(chan struct{}),
		blocked: make(chan struct{}),
	}
}

func (g *gatedInbound) Available() (int, error) {
	g.mu.Lock()
	g.polls++
	first := g.polls == 1
	g.mu.Unlock()

	if first {
		return len(g.data), nil
	}

	g.once.Do(func() { close(g.blocked) })
	<-g.release
	return 0, nil
}

func (g *gatedInbound) Read(p []byte) (int, error) {
	return copy(p, g.data), nil
}

func (g *gatedInbound) Close() error {
	return nil
}
