package rfcomm

import "time"

// Message is one reassembled burst. Data is owned by the receiver.
type Message struct {
	Data      []byte    // The burst bytes
	Text      string    // Data decoded with the session charset
	Timestamp time.Time // When the burst boundary was detected
}

// Callbacks receives session lifecycle and data events. OnMessage and
// receive-path OnError calls run on the session's receive goroutine, in
// order; OnError from a send runs on the sending goroutine.
type Callbacks interface {
	// OnConnected is called exactly once per successful Open.
	OnConnected()
	// OnMessage is called once per detected burst.
	OnMessage(msg Message)
	// OnDisconnected is called once when an opened session is closed.
	OnDisconnected()
	// OnError reports connect, stream, read and write failures.
	OnError(err error)
}

// CallbackFuncs implements Callbacks with optional functions. Nil fields
// are skipped.
type CallbackFuncs struct {
	Connected    func()
	Message      func(msg Message)
	Disconnected func()
	Error        func(err error)
}

var _ Callbacks = CallbackFuncs{}

// OnConnected implements Callbacks.
func (f CallbackFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

// OnMessage implements Callbacks.
func (f CallbackFuncs) OnMessage(msg Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

// OnDisconnected implements Callbacks.
func (f CallbackFuncs) OnDisconnected() {
	if f.Disconnected != nil {
		f.Disconnected()
	}
}

// OnError implements Callbacks.
func (f CallbackFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
