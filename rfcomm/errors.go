package rfcomm

import "errors"

// Error kinds reported through OnError and returned from session methods.
// Match them with errors.Is; the wrapped cause is preserved.
var (
	// ErrInvalidConfig is returned by New when the poll configuration is unusable.
	ErrInvalidConfig = errors.New("invalid session config")
	// ErrConnectFailure wraps a transport-layer connect error.
	ErrConnectFailure = errors.New("connect failed")
	// ErrStreamUnavailable means a stream handle was missing when it was needed.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrReadFailure wraps a failed availability check or read. It ends the receive loop.
	ErrReadFailure = errors.New("read failed")
	// ErrWriteFailure wraps a failed send. Sessions survive it.
	ErrWriteFailure = errors.New("write failed")
	// ErrNotReady is reported when sending without an open outbound handle.
	ErrNotReady = errors.New("channel not ready")
	// ErrAlreadyOpen is returned when opening a session that holds handles.
	ErrAlreadyOpen = errors.New("session already open")
)
