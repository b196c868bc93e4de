// Package burst reassembles an availability-polled byte stream into discrete
// messages. A peripheral sends bytes in bursts separated by idle gaps; a poll
// that finds no bytes available marks the end of the current burst.
//
// The framing is purely timing based. A sender that pauses mid-message for
// longer than the poll interval will have its message split in two. Device
// firmware is tuned against this cadence, so the accumulator treats every
// empty poll as a boundary with no grace period.
package burst

// State is the accumulator's position in the burst state machine.
type State int

const (
	Idle         State = iota // No partial burst pending
	Accumulating              // At least one non-empty read since the last emit
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Accumulating:
		return "Accumulating"
	default:
		return "Unknown"
	}
}

// ReadResult is the outcome of one poll-and-maybe-read cycle.
type ReadResult struct {
	// Available is the byte count reported by the availability check.
	Available int
	// Data holds the bytes read during this cycle. It may alias a scratch
	// buffer; Feed copies what it keeps.
	Data []byte
}

// Accumulator owns the buffer of the burst currently being assembled.
// It is not safe for concurrent use; a single receive loop owns it.
type Accumulator struct {
	buf   []byte
	state State
}

// NewAccumulator returns an Accumulator in the Idle state.
func NewAccumulator() *Accumulator {
	return &Accumulator{state: Idle}
}

// Feed advances the state machine with the result of one poll.
//
// A poll with bytes available starts a new burst (Idle) or extends the
// current one (Accumulating). A poll with nothing available completes the
// current burst and returns it; on an Idle accumulator it does nothing.
//
// Parameters:
//   - r: The availability count and bytes read for this poll
//
// Returns:
//   - The completed message, owned by the caller
//   - true if a burst boundary was crossed by this poll
func (a *Accumulator) Feed(r ReadResult) ([]byte, bool) {
	if r.Available > 0 {
		if len(r.Data) == 0 {
			return nil, false
		}

		if a.state == Idle {
			a.buf = append(make([]byte, 0, len(r.Data)), r.Data...)
			a.state = Accumulating
			return nil, false
		}

		a.buf = append(a.buf, r.Data...)
		return nil, false
	}

	if a.state != Accumulating {
		return nil, false
	}

	msg := a.buf
	a.buf = nil
	a.state = Idle
	return msg, true
}

// State returns the current state.
func (a *Accumulator) State() State {
	return a.state
}

// Accumulating reports whether a partial burst is pending.
func (a *Accumulator) Accumulating() bool {
	return a.state == Accumulating
}

// Pending returns the number of bytes in the burst being assembled.
func (a *Accumulator) Pending() int {
	return len(a.buf)
}

// Reset drops any partial burst and returns to Idle.
func (a *Accumulator) Reset() {
	a.buf = nil
	a.state = Idle
}
