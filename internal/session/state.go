package session

import "errors"

// State is a session lifecycle phase.
type State int32

const (
	// StateConnecting is the phase before the WebSocket handshake finished.
	StateConnecting State = iota
	// StateActive accepts audio.
	StateActive
	// StateDraining accepts no new audio and waits for outstanding segments.
	StateDraining
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTransport marks a connection-level failure. The session closes
// immediately and cancels its outstanding segments.
var ErrTransport = errors.New("session: transport error")

// Stats counts segment outcomes of one session. Once the session is closed
// Formed == Delivered + Dropped + Cancelled.
type Stats struct {
	// Frames is the number of binary frames decoded.
	Frames uint64
	// Formed is the number of segments closed by the stream buffer.
	Formed uint64
	// Delivered counts success, failure and timeout results sent to the
	// client.
	Delivered uint64
	// Dropped counts segments shed under load.
	Dropped uint64
	// Cancelled counts segments whose outcome was abandoned because the
	// session ended first.
	Cancelled uint64
}
