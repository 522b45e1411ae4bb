package dispatch

import (
	"errors"
	"time"
)

// Status is the final outcome of one segment.
type Status int

const (
	// StatusSuccess means the provider returned a transcript.
	StatusSuccess Status = iota
	// StatusFailed means the provider failed permanently or retries ran out.
	StatusFailed
	// StatusTimedOut means an attempt exceeded the call timeout.
	StatusTimedOut
	// StatusDropped means the segment was shed under load and never sent.
	StatusDropped
	// StatusCancelled means the owning session went away first.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusDropped:
		return "dropped"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrDispatcherSaturated is returned by Submit when either concurrency
	// ceiling is reached and the segment is not droppable. Nothing was
	// recorded.
	ErrDispatcherSaturated = errors.New("dispatch: saturated")

	// ErrSegmentDropped is returned by Submit when a droppable segment met a
	// saturated dispatcher. The drop is already resolved on the lane.
	ErrSegmentDropped = errors.New("dispatch: segment dropped")

	// ErrLaneClosed is returned when submitting to a closed lane.
	ErrLaneClosed = errors.New("dispatch: lane closed")

	// ErrClosed is returned once the dispatcher has shut down.
	ErrClosed = errors.New("dispatch: dispatcher closed")

	// ErrTimedOut is wrapped into Result.Err when an attempt exceeded the
	// call timeout.
	ErrTimedOut = errors.New("dispatch: call timed out")

	// ErrExternalCallFailed is wrapped into Result.Err when the external
	// call failed permanently or ran out of retries.
	ErrExternalCallFailed = errors.New("dispatch: external call failed")

	// ErrDuplicateSegment is returned when a segment ID was already
	// submitted or resolved on the lane.
	ErrDuplicateSegment = errors.New("dispatch: segment already tracked")
)

// Result is the outcome of one segment, delivered to the lane's sink in
// segment order.
type Result struct {
	SessionID string
	SegmentID uint64
	Status    Status

	Transcript string
	Reply      string

	// Err is the last error for Failed and TimedOut, and the shedding reason
	// for Dropped.
	Err error

	// Attempts counts provider calls; Retries is Attempts-1 for segments
	// that reached a provider at all.
	Attempts int
	Retries  int

	// Latency covers submission to outcome.
	Latency time.Duration
}

// Sink receives results for one lane. It is called from dispatcher
// goroutines, at most one call at a time per lane, in segment ID order.
type Sink func(Result)
