package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Ticket tracks one submitted segment from submission until its outcome is
// known.
type Ticket struct {
	SegmentID uint64
	Submitted time.Time

	retries atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
}

func newTicket(id uint64, cancel context.CancelFunc) *Ticket {
	if cancel == nil {
		cancel = func() {}
	}
	return &Ticket{
		SegmentID: id,
		Submitted: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Retries returns the number of retries started so far.
func (t *Ticket) Retries() int { return int(t.retries.Load()) }

// Done is closed once the ticket's outcome is determined.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// slot is one entry of a lane's ordered queue.
type slot struct {
	ticket *Ticket
	ready  bool
	res    Result
}

// Lane is one session's ordered view of the dispatcher. Segment IDs are
// expected to be consecutive from 1: each must be either submitted or
// resolved, or later results stay held.
type Lane struct {
	d         *Dispatcher
	sessionID string
	sink      Sink

	mu        sync.Mutex
	closed    bool
	inFlight  int
	next      uint64
	pending   map[uint64]*slot
	releasing bool
}

// SessionID returns the owning session's identifier.
func (l *Lane) SessionID() string { return l.sessionID }

// InFlight returns the number of external calls currently running for the
// lane.
func (l *Lane) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// Outstanding returns the number of segments tracked but not yet passed to
// the sink, whether still running or held for ordering.
func (l *Lane) Outstanding() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Resolve records an outcome for a segment that never reaches the external
// API, such as a backlog eviction. It takes its place in the ordered queue
// like any other result.
func (l *Lane) Resolve(id uint64, status Status, err error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLaneClosed
	}
	if cerr := l.checkIDLocked(id); cerr != nil {
		l.mu.Unlock()
		return cerr
	}
	t := newTicket(id, nil)
	close(t.done)
	l.pending[id] = &slot{ticket: t, ready: true, res: Result{
		SessionID: l.sessionID,
		SegmentID: id,
		Status:    status,
		Err:       err,
	}}
	l.mu.Unlock()

	l.release()
	return nil
}

// Close cancels every running call of the lane and discards results held
// for ordering. The sink is not called again once Close returns, apart
// from a call already in progress. Close returns the number of segments
// that will never reach the sink.
func (l *Lane) Close() int {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0
	}
	l.closed = true
	n := len(l.pending)
	for _, s := range l.pending {
		if !s.ready {
			s.ticket.cancel()
		}
	}
	l.pending = nil
	l.mu.Unlock()

	l.d.forget(l)
	return n
}

func (l *Lane) checkIDLocked(id uint64) error {
	if id < l.next {
		return fmt.Errorf("%w: segment %d (next undelivered %d)", ErrDuplicateSegment, id, l.next)
	}
	if _, ok := l.pending[id]; ok {
		return fmt.Errorf("%w: segment %d", ErrDuplicateSegment, id)
	}
	return nil
}

// complete stores the outcome of a running call and releases whatever is
// now deliverable.
func (l *Lane) complete(res Result) {
	l.mu.Lock()
	l.inFlight--
	s, ok := l.pending[res.SegmentID]
	if l.closed || !ok {
		l.mu.Unlock()
		return
	}
	s.res = res
	s.ready = true
	l.mu.Unlock()

	l.release()
}

// release passes ready results to the sink front to back. Only one
// goroutine releases at a time; others leave their result in place for it.
// The sink runs without the lane lock held.
func (l *Lane) release() {
	l.mu.Lock()
	if l.releasing {
		l.mu.Unlock()
		return
	}
	l.releasing = true
	for !l.closed {
		s, ok := l.pending[l.next]
		if !ok || !s.ready {
			break
		}
		delete(l.pending, l.next)
		l.next++

		l.mu.Unlock()
		l.sink(s.res)
		l.mu.Lock()
	}
	l.releasing = false
	l.mu.Unlock()
}
