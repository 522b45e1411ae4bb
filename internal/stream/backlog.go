package stream

// Backlog is a bounded FIFO of closed segments waiting for dispatcher
// capacity. When full, pushing evicts the oldest segment so memory stays
// bounded; the caller reports the eviction to the client.
type Backlog struct {
	depth int
	items []Segment
}

// NewBacklog returns a Backlog holding at most depth segments. A depth of
// zero disables queueing: every push is evicted immediately.
func NewBacklog(depth int) *Backlog {
	if depth < 0 {
		depth = 0
	}
	return &Backlog{depth: depth, items: make([]Segment, 0, depth)}
}

// Push appends s. If the backlog was full, the oldest segment (or s itself
// when depth is zero) is removed and returned with evicted set to true.
func (q *Backlog) Push(s Segment) (dropped Segment, evicted bool) {
	if q.depth == 0 {
		return s, true
	}
	if len(q.items) == q.depth {
		dropped = q.items[0]
		q.items[0] = Segment{}
		q.items = append(q.items[1:], s)
		return dropped, true
	}
	q.items = append(q.items, s)
	return Segment{}, false
}

// Peek returns the oldest queued segment without removing it.
func (q *Backlog) Peek() (Segment, bool) {
	if len(q.items) == 0 {
		return Segment{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the oldest queued segment.
func (q *Backlog) Pop() (Segment, bool) {
	if len(q.items) == 0 {
		return Segment{}, false
	}
	s := q.items[0]
	q.items[0] = Segment{}
	q.items = q.items[1:]
	return s, true
}

// Drain removes and returns every queued segment, oldest first.
func (q *Backlog) Drain() []Segment {
	out := q.items
	q.items = make([]Segment, 0, q.depth)
	return out
}

// Len returns the number of queued segments.
func (q *Backlog) Len() int { return len(q.items) }

// Depth returns the configured capacity.
func (q *Backlog) Depth() int { return q.depth }
