// Package dispatch sends closed audio segments to the external processing
// API under bounded concurrency and hands results back to their session in
// segment order.
//
// Every session opens one [Lane]. [Dispatcher.Submit] reserves a global slot
// (a weighted semaphore shared by all lanes) and a per-lane slot in a single
// step; when either ceiling is reached the call fails with
// [ErrDispatcherSaturated] and nothing is recorded, or, for droppable
// segments, the segment is resolved as dropped in its place in the lane.
//
// Each accepted segment runs in its own goroutine. Attempts are bounded by
// the call timeout; transient failures are retried with capped exponential
// backoff, a timed-out attempt is never retried. Completed results wait in
// the lane until every earlier segment has resolved, then flow to the
// lane's [Sink] front to back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultMaxPerSessionInFlight = 2
	DefaultMaxRetries            = 3
	DefaultRetryBase             = 200 * time.Millisecond
	DefaultRetryMax              = 5 * time.Second
	DefaultCallTimeout           = 15 * time.Second
)

// DefaultMaxGlobalInFlight scales the global ceiling with the host.
func DefaultMaxGlobalInFlight() int { return 4 * runtime.NumCPU() }

// Config tunes a Dispatcher.
type Config struct {
	// MaxGlobalInFlight bounds concurrent external calls across all
	// sessions. Zero selects DefaultMaxGlobalInFlight.
	MaxGlobalInFlight int

	// MaxPerSessionInFlight bounds concurrent external calls per lane.
	MaxPerSessionInFlight int

	// MaxRetries is the number of retries after the first attempt. Negative
	// values are rejected; zero disables retries.
	MaxRetries int

	RetryBase   time.Duration
	RetryMax    time.Duration
	CallTimeout time.Duration

	// IsRetryable classifies attempt errors. Defaults to
	// transcribe.IsTransient.
	IsRetryable func(error) bool

	// Metrics receives dispatch instruments. Defaults to
	// observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// Stats is a point-in-time view of dispatcher load.
type Stats struct {
	InFlight          int
	MaxGlobalInFlight int
	Lanes             int
}

// Dispatcher owns all outstanding external calls.
type Dispatcher struct {
	proc    Processor
	cfg     Config
	global  *semaphore.Weighted
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Int64

	// mu guards closed and lanes. Lock order: Lane.mu before mu.
	mu     sync.RWMutex
	closed bool
	lanes  map[*Lane]struct{}
}

// New creates a Dispatcher that runs proc for every accepted segment.
func New(proc Processor, cfg Config) (*Dispatcher, error) {
	if proc == nil {
		return nil, errors.New("dispatch: processor must not be nil")
	}
	if cfg.MaxGlobalInFlight <= 0 {
		cfg.MaxGlobalInFlight = DefaultMaxGlobalInFlight()
	}
	if cfg.MaxPerSessionInFlight <= 0 {
		cfg.MaxPerSessionInFlight = DefaultMaxPerSessionInFlight
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("dispatch: max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.RetryMax < cfg.RetryBase {
		return nil, fmt.Errorf("dispatch: retry max %s is below retry base %s", cfg.RetryMax, cfg.RetryBase)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = transcribe.IsTransient
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		proc:    proc,
		cfg:     cfg,
		global:  semaphore.NewWeighted(int64(cfg.MaxGlobalInFlight)),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[*Lane]struct{}),
	}, nil
}

// Config returns the effective configuration after defaults.
func (d *Dispatcher) Config() Config { return d.cfg }

// Open registers a new lane for sessionID. Results for the lane's segments
// are passed to sink in segment ID order, starting at ID 1.
func (d *Dispatcher) Open(sessionID string, sink Sink) (*Lane, error) {
	if sink == nil {
		return nil, errors.New("dispatch: sink must not be nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	l := &Lane{
		d:         d,
		sessionID: sessionID,
		sink:      sink,
		next:      1,
		pending:   make(map[uint64]*slot),
	}
	d.lanes[l] = struct{}{}
	return l, nil
}

// Submit hands seg to the external API on lane l. Capacity is checked and
// reserved atomically with respect to other submitters.
//
// When saturated, a non-droppable segment yields ErrDispatcherSaturated and
// leaves no trace. A droppable segment is resolved as dropped in order and
// Submit returns its resolved ticket with ErrSegmentDropped.
func (d *Dispatcher) Submit(l *Lane, seg stream.Segment) (*Ticket, error) {
	if l == nil || l.d != d {
		return nil, errors.New("dispatch: lane does not belong to this dispatcher")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrLaneClosed
	}
	if err := l.checkIDLocked(seg.ID); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	if l.inFlight >= d.cfg.MaxPerSessionInFlight || !d.global.TryAcquire(1) {
		if !seg.Droppable {
			return nil, ErrDispatcherSaturated
		}
		t := newTicket(seg.ID, nil)
		l.pending[seg.ID] = &slot{ticket: t, ready: true, res: Result{
			SessionID: l.sessionID,
			SegmentID: seg.ID,
			Status:    StatusDropped,
			Err:       ErrDispatcherSaturated,
		}}
		close(t.done)
		d.metrics.RecordDrop(d.ctx, "saturated")
		go l.release()
		return t, ErrSegmentDropped
	}

	l.inFlight++
	ctx, cancel := context.WithCancel(d.ctx)
	t := newTicket(seg.ID, cancel)
	l.pending[seg.ID] = &slot{ticket: t}

	d.inFlight.Add(1)
	d.metrics.InFlight.Add(ctx, 1)
	d.wg.Add(1)
	go d.run(ctx, l, t, seg)
	return t, nil
}

// Stats returns current load figures.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		InFlight:          int(d.inFlight.Load()),
		MaxGlobalInFlight: d.cfg.MaxGlobalInFlight,
		Lanes:             len(d.lanes),
	}
}

// Wait blocks until no external call is outstanding or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, cancels every outstanding call and waits for
// their goroutines to exit or ctx to end. Cancelled calls still resolve
// through their lane as StatusCancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return d.Wait(ctx)
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	return d.Wait(ctx)
}

func (d *Dispatcher) forget(l *Lane) {
	d.mu.Lock()
	delete(d.lanes, l)
	d.mu.Unlock()
}

// run executes one ticket and resolves it on its lane.
func (d *Dispatcher) run(ctx context.Context, l *Lane, t *Ticket, seg stream.Segment) {
	defer d.wg.Done()

	res := d.process(ctx, t, seg)
	t.cancel()
	d.global.Release(1)
	d.inFlight.Add(-1)
	d.metrics.InFlight.Add(context.Background(), -1)

	res.Latency = time.Since(t.Submitted)
	d.metrics.RecordResult(context.Background(), res.Status.String(), res.Latency.Seconds())

	l.complete(res)
	close(t.done)
}

// process runs the attempt loop for one segment.
func (d *Dispatcher) process(ctx context.Context, t *Ticket, seg stream.Segment) Result {
	ctx, span, log := observe.StartSegment(ctx, seg.SessionID, seg.ID, seg.Duration)

	res := Result{SessionID: seg.SessionID, SegmentID: seg.ID}
	for attempt := 0; ; attempt++ {
		res.Attempts = attempt + 1
		res.Retries = attempt
		t.retries.Store(int32(attempt))

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
		out, err := d.proc.Process(callCtx, seg)
		timedOut := ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
		cancel()

		switch {
		case err == nil:
			res.Status = StatusSuccess
			res.Transcript = out.Transcript
			res.Reply = out.Reply
		case ctx.Err() != nil:
			res.Status = StatusCancelled
			res.Err = ctx.Err()
		case timedOut:
			res.Status = StatusTimedOut
			res.Err = fmt.Errorf("%w after %s: %w", ErrTimedOut, d.cfg.CallTimeout, err)
		case attempt >= d.cfg.MaxRetries || !d.cfg.IsRetryable(err):
			res.Status = StatusFailed
			res.Err = fmt.Errorf("%w: %w", ErrExternalCallFailed, err)
		default:
			delay := Backoff(d.cfg.RetryBase, d.cfg.RetryMax, attempt)
			log.Warn("transient failure, retrying",
				"attempt", attempt+1,
				"max_retries", d.cfg.MaxRetries,
				"backoff", delay,
				"err", err,
			)
			d.metrics.Retries.Add(ctx, 1)
			observe.SegmentRetry(span, attempt+1, delay, err)
			if serr := sleep(ctx, delay); serr != nil {
				res.Status = StatusCancelled
				res.Err = serr
				break
			}
			continue
		}
		break
	}

	observe.EndSegment(span, res.Status.String(), res.Retries, res.Err)
	if res.Status == StatusFailed || res.Status == StatusTimedOut {
		log.Warn("segment processing failed", "status", res.Status, "attempts", res.Attempts, "err", res.Err)
	}
	return res
}
