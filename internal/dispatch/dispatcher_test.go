package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// ---- helpers ----------------------------------------------------------------

// gated is a Processor whose calls block until the test opens the gate for
// that segment. Each call announces its segment ID on started.
type gated struct {
	mu      sync.Mutex
	gates   map[uint64]chan struct{}
	calls   atomic.Int32
	started chan uint64
}

func newGated(ids ...uint64) *gated {
	g := &gated{
		gates:   make(map[uint64]chan struct{}),
		started: make(chan uint64, 64),
	}
	for _, id := range ids {
		g.gates[id] = make(chan struct{})
	}
	return g
}

func (g *gated) open(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gates[id])
}

func (g *gated) Process(ctx context.Context, seg stream.Segment) (dispatch.Output, error) {
	g.calls.Add(1)
	select {
	case g.started <- seg.ID:
	default:
	}
	g.mu.Lock()
	gate := g.gates[seg.ID]
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return dispatch.Output{}, ctx.Err()
		}
	}
	return dispatch.Output{Transcript: fmt.Sprintf("segment %d", seg.ID)}, nil
}

// waitStarted blocks until the processor has entered the call for id.
func waitStarted(t *testing.T, g *gated, id uint64) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-g.started:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("processor never started segment %d", id)
		}
	}
}

func newDispatcher(t *testing.T, proc dispatch.Processor, cfg dispatch.Config) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(proc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func openLane(t *testing.T, d *dispatch.Dispatcher) (*dispatch.Lane, chan dispatch.Result) {
	t.Helper()
	results := make(chan dispatch.Result, 32)
	l, err := d.Open("sess", func(r dispatch.Result) { results <- r })
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l, results
}

func seg(id uint64) stream.Segment {
	return stream.Segment{ID: id, SessionID: "sess", Duration: 100 * time.Millisecond}
}

func recv(t *testing.T, ch <-chan dispatch.Result) dispatch.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return dispatch.Result{}
	}
}

func expectNone(t *testing.T, ch <-chan dispatch.Result, wait time.Duration) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected result for segment %d (%s)", r.SegmentID, r.Status)
	case <-time.After(wait):
	}
}

func waitDone(t *testing.T, tk *dispatch.Ticket) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("ticket %d never resolved", tk.SegmentID)
	}
}

func mustSubmit(t *testing.T, d *dispatch.Dispatcher, l *dispatch.Lane, s stream.Segment) *dispatch.Ticket {
	t.Helper()
	tk, err := d.Submit(l, s)
	if err != nil {
		t.Fatalf("Submit(%d): %v", s.ID, err)
	}
	return tk
}

// ---- ordering ---------------------------------------------------------------

func TestDispatcher_DeliversInSubmissionOrder(t *testing.T) {
	t.Parallel()
	g := newGated(1, 2, 3)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 3, MaxGlobalInFlight: 8})
	l, results := openLane(t, d)

	tickets := make([]*dispatch.Ticket, 0, 3)
	for id := uint64(1); id <= 3; id++ {
		tickets = append(tickets, mustSubmit(t, d, l, seg(id)))
	}

	// Completion order S3, S1, S2.
	g.open(3)
	waitDone(t, tickets[2])
	expectNone(t, results, 50*time.Millisecond)

	g.open(1)
	if r := recv(t, results); r.SegmentID != 1 || r.Status != dispatch.StatusSuccess {
		t.Fatalf("first result = %d/%s, want 1/success", r.SegmentID, r.Status)
	}
	expectNone(t, results, 50*time.Millisecond)

	g.open(2)
	for _, want := range []uint64{2, 3} {
		if r := recv(t, results); r.SegmentID != want {
			t.Fatalf("result = %d, want %d", r.SegmentID, want)
		}
	}
	if n := l.Outstanding(); n != 0 {
		t.Errorf("Outstanding = %d, want 0", n)
	}
}

// ---- capacity ---------------------------------------------------------------

func TestDispatcher_SaturatedPerSessionNoSideEffects(t *testing.T) {
	t.Parallel()
	g := newGated(1)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 1, MaxGlobalInFlight: 8})
	l, results := openLane(t, d)

	mustSubmit(t, d, l, seg(1))
	waitStarted(t, g, 1)

	tk, err := d.Submit(l, seg(2))
	if !errors.Is(err, dispatch.ErrDispatcherSaturated) {
		t.Fatalf("Submit = %v, want ErrDispatcherSaturated", err)
	}
	if tk != nil {
		t.Error("saturated submit returned a ticket")
	}
	if got := l.Outstanding(); got != 1 {
		t.Errorf("Outstanding = %d, want 1", got)
	}
	if got := d.Stats().InFlight; got != 1 {
		t.Errorf("InFlight = %d, want 1", got)
	}
	if got := g.calls.Load(); got != 1 {
		t.Errorf("processor calls = %d, want 1", got)
	}

	// The rejected ID was not recorded, so it can be submitted again.
	g.open(1)
	recv(t, results)
	mustSubmit(t, d, l, seg(2))
	if r := recv(t, results); r.SegmentID != 2 || r.Status != dispatch.StatusSuccess {
		t.Errorf("result = %d/%s", r.SegmentID, r.Status)
	}
}

func TestDispatcher_GlobalCeilingAcrossLanes(t *testing.T) {
	t.Parallel()
	g := newGated(1)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 2, MaxGlobalInFlight: 1})
	a, _ := openLane(t, d)
	b, _ := openLane(t, d)

	mustSubmit(t, d, a, seg(1))
	if _, err := d.Submit(b, seg(1)); !errors.Is(err, dispatch.ErrDispatcherSaturated) {
		t.Fatalf("second lane Submit = %v, want ErrDispatcherSaturated", err)
	}
	if got := b.InFlight(); got != 0 {
		t.Errorf("lane b InFlight = %d, want 0", got)
	}
	g.open(1)
}

func TestDispatcher_DroppableResolvedInOrder(t *testing.T) {
	t.Parallel()
	g := newGated(1)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 1, MaxGlobalInFlight: 8})
	l, results := openLane(t, d)

	mustSubmit(t, d, l, seg(1))
	s2 := seg(2)
	s2.Droppable = true
	tk, err := d.Submit(l, s2)
	if !errors.Is(err, dispatch.ErrSegmentDropped) {
		t.Fatalf("Submit = %v, want ErrSegmentDropped", err)
	}
	if tk == nil {
		t.Fatal("droppable submit returned no ticket")
	}

	// The drop waits behind segment 1.
	expectNone(t, results, 50*time.Millisecond)
	g.open(1)

	if r := recv(t, results); r.SegmentID != 1 {
		t.Fatalf("first = %d, want 1", r.SegmentID)
	}
	r := recv(t, results)
	if r.SegmentID != 2 || r.Status != dispatch.StatusDropped || !errors.Is(r.Err, dispatch.ErrDispatcherSaturated) {
		t.Errorf("second = %d/%s/%v, want dropped 2", r.SegmentID, r.Status, r.Err)
	}
}

func TestLane_ResolveFillsGap(t *testing.T) {
	t.Parallel()
	g := newGated(1)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 2})
	l, results := openLane(t, d)

	mustSubmit(t, d, l, seg(1))
	if err := l.Resolve(2, dispatch.StatusDropped, nil); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	mustSubmit(t, d, l, seg(3))
	if err := l.Resolve(2, dispatch.StatusDropped, nil); !errors.Is(err, dispatch.ErrDuplicateSegment) {
		t.Errorf("second Resolve = %v, want ErrDuplicateSegment", err)
	}

	g.open(1)
	for _, want := range []dispatch.Status{dispatch.StatusSuccess, dispatch.StatusDropped, dispatch.StatusSuccess} {
		if r := recv(t, results); r.Status != want {
			t.Errorf("segment %d status = %s, want %s", r.SegmentID, r.Status, want)
		}
	}
}

// ---- retries & timeouts -----------------------------------------------------

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	proc := dispatch.ProcessorFunc(func(ctx context.Context, s stream.Segment) (dispatch.Output, error) {
		if attempts.Add(1) <= 2 {
			return dispatch.Output{}, &transcribe.StatusError{Provider: "test", StatusCode: http.StatusGatewayTimeout}
		}
		return dispatch.Output{Transcript: "hello"}, nil
	})
	d := newDispatcher(t, proc, dispatch.Config{
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
		RetryMax:    4 * time.Millisecond,
		CallTimeout: time.Second,
	})
	l, results := openLane(t, d)

	tk := mustSubmit(t, d, l, seg(1))
	r := recv(t, results)
	if r.Status != dispatch.StatusSuccess || r.Transcript != "hello" {
		t.Fatalf("result = %s %q (%v)", r.Status, r.Transcript, r.Err)
	}
	if r.Retries != 2 || r.Attempts != 3 {
		t.Errorf("retries=%d attempts=%d, want 2 and 3", r.Retries, r.Attempts)
	}
	if tk.Retries() != 2 {
		t.Errorf("ticket retries = %d, want 2", tk.Retries())
	}
}

func TestDispatcher_TimeoutNotRetried(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	proc := dispatch.ProcessorFunc(func(ctx context.Context, s stream.Segment) (dispatch.Output, error) {
		attempts.Add(1)
		<-ctx.Done()
		return dispatch.Output{}, ctx.Err()
	})
	d := newDispatcher(t, proc, dispatch.Config{
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
		RetryMax:    time.Millisecond,
		CallTimeout: 20 * time.Millisecond,
		IsRetryable: func(error) bool { return true },
	})
	l, results := openLane(t, d)

	mustSubmit(t, d, l, seg(1))
	r := recv(t, results)
	if r.Status != dispatch.StatusTimedOut || !errors.Is(r.Err, dispatch.ErrTimedOut) {
		t.Fatalf("result = %s (%v), want timed out", r.Status, r.Err)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestDispatcher_FailureClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		err          error
		wantAttempts int
	}{
		{"permanent", &transcribe.StatusError{StatusCode: http.StatusBadRequest}, 1},
		{"exhausted", &transcribe.StatusError{StatusCode: http.StatusServiceUnavailable}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var attempts atomic.Int32
			proc := dispatch.ProcessorFunc(func(context.Context, stream.Segment) (dispatch.Output, error) {
				attempts.Add(1)
				return dispatch.Output{}, tt.err
			})
			d := newDispatcher(t, proc, dispatch.Config{MaxRetries: 2, RetryBase: time.Millisecond, RetryMax: time.Millisecond})
			l, results := openLane(t, d)

			mustSubmit(t, d, l, seg(1))
			r := recv(t, results)
			if r.Status != dispatch.StatusFailed || !errors.Is(r.Err, dispatch.ErrExternalCallFailed) {
				t.Fatalf("result = %s (%v), want failed", r.Status, r.Err)
			}
			if r.Attempts != tt.wantAttempts || int(attempts.Load()) != tt.wantAttempts {
				t.Errorf("attempts = %d (processor %d), want %d", r.Attempts, attempts.Load(), tt.wantAttempts)
			}
		})
	}
}

// ---- cancellation -----------------------------------------------------------

func TestLane_CloseCancelsInFlight(t *testing.T) {
	t.Parallel()
	g := newGated(1, 2)
	d := newDispatcher(t, g, dispatch.Config{MaxPerSessionInFlight: 2})
	l, results := openLane(t, d)

	t1 := mustSubmit(t, d, l, seg(1))
	t2 := mustSubmit(t, d, l, seg(2))

	if n := l.Close(); n != 2 {
		t.Errorf("Close cancelled %d, want 2", n)
	}
	waitDone(t, t1)
	waitDone(t, t2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	expectNone(t, results, 50*time.Millisecond)

	if _, err := d.Submit(l, seg(3)); !errors.Is(err, dispatch.ErrLaneClosed) {
		t.Errorf("Submit after Close = %v, want ErrLaneClosed", err)
	}
	if got := d.Stats(); got.InFlight != 0 || got.Lanes != 0 {
		t.Errorf("Stats = %+v, want idle", got)
	}
	if l.Close() != 0 {
		t.Error("second Close reported cancellations")
	}
}

func TestDispatcher_CloseResolvesAsCancelled(t *testing.T) {
	t.Parallel()
	g := newGated(1)
	d := newDispatcher(t, g, dispatch.Config{})
	l, results := openLane(t, d)
	mustSubmit(t, d, l, seg(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r := recv(t, results); r.Status != dispatch.StatusCancelled {
		t.Errorf("status = %s, want cancelled", r.Status)
	}
	if _, err := d.Open("late", func(dispatch.Result) {}); !errors.Is(err, dispatch.ErrClosed) {
		t.Errorf("Open after Close = %v, want ErrClosed", err)
	}
}

func TestDispatcher_RejectsDuplicateIDs(t *testing.T) {
	t.Parallel()
	d := newDispatcher(t, newGated(), dispatch.Config{})
	l, results := openLane(t, d)

	mustSubmit(t, d, l, seg(1))
	recv(t, results)
	if _, err := d.Submit(l, seg(1)); !errors.Is(err, dispatch.ErrDuplicateSegment) {
		t.Errorf("resubmit = %v, want ErrDuplicateSegment", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := dispatch.New(nil, dispatch.Config{}); err == nil {
		t.Error("expected error for nil processor")
	}
	if _, err := dispatch.New(newGated(), dispatch.Config{MaxRetries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	if _, err := dispatch.New(newGated(), dispatch.Config{RetryBase: time.Second, RetryMax: time.Millisecond}); err == nil {
		t.Error("expected error for max below base")
	}

	d, err := dispatch.New(newGated(), dispatch.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := d.Config()
	if cfg.MaxPerSessionInFlight != dispatch.DefaultMaxPerSessionInFlight ||
		cfg.MaxGlobalInFlight != dispatch.DefaultMaxGlobalInFlight() ||
		cfg.CallTimeout != dispatch.DefaultCallTimeout {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
