// Package session runs one streaming client connection: it decodes inbound
// frames, segments the audio, submits segments to the dispatcher and writes
// one outbound message per segment outcome, in segment order.
//
// All session state is owned by a single event loop ([Session.Run]). Three
// kinds of events reach it: inbound WebSocket messages ([Session.OnFrame]),
// the peer closing the connection ([Session.OnClientClose]) and dispatcher
// results ([Session.OnDispatchResult]). A reader goroutine and the
// dispatcher lane feed those events to the loop, so frames of one session
// are never processed concurrently.
//
// Lifecycle:
//
//	Connecting ──Run──▶ Active ──end_of_stream / protocol error / Drain──▶ Draining ──idle──▶ Closed
//	                      │                                                   │
//	                      └──────── peer close / transport error ─────────────┴──▶ Closed
//
// Draining flushes the stream buffer and waits until every formed segment
// has an outcome. A peer close or transport error skips the wait: the
// backlog and in-flight segments are cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/audiostream/internal/codec"
	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/audio"
)

// Defaults applied by New to zero-valued Config fields.
const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultWriteTimeout  = 5 * time.Second
	DefaultQueueDepth    = 8
)

// errBacklogFull is attached to results of segments evicted from the
// backlog.
var errBacklogFull = errors.New("session: segment backlog full")

// Conn is the part of *websocket.Conn a Session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

var _ Conn = (*websocket.Conn)(nil)

// Config tunes one session.
type Config struct {
	// ID identifies the session in logs, results and uploads.
	ID string

	// Input is the PCM format clients send. Zero means canonical.
	Input audio.Format

	// MaxFrameBytes limits one binary message. Zero selects
	// codec.DefaultMaxFrameBytes.
	MaxFrameBytes int

	// MaxSegment bounds segment duration and how long audio may wait in
	// the buffer.
	MaxSegment time.Duration

	// Policy selects the segmentation strategy.
	Policy stream.PolicyConfig

	// QueueDepth bounds segments waiting for dispatcher capacity. Negative
	// disables queueing; zero selects DefaultQueueDepth.
	QueueDepth int

	// DropOnSaturation marks segments droppable so a saturated dispatcher
	// sheds them immediately instead of queueing.
	DropOnSaturation bool

	// FlushInterval is the period of the forward-progress check.
	FlushInterval time.Duration

	// WriteTimeout bounds each outbound message.
	WriteTimeout time.Duration

	Metrics *observe.Metrics
}

type inbound struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Session is one client connection.
type Session struct {
	id      string
	cfg     Config
	conn    Conn
	disp    *dispatch.Dispatcher
	lane    *dispatch.Lane
	dec     *codec.Decoder
	buf     *stream.Buffer
	backlog *stream.Backlog
	policy  string
	metrics *observe.Metrics
	log     *slog.Logger

	state    atomic.Int32
	inbox    chan inbound
	drainReq chan struct{}
	done     chan struct{}

	// Results released by the lane, waiting for the event loop. The lane
	// may release synchronously from inside the loop, so the queue never
	// blocks.
	resMu    sync.Mutex
	resQueue []dispatch.Result
	resReady chan struct{}

	// Owned by the event loop.
	seq         uint64
	closeCode   websocket.StatusCode
	closeReason string
	err         error

	mu    sync.Mutex
	stats Stats
}

// New prepares a session for conn. The session does not read from conn
// until Run is called.
func New(cfg Config, conn Conn, disp *dispatch.Dispatcher) (*Session, error) {
	if conn == nil || disp == nil {
		return nil, errors.New("session: conn and dispatcher are required")
	}
	if cfg.ID == "" {
		return nil, errors.New("session: ID must not be empty")
	}
	if !cfg.Input.Valid() {
		cfg.Input = audio.Canonical
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}
	switch {
	case cfg.QueueDepth == 0:
		cfg.QueueDepth = DefaultQueueDepth
	case cfg.QueueDepth < 0:
		cfg.QueueDepth = 0
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	dec, err := codec.NewDecoder(cfg.Input, cfg.MaxFrameBytes)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	policy, err := stream.NewPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	buf, err := stream.NewBuffer(cfg.ID, cfg.MaxSegment, policy)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	s := &Session{
		id:       cfg.ID,
		cfg:      cfg,
		conn:     conn,
		disp:     disp,
		dec:      dec,
		buf:      buf,
		backlog:  stream.NewBacklog(cfg.QueueDepth),
		policy:   policy.Name(),
		metrics:  cfg.Metrics,
		log:      slog.With("session_id", cfg.ID),
		inbox:    make(chan inbound),
		resReady: make(chan struct{}, 1),
		drainReq: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.lane, err = disp.Open(cfg.ID, s.deliver)
	if err != nil {
		return nil, fmt.Errorf("session: open dispatch lane: %w", err)
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle phase. Safe for concurrent use.
func (s *Session) State() State { return State(s.state.Load()) }

// Stats returns a snapshot of the outcome counters. Safe for concurrent use.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Drain asks an active session to stop accepting audio, finish its
// outstanding segments and close. Safe for concurrent use.
func (s *Session) Drain() {
	select {
	case s.drainReq <- struct{}{}:
	default:
	}
}

// Run drives the session until it is closed. It returns nil after a
// graceful close, an error wrapping ErrTransport after a connection
// failure, or ctx.Err() when ctx ended first; in the last case outstanding
// segments are cancelled and the connection is dropped.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return errors.New("session: already started")
	}
	defer close(s.done)

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go s.readLoop(readCtx)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	s.log.Info("session started", "policy", s.policy, "max_segment", s.cfg.MaxSegment)

	for {
		select {
		case in := <-s.inbox:
			if in.err != nil {
				s.onReadError(in.err)
			} else {
				s.OnFrame(in.typ, in.data)
			}
		case <-s.resReady:
			for _, res := range s.takeResults() {
				s.OnDispatchResult(res)
			}
		case now := <-ticker.C:
			s.onTick(now)
		case <-s.drainReq:
			if s.closeCode == 0 {
				s.closeCode, s.closeReason = websocket.StatusGoingAway, "server shutting down"
			}
			s.beginDrain()
		case <-ctx.Done():
			s.abort(ctx.Err())
		}

		s.finishIfIdle()
		if s.State() == StateClosed {
			return s.err
		}
	}
}

// OnFrame handles one inbound message. Binary messages carry audio; text
// messages carry control commands. Audio arriving after the session left
// Active is ignored.
func (s *Session) OnFrame(typ websocket.MessageType, raw []byte) {
	if s.State() != StateActive {
		return
	}

	switch typ {
	case websocket.MessageText:
		ctrl, err := codec.ParseControl(raw)
		if err != nil {
			s.protocolError(err)
			return
		}
		if ctrl.Type == codec.ControlEndOfStream {
			s.log.Debug("end of stream received")
			s.beginDrain()
		}

	case websocket.MessageBinary:
		s.seq++
		frame, err := s.dec.Decode(raw, codec.FrameMeta{Seq: s.seq, ArrivedAt: time.Now()})
		if err != nil {
			s.protocolError(err)
			return
		}
		s.update(func(st *Stats) { st.Frames++ })

		segs, err := s.buf.Append(frame)
		if err != nil {
			s.protocolError(err)
			return
		}
		for _, seg := range segs {
			s.accept(seg)
		}
	}
}

// OnClientClose handles the peer closing the connection. Nobody is left to
// receive results, so audio not yet segmented is discarded and every
// outstanding segment is cancelled.
func (s *Session) OnClientClose() {
	if s.State() == StateClosed {
		return
	}
	s.log.Info("client closed connection", "state", s.State())
	s.state.Store(int32(StateDraining))
	s.cancelOutstanding()
	s.state.Store(int32(StateClosed))
	_ = s.conn.CloseNow()
}

// OnDispatchResult writes the outbound message for one segment outcome and
// refills the dispatcher from the backlog.
func (s *Session) OnDispatchResult(res dispatch.Result) {
	if s.State() == StateClosed {
		return
	}

	var msg codec.Message
	switch res.Status {
	case dispatch.StatusSuccess:
		msg = codec.Message{Type: codec.TypeResult, SegmentID: res.SegmentID, Transcript: res.Transcript, Reply: res.Reply}
		s.update(func(st *Stats) { st.Delivered++ })
	case dispatch.StatusFailed:
		msg = codec.Message{Type: codec.TypeError, SegmentID: res.SegmentID, Reason: codec.ReasonFailed, Detail: errText(res.Err)}
		s.update(func(st *Stats) { st.Delivered++ })
	case dispatch.StatusTimedOut:
		msg = codec.Message{Type: codec.TypeError, SegmentID: res.SegmentID, Reason: codec.ReasonTimedOut, Detail: errText(res.Err)}
		s.update(func(st *Stats) { st.Delivered++ })
	case dispatch.StatusDropped:
		msg = codec.Message{Type: codec.TypeDropped, SegmentID: res.SegmentID}
		s.update(func(st *Stats) { st.Dropped++ })
	case dispatch.StatusCancelled:
		msg = codec.Message{Type: codec.TypeError, SegmentID: res.SegmentID, Reason: codec.ReasonShutdown}
		s.update(func(st *Stats) { st.Cancelled++ })
	}

	s.log.Debug("segment resolved",
		"segment_id", res.SegmentID,
		"status", res.Status,
		"retries", res.Retries,
		"latency", res.Latency,
	)
	s.write(msg)
	s.pump()
}

// deliver is the lane sink.
func (s *Session) deliver(res dispatch.Result) {
	s.resMu.Lock()
	s.resQueue = append(s.resQueue, res)
	s.resMu.Unlock()
	select {
	case s.resReady <- struct{}{}:
	default:
	}
}

func (s *Session) takeResults() []dispatch.Result {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	out := s.resQueue
	s.resQueue = nil
	return out
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		select {
		case s.inbox <- inbound{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		// An oversized message was consumed whole; the connection is intact.
		if err != nil && !errors.Is(err, codec.ErrFrameTooLarge) {
			return
		}
	}
}

func (s *Session) onReadError(err error) {
	if errors.Is(err, codec.ErrFrameTooLarge) {
		if s.State() == StateActive {
			s.seq++
			s.protocolError(err)
		}
		return
	}
	if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
		s.OnClientClose()
		return
	}
	s.abort(fmt.Errorf("%w: read: %w", ErrTransport, err))
}

func (s *Session) onTick(now time.Time) {
	if s.State() == StateActive {
		if seg, ok := s.buf.FlushStale(now); ok {
			s.accept(seg)
		}
	}
	s.pump()
}

// protocolError reports a malformed inbound message and drains the session.
func (s *Session) protocolError(err error) {
	reason, code := codec.ReasonDecodeError, websocket.StatusUnsupportedData
	switch {
	case errors.Is(err, codec.ErrFrameTooLarge):
		reason, code = codec.ReasonFrameTooLarge, websocket.StatusMessageTooBig
	case errors.Is(err, stream.ErrOutOfOrder):
		reason, code = codec.ReasonOutOfOrder, websocket.StatusPolicyViolation
	}
	s.metrics.RecordFrameError(context.Background(), reason)
	s.log.Warn("protocol error, draining session", "reason", reason, "err", err)

	s.write(codec.Message{Type: codec.TypeError, Reason: reason, Detail: err.Error()})
	s.closeCode, s.closeReason = code, reason
	s.beginDrain()
}

func (s *Session) beginDrain() {
	if s.State() != StateActive {
		return
	}
	s.state.Store(int32(StateDraining))
	if seg, ok := s.buf.Flush(); ok {
		s.accept(seg)
	}
}

// accept takes ownership of a newly formed segment.
func (s *Session) accept(seg stream.Segment) {
	s.update(func(st *Stats) { st.Formed++ })
	s.metrics.RecordSegment(context.Background(), s.policy)
	seg.Droppable = s.cfg.DropOnSaturation

	if s.backlog.Len() > 0 || !s.submit(seg) {
		s.enqueue(seg)
	}
}

// submit reports whether the dispatcher took responsibility for seg.
func (s *Session) submit(seg stream.Segment) bool {
	_, err := s.disp.Submit(s.lane, seg)
	switch {
	case err == nil, errors.Is(err, dispatch.ErrSegmentDropped):
		return true
	case errors.Is(err, dispatch.ErrDispatcherSaturated):
		return false
	default:
		s.log.Warn("segment not dispatched", "segment_id", seg.ID, "err", err)
		if rerr := s.lane.Resolve(seg.ID, dispatch.StatusCancelled, err); rerr != nil {
			s.log.Debug("resolve cancelled segment", "segment_id", seg.ID, "err", rerr)
		}
		return true
	}
}

// enqueue parks seg in the backlog, shedding the oldest segment when full.
func (s *Session) enqueue(seg stream.Segment) {
	dropped, evicted := s.backlog.Push(seg)
	if !evicted {
		return
	}
	s.metrics.RecordDrop(context.Background(), "backlog")
	s.log.Debug("backlog full, dropping segment", "segment_id", dropped.ID)
	if err := s.lane.Resolve(dropped.ID, dispatch.StatusDropped, errBacklogFull); err != nil {
		s.log.Debug("resolve dropped segment", "segment_id", dropped.ID, "err", err)
	}
}

// pump moves backlog segments to the dispatcher while it has capacity.
func (s *Session) pump() {
	for s.State() != StateClosed && s.backlog.Len() > 0 {
		seg, _ := s.backlog.Peek()
		if !s.submit(seg) {
			return
		}
		s.backlog.Pop()
	}
}

// finishIfIdle closes a draining session once every formed segment has an
// outcome.
func (s *Session) finishIfIdle() {
	if s.State() != StateDraining {
		return
	}
	st := s.Stats()
	if st.Formed != st.Delivered+st.Dropped+st.Cancelled {
		return
	}

	s.lane.Close()
	s.state.Store(int32(StateClosed))

	code, reason := s.closeCode, s.closeReason
	if code == 0 {
		code = websocket.StatusNormalClosure
	}
	if err := s.conn.Close(code, reason); err != nil {
		s.log.Debug("close handshake", "err", err)
	}
	s.log.Info("session closed",
		"frames", st.Frames,
		"segments", st.Formed,
		"delivered", st.Delivered,
		"dropped", st.Dropped,
		"cancelled", st.Cancelled,
	)
}

// abort closes the session without waiting for outstanding segments.
func (s *Session) abort(err error) {
	if s.State() == StateClosed {
		return
	}
	s.err = err
	s.log.Warn("session aborted", "err", err)
	s.cancelOutstanding()
	s.state.Store(int32(StateClosed))
	_ = s.conn.CloseNow()
}

// cancelOutstanding cancels in-flight and queued segments and accounts
// for every segment without an outcome as cancelled.
func (s *Session) cancelOutstanding() {
	inFlight := s.lane.Close()
	queued := s.backlog.Drain()

	s.mu.Lock()
	s.stats.Cancelled = s.stats.Formed - s.stats.Delivered - s.stats.Dropped
	st := s.stats
	s.mu.Unlock()

	if inFlight > 0 || len(queued) > 0 {
		s.log.Info("cancelled outstanding segments", "in_flight", inFlight, "queued", len(queued))
	}
	s.log.Info("session closed",
		"frames", st.Frames,
		"segments", st.Formed,
		"delivered", st.Delivered,
		"dropped", st.Dropped,
		"cancelled", st.Cancelled,
	)
}

func (s *Session) write(m codec.Message) {
	if s.State() == StateClosed {
		return
	}
	data, err := codec.Encode(m)
	if err != nil {
		s.log.Error("encode outbound message", "type", m.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.abort(fmt.Errorf("%w: write: %w", ErrTransport, err))
	}
}

func (s *Session) update(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
