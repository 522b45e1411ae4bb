// Package server accepts WebSocket connections and runs one
// [session.Session] per connection.
//
// The server enforces the session ceiling: once MaxSessions sessions are
// open, further upgrade requests are answered with 503 before the
// handshake. [Server.Shutdown] asks every session to drain, waits for the
// caller's deadline, then closes whatever is left.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/audiostream/internal/codec"
	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/session"
)

// DefaultMaxSessions is used when Config.MaxSessions is zero.
const DefaultMaxSessions = 256

// Config tunes a Server.
type Config struct {
	// MaxSessions caps concurrently open sessions.
	MaxSessions int

	// Session is the template for every session; ID is filled in per
	// connection.
	Session session.Config

	// OriginPatterns lists additional hosts allowed to open browser
	// connections. See websocket.AcceptOptions.
	OriginPatterns []string

	Metrics *observe.Metrics
}

// Info describes one open session.
type Info struct {
	ID         string
	RemoteAddr string
	StartedAt  time.Time
	State      session.State
	Stats      session.Stats
}

type tracked struct {
	sess       *session.Session
	remoteAddr string
	startedAt  time.Time
}

// Server is an http.Handler for the streaming endpoint.
type Server struct {
	cfg     Config
	disp    *dispatch.Dispatcher
	slots   *semaphore.Weighted
	metrics *observe.Metrics

	// ctx is the parent of every session's Run context. Cancelling it
	// forces all sessions closed.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*tracked
	closing  bool
	wg       sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// New returns a Server that submits segments to disp.
func New(cfg Config, disp *dispatch.Dispatcher) (*Server, error) {
	if disp == nil {
		return nil, errors.New("server: dispatcher must not be nil")
	}
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("server: max sessions must be >= 0, got %d", cfg.MaxSessions)
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	if cfg.Session.MaxFrameBytes <= 0 {
		cfg.Session.MaxFrameBytes = codec.DefaultMaxFrameBytes
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		disp:     disp,
		slots:    semaphore.NewWeighted(int64(cfg.MaxSessions)),
		metrics:  cfg.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*tracked),
	}, nil
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Closing() {
		s.metrics.RecordRejected(r.Context(), "shutdown")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.slots.TryAcquire(1) {
		s.metrics.RecordRejected(r.Context(), "capacity")
		slog.Warn("rejecting connection, at capacity", "remote_addr", r.RemoteAddr, "max_sessions", s.cfg.MaxSessions)
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}
	defer s.slots.Release(1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		slog.Warn("websocket handshake failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	cfg := s.cfg.Session
	cfg.ID = ulid.Make().String()
	sess, err := session.New(cfg, session.LimitFrames(conn, cfg.MaxFrameBytes), s.disp)
	if err != nil {
		slog.Error("failed to create session", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	if !s.track(sess, r.RemoteAddr) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.untrack(sess.ID())

	log := slog.With("session_id", sess.ID())
	log.Info("session accepted", "remote_addr", r.RemoteAddr)
	if err := sess.Run(s.ctx); err != nil {
		log.Warn("session ended with error", "err", err)
	}
}

func (s *Server) track(sess *session.Session, remoteAddr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.ID()] = &tracked{sess: sess, remoteAddr: remoteAddr, startedAt: time.Now()}
	s.wg.Add(1)
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.wg.Done()
}

// Closing reports whether Shutdown has been called.
func (s *Server) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// Sessions returns a snapshot of the open sessions.
func (s *Server) Sessions() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.sessions))
	for id, t := range s.sessions {
		out = append(out, Info{
			ID:         id,
			RemoteAddr: t.remoteAddr,
			StartedAt:  t.startedAt,
			State:      t.sess.State(),
			Stats:      t.sess.Stats(),
		})
	}
	return out
}

// Shutdown stops accepting connections and drains every open session. When
// ctx ends before they are done, the remaining sessions are closed at once,
// their outstanding segments cancelled, and ctx.Err() is returned after
// they have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	open := make([]*session.Session, 0, len(s.sessions))
	for _, t := range s.sessions {
		open = append(open, t.sess)
	}
	s.mu.Unlock()

	slog.Info("draining sessions", "count", len(open))
	for _, sess := range open {
		sess.Drain()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		slog.Info("all sessions drained")
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown grace expired, closing remaining sessions", "count", len(s.Sessions()))
		s.cancel()
		<-done
		return ctx.Err()
	}
}
