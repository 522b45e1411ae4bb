// Package app wires the audiostream subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the processing
// pipeline, dispatcher, optional archive and WebSocket server; Run serves
// HTTP until its context ends; Shutdown drains sessions and tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithArchiver,
// WithMetrics). Providers are always passed in by the caller.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/audiostream/internal/config"
	"github.com/MrWong99/audiostream/internal/dispatch"
	"github.com/MrWong99/audiostream/internal/health"
	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/resilience"
	"github.com/MrWong99/audiostream/internal/server"
	"github.com/MrWong99/audiostream/internal/session"
	"github.com/MrWong99/audiostream/internal/storage"
	"github.com/MrWong99/audiostream/internal/stream"
	"github.com/MrWong99/audiostream/pkg/audio"
	"github.com/MrWong99/audiostream/pkg/provider/respond"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
)

// Providers holds the external backends. Transcriber is required; a nil
// Responder disables replies. Populated by main.go via the config registry.
type Providers struct {
	Transcriber transcribe.Provider

	// TranscriberName labels transcription calls in metrics.
	TranscriberName string

	Responder respond.Provider
}

// breakerSet is implemented by a transcriber that fails over between
// backends, each behind a circuit breaker.
type breakerSet interface {
	Breakers() []resilience.BreakerState
	ResetBreakers()
}

// ArchiveCloser is an archive that must be flushed on shutdown.
type ArchiveCloser interface {
	dispatch.Archiver
	Close(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	archiver ArchiveCloser
	disp     *dispatch.Dispatcher
	server   *server.Server
	health   *health.Handler
	httpSrv  *http.Server

	ready chan struct{}
	addr  string

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiver injects a segment archive instead of creating one from
// cfg.Storage.
func WithArchiver(a ArchiveCloser) Option {
	return func(app *App) { app.archiver = a }
}

// WithMetrics injects the metric instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Transcriber == nil {
		return nil, errors.New("app: a transcriber is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Dispatcher ────────────────────────────────────────────────────
	if err := a.initDispatcher(); err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}

	// ── 3. WebSocket server ──────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 4. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil || !a.cfg.Storage.Enabled() {
		return nil
	}
	arch, err := storage.New(ctx, storage.Config{
		Bucket:    a.cfg.Storage.Bucket,
		Region:    a.cfg.Storage.Region,
		Prefix:    a.cfg.Storage.Prefix,
		QueueSize: a.cfg.Storage.QueueSize,
		Metrics:   a.metrics,
	})
	if err != nil {
		return err
	}
	a.archiver = arch
	slog.Info("segment archive enabled", "bucket", a.cfg.Storage.Bucket, "prefix", a.cfg.Storage.Prefix)
	return nil
}

func (a *App) initDispatcher() error {
	pipeline := &dispatch.Pipeline{
		Transcriber: a.providers.Transcriber,
		Responder:   a.providers.Responder,
		Provider:    a.providers.TranscriberName,
		Language:    a.cfg.Providers.Language,
		Metrics:     a.metrics,
	}
	if a.archiver != nil {
		pipeline.Archiver = a.archiver
	}

	d := a.cfg.Dispatch
	disp, err := dispatch.New(pipeline, dispatch.Config{
		MaxGlobalInFlight:     d.MaxGlobalInFlight,
		MaxPerSessionInFlight: d.MaxPerSessionInFlight,
		MaxRetries:            d.MaxRetries,
		RetryBase:             d.RetryBase,
		RetryMax:              d.RetryMax,
		CallTimeout:           d.CallTimeout,
		Metrics:               a.metrics,
	})
	if err != nil {
		return err
	}
	a.disp = disp
	return nil
}

func (a *App) initServer() error {
	seg := a.cfg.Segmenter
	queueDepth := seg.QueueDepth
	if queueDepth == 0 {
		queueDepth = -1 // no backlog: drop as soon as the dispatcher is saturated
	}

	srv, err := server.New(server.Config{
		MaxSessions:    a.cfg.Server.MaxConcurrentSessions,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		Metrics:        a.metrics,
		Session: session.Config{
			Input: audio.Format{
				SampleRate: a.cfg.Audio.SampleRate,
				Channels:   a.cfg.Audio.Channels,
			},
			MaxFrameBytes: a.cfg.Audio.MaxFrameBytes,
			MaxSegment:    seg.MaxSegment,
			Policy: stream.PolicyConfig{
				Mode:      seg.Mode,
				Silence:   seg.Silence,
				Threshold: seg.Threshold,
				Window:    seg.Window,
			},
			QueueDepth:       queueDepth,
			DropOnSaturation: seg.DropOnSaturation,
			FlushInterval:    seg.FlushInterval,
			WriteTimeout:     a.cfg.Server.WriteTimeout,
		},
	}, a.disp)
	if err != nil {
		return err
	}
	a.server = srv
	return nil
}

func (a *App) initHTTP() {
	a.health = health.New(
		health.Capacity("sessions", func() (int, int) {
			return len(a.server.Sessions()), a.cfg.Server.MaxConcurrentSessions
		}),
		health.Capacity("dispatcher", func() (int, int) {
			st := a.disp.Stats()
			return st.InFlight, st.MaxGlobalInFlight
		}),
	).WithStatus(a.status)

	side := http.NewServeMux()
	a.health.Register(side)
	side.Handle("GET /metrics", promhttp.Handler())
	paths := []string{"/healthz", "/readyz", "/statusz", "/metrics"}
	if bs, ok := a.providers.Transcriber.(breakerSet); ok {
		side.HandleFunc("POST /breakers/reset", func(w http.ResponseWriter, r *http.Request) {
			bs.ResetBreakers()
			observe.Logger(r.Context()).Info("transcriber circuit breakers reset", "remote_addr", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			_ = json.NewEncoder(w).Encode(bs.Breakers())
		})
		paths = append(paths, "/breakers/reset")
	}

	mux := http.NewServeMux()
	mux.Handle("/", a.server)
	sideHandler := observe.Middleware(a.metrics)(side)
	for _, p := range paths {
		mux.Handle(p, sideHandler)
	}

	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Status is the /statusz document.
type Status struct {
	Draining   bool            `json:"draining"`
	Sessions   []SessionStatus `json:"sessions"`
	Dispatcher dispatch.Stats  `json:"dispatcher"`

	// Breakers lists the transcriber backends' circuits when failover is
	// configured.
	Breakers []resilience.BreakerState `json:"breakers,omitempty"`
}

// SessionStatus summarises one open session.
type SessionStatus struct {
	ID         string        `json:"id"`
	RemoteAddr string        `json:"remoteAddr"`
	State      string        `json:"state"`
	Uptime     string        `json:"uptime"`
	Stats      session.Stats `json:"stats"`
}

func (a *App) status() any {
	infos := a.server.Sessions()
	st := Status{
		Draining:   a.server.Closing(),
		Sessions:   make([]SessionStatus, 0, len(infos)),
		Dispatcher: a.disp.Stats(),
	}
	if bs, ok := a.providers.Transcriber.(breakerSet); ok {
		st.Breakers = bs.Breakers()
	}
	for _, info := range infos {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:         info.ID,
			RemoteAddr: info.RemoteAddr,
			State:      info.State.String(),
			Uptime:     time.Since(info.StartedAt).Round(time.Second).String(),
			Stats:      info.Stats,
		})
	}
	return st
}

// Handler returns the root HTTP handler: WebSocket upgrades at "/" plus the
// health and metrics endpoints.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// Addr returns the bound listen address once Run is serving, or "" before.
func (a *App) Addr() string {
	select {
	case <-a.ready:
		return a.addr
	default:
		return ""
	}
}

// Ready is closed once Run has bound its listener.
func (a *App) Ready() <-chan struct{} { return a.ready }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled,
// then returns ctx.Err(). Connections stay open; call Shutdown to drain
// them.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.httpSrv.Addr, err)
	}
	a.addr = ln.Addr().String()
	close(a.ready)

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(ln)
	}()

	slog.Info("listening", "addr", a.addr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, drains every session for up to
// server.shutdown_grace (bounded by ctx), then closes the dispatcher and
// archive. Sessions still open after the grace period are closed and their
// outstanding segments cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopErr = a.shutdown(ctx)
	})
	return a.stopErr
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	a.health.MarkDraining()

	graceCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(graceCtx); err != nil {
		slog.Warn("sessions force-closed after grace period", "err", err)
	}

	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	if err := a.disp.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher: %w", err))
	}
	if a.archiver != nil {
		if err := a.archiver.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archive: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}
