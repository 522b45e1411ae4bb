// Command audiostream is the entry point for the audio stream WebSocket
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/audiostream/internal/app"
	"github.com/MrWong99/audiostream/internal/config"
	"github.com/MrWong99/audiostream/internal/observe"
	"github.com/MrWong99/audiostream/internal/resilience"
	"github.com/MrWong99/audiostream/pkg/provider/respond"
	oarespond "github.com/MrWong99/audiostream/pkg/provider/respond/openai"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe/awstranscribe"
	oatranscribe "github.com/MrWong99/audiostream/pkg/provider/transcribe/openai"
	"github.com/MrWong99/audiostream/pkg/provider/transcribe/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded into the environment if present")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	// Variables already set in the process environment win over the file.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "audiostream: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "audiostream: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "audiostream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("audiostream starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "audiostream",
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Debug listener ────────────────────────────────────────────────────────
	if cfg.Debug.Enabled {
		go serveDebug(cfg.Debug.Port)
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	// Sessions get ShutdownGrace to drain; the rest of the teardown gets a
	// few seconds on top.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace+5*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, draining sessions", "grace", cfg.Server.ShutdownGrace)
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Transcribers ──────────────────────────────────────────────────────────

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []oatranscribe.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatranscribe.WithBaseURL(entry.BaseURL))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, oatranscribe.WithLanguage(lang))
		}
		if prompt := config.OptString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oatranscribe.WithPrompt(prompt))
		}
		if org := config.OptString(entry.Options, "organization"); org != "" {
			opts = append(opts, oatranscribe.WithOrganization(org))
		}
		return oatranscribe.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("aws", func(entry config.ProviderEntry) (transcribe.Provider, error) {
		var opts []awstranscribe.Option
		if entry.BaseURL != "" {
			opts = append(opts, awstranscribe.WithEndpoint(entry.BaseURL))
		}
		if region := config.OptString(entry.Options, "region"); region != "" {
			opts = append(opts, awstranscribe.WithRegion(region))
		}
		if lang := config.OptString(entry.Options, "language"); lang != "" {
			opts = append(opts, awstranscribe.WithLanguage(lang))
		}
		if ms, ok := config.OptFloat(entry.Options, "chunk_ms"); ok {
			opts = append(opts, awstranscribe.WithChunk(time.Duration(ms)*time.Millisecond))
		}
		return awstranscribe.New(context.Background(), opts...)
	})

	// ── Responders ────────────────────────────────────────────────────────────

	reg.RegisterResponder("openai", func(entry config.ProviderEntry) (respond.Provider, error) {
		var opts []oarespond.Option
		if entry.BaseURL != "" {
			opts = append(opts, oarespond.WithBaseURL(entry.BaseURL))
		}
		if prompt := config.OptString(entry.Options, "system_prompt"); prompt != "" {
			opts = append(opts, oarespond.WithSystemPrompt(prompt))
		}
		if t, ok := config.OptFloat(entry.Options, "temperature"); ok {
			opts = append(opts, oarespond.WithTemperature(t))
		}
		if n, ok := config.OptFloat(entry.Options, "max_tokens"); ok {
			opts = append(opts, oarespond.WithMaxTokens(int(n)))
		}
		return oarespond.New(entry.APIKey, entry.Model, opts...)
	})
}

// buildProviders instantiates the providers named in cfg. Fallback
// transcribers are chained behind the primary with per-backend circuit
// breakers.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	primary := cfg.Providers.Transcriber
	p, err := reg.CreateTranscriber(primary)
	if err != nil {
		return nil, fmt.Errorf("create transcriber %q: %w", primary.Name, err)
	}
	ps.Transcriber = p
	ps.TranscriberName = primary.Name
	slog.Info("provider created", "kind", "transcriber", "name", primary.Name)

	if len(cfg.Providers.TranscriberFallbacks) > 0 {
		fb := resilience.NewTranscriberFallback(p, primary.Name, resilience.FallbackConfig{})
		names := primary.Name
		for _, entry := range cfg.Providers.TranscriberFallbacks {
			alt, err := reg.CreateTranscriber(entry)
			if err != nil {
				return nil, fmt.Errorf("create fallback transcriber %q: %w", entry.Name, err)
			}
			fb.AddFallback(entry.Name, alt)
			names += "+" + entry.Name
			slog.Info("provider created", "kind", "transcriber_fallback", "name", entry.Name)
		}
		ps.Transcriber = fb
		ps.TranscriberName = names
	}

	if name := cfg.Providers.Responder.Name; name != "" {
		r, err := reg.CreateResponder(cfg.Providers.Responder)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("responder not registered, replies disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create responder %q: %w", name, err)
		} else {
			ps.Responder = r
			slog.Info("provider created", "kind", "responder", "name", name)
		}
	}

	return ps, nil
}

// ── Debug listener ────────────────────────────────────────────────────────────

// serveDebug exposes net/http/pprof on localhost.
func serveDebug(port int) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	slog.Info("debug listener enabled", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: http.DefaultServeMux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("debug listener stopped", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      audiostream startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Transcriber", cfg.Providers.Transcriber.Name, cfg.Providers.Transcriber.Model)
	for _, fb := range cfg.Providers.TranscriberFallbacks {
		printProvider("  fallback", fb.Name, fb.Model)
	}
	printProvider("Responder", cfg.Providers.Responder.Name, cfg.Providers.Responder.Model)
	printRow("Segmenter", fmt.Sprintf("%s/%s", cfg.Segmenter.Mode, cfg.Segmenter.MaxSegment))
	printRow("Input", fmt.Sprintf("%d Hz x%d", cfg.Audio.SampleRate, cfg.Audio.Channels))
	printRow("Max sessions", strconv.Itoa(cfg.Server.MaxConcurrentSessions))
	printRow("In flight", fmt.Sprintf("%d/session %d total", cfg.Dispatch.MaxPerSessionInFlight, cfg.Dispatch.MaxGlobalInFlight))
	if cfg.Storage.Enabled() {
		printRow("Archive", "s3://"+cfg.Storage.Bucket)
	} else {
		printRow("Archive", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr())
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Printf("║  %-12s : %-22s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
