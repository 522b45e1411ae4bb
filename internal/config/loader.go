package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/audiostream/internal/stream"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"transcriber": {"openai", "whisper", "aws"},
	"responder":   {"openai"},
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. Environment variables are not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}
	if cfg.Server.MaxConcurrentSessions <= 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent_sessions must be positive, got %d", cfg.Server.MaxConcurrentSessions))
	}
	if cfg.Server.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_grace must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}
	if cfg.Audio.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_frame_bytes must be positive, got %d", cfg.Audio.MaxFrameBytes))
	}

	// Segmenter
	seg := cfg.Segmenter
	if !seg.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("segmenter.mode %q is invalid; valid values: %s, %s", seg.Mode, stream.ModeFixedWindow, stream.ModeSilenceDetect))
	}
	if seg.MaxSegment <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.max_segment must be positive"))
	}
	if seg.Mode == stream.ModeSilenceDetect {
		if seg.Silence <= 0 {
			errs = append(errs, fmt.Errorf("segmenter.silence must be positive for %s", seg.Mode))
		}
		if seg.Threshold < 0 || seg.Threshold > 32767 {
			errs = append(errs, fmt.Errorf("segmenter.threshold %.1f is out of range [0, 32767]", seg.Threshold))
		}
		if seg.Silence >= seg.MaxSegment {
			slog.Warn("segmenter.silence is not below max_segment; segments will always end at max_segment",
				"silence", seg.Silence, "max_segment", seg.MaxSegment)
		}
	}
	if seg.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("segmenter.queue_depth must not be negative, got %d", seg.QueueDepth))
	}

	// Dispatch
	d := cfg.Dispatch
	if d.MaxGlobalInFlight <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_global_in_flight must be positive, got %d", d.MaxGlobalInFlight))
	}
	if d.MaxPerSessionInFlight <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_per_session_in_flight must be positive, got %d", d.MaxPerSessionInFlight))
	}
	if d.MaxPerSessionInFlight > d.MaxGlobalInFlight && d.MaxGlobalInFlight > 0 {
		slog.Warn("dispatch.max_per_session_in_flight exceeds max_global_in_flight",
			"per_session", d.MaxPerSessionInFlight, "global", d.MaxGlobalInFlight)
	}
	if d.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_retries must not be negative, got %d", d.MaxRetries))
	}
	if d.RetryBase <= 0 || d.RetryMax < d.RetryBase {
		errs = append(errs, fmt.Errorf("dispatch.retry_base (%s) must be positive and not above retry_max (%s)", d.RetryBase, d.RetryMax))
	}
	if d.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.call_timeout must be positive"))
	}

	// Providers
	if cfg.Providers.Transcriber.Name == "" {
		errs = append(errs, fmt.Errorf("providers.transcriber.name is required"))
	}
	validateProviderName("transcriber", cfg.Providers.Transcriber.Name)
	for i, fb := range cfg.Providers.TranscriberFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.transcriber_fallbacks[%d].name is required", i))
		}
		validateProviderName("transcriber", fb.Name)
	}
	validateProviderName("responder", cfg.Providers.Responder.Name)

	// Storage
	if cfg.Storage.Enabled() && cfg.Storage.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("storage.queue_size must be positive when storage.bucket is set"))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %g must be between 0 and 1", r))
	}

	// Debug
	if cfg.Debug.Enabled && (cfg.Debug.Port <= 0 || cfg.Debug.Port > 65535) {
		errs = append(errs, fmt.Errorf("debug.port %d is out of range", cfg.Debug.Port))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
