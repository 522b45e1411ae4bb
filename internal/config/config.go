// Package config provides the configuration schema, loader, and provider
// registry for the audiostream server.
//
// Configuration comes from three layers, later ones winning: built-in
// [Defaults], an optional YAML file, and environment variables (see
// [ApplyEnv]).
package config

import (
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/MrWong99/audiostream/internal/stream"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Segmenter SegmenterConfig `yaml:"segmenter"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Debug     DebugConfig     `yaml:"debug"`
}

// ServerConfig holds network, session and logging settings.
type ServerConfig struct {
	// Host and Port form the WebSocket listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel LogLevel `yaml:"log_level"`

	// MaxConcurrentSessions caps open sessions; further upgrades get 503.
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// ShutdownGrace is how long draining sessions may take before they are
	// closed forcibly.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// WriteTimeout bounds each outbound WebSocket message.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// AllowedOrigins lists extra hosts (patterns as understood by
	// path.Match) allowed to connect from a browser.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// ListenAddr returns host:port.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AudioConfig describes what clients send.
type AudioConfig struct {
	SampleRate    int `yaml:"sample_rate"`
	Channels      int `yaml:"channels"`
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// SegmenterConfig configures how each session cuts audio into segments.
type SegmenterConfig struct {
	Mode       stream.Mode   `yaml:"mode"`
	MaxSegment time.Duration `yaml:"max_segment"`

	// Silence detection parameters.
	Silence   time.Duration `yaml:"silence"`
	Threshold float64       `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`

	// QueueDepth bounds segments waiting for dispatcher capacity per
	// session. Zero means a saturated dispatcher drops segments at once.
	QueueDepth int `yaml:"queue_depth"`

	// DropOnSaturation marks segments droppable instead of queueing them.
	DropOnSaturation bool `yaml:"drop_on_saturation"`

	FlushInterval time.Duration `yaml:"flush_interval"`
}

// DispatchConfig bounds external calls.
type DispatchConfig struct {
	MaxGlobalInFlight     int           `yaml:"max_global_in_flight"`
	MaxPerSessionInFlight int           `yaml:"max_per_session_in_flight"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryBase             time.Duration `yaml:"retry_base"`
	RetryMax              time.Duration `yaml:"retry_max"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
}

// ProvidersConfig selects the external processing backends. Each entry names
// a provider registered in the [Registry].
type ProvidersConfig struct {
	// Transcriber is required.
	Transcriber ProviderEntry `yaml:"transcriber"`

	// TranscriberFallbacks are tried in order when the transcriber fails
	// or its circuit breaker is open.
	TranscriberFallbacks []ProviderEntry `yaml:"transcriber_fallbacks"`

	// Responder, when set, generates a reply for every transcript.
	Responder ProviderEntry `yaml:"responder"`

	// Language is the default transcription language hint.
	Language string `yaml:"language"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig configures the segment archive. An empty Bucket disables it.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	QueueSize int    `yaml:"queue_size"`
}

// Enabled reports whether archiving is configured.
func (s StorageConfig) Enabled() bool { return s.Bucket != "" }

// TelemetryConfig controls trace sampling. Metrics are always exported.
type TelemetryConfig struct {
	// TraceSampleRatio is the fraction of new traces recorded, 0 to 1.
	// Requests carrying a sampled traceparent are always recorded.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DebugConfig controls the pprof debug listener.
type DebugConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Defaults returns the built-in configuration. Files and environment
// variables are layered on top of it.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                  "0.0.0.0",
			Port:                  8765,
			LogLevel:              LogInfo,
			MaxConcurrentSessions: 256,
			ShutdownGrace:         10 * time.Second,
			WriteTimeout:          5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			MaxFrameBytes: 64 * 1024,
		},
		Segmenter: SegmenterConfig{
			Mode:          stream.ModeSilenceDetect,
			MaxSegment:    10 * time.Second,
			Silence:       1500 * time.Millisecond,
			Threshold:     300,
			Window:        20 * time.Millisecond,
			QueueDepth:    8,
			FlushInterval: 100 * time.Millisecond,
		},
		Dispatch: DispatchConfig{
			MaxGlobalInFlight:     4 * runtime.NumCPU(),
			MaxPerSessionInFlight: 2,
			MaxRetries:            3,
			RetryBase:             200 * time.Millisecond,
			RetryMax:              5 * time.Second,
			CallTimeout:           15 * time.Second,
		},
		Providers: ProvidersConfig{
			Transcriber: ProviderEntry{Name: "openai"},
		},
		Storage: StorageConfig{
			Prefix:    "segments",
			QueueSize: 64,
		},
		Telemetry: TelemetryConfig{TraceSampleRatio: 1},
		Debug:     DebugConfig{Port: 5678},
	}
}
