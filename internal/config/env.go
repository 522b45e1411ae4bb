package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with environment variables. Durations ending in
// _MS are whole milliseconds. Unset or empty variables leave cfg alone.
//
// AWS credentials are not read here; the AWS SDK's default credential
// chain picks them up directly.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.strVar("WEBSOCKET_HOST", &cfg.Server.Host)
	e.intVar("WEBSOCKET_PORT", &cfg.Server.Port)
	e.intVar("MAX_CONCURRENT_SESSIONS", &cfg.Server.MaxConcurrentSessions)
	e.millisVar("SHUTDOWN_GRACE_MS", &cfg.Server.ShutdownGrace)
	if v, ok := e.get("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	e.intVar("INPUT_SAMPLE_RATE", &cfg.Audio.SampleRate)
	e.intVar("INPUT_CHANNELS", &cfg.Audio.Channels)

	e.millisVar("MAX_SEGMENT_MS", &cfg.Segmenter.MaxSegment)
	e.millisVar("SILENCE_MS", &cfg.Segmenter.Silence)
	e.floatVar("SILENCE_THRESHOLD", &cfg.Segmenter.Threshold)
	e.intVar("SEGMENT_QUEUE_DEPTH", &cfg.Segmenter.QueueDepth)

	e.intVar("MAX_RETRIES", &cfg.Dispatch.MaxRetries)
	e.millisVar("RETRY_BASE_MS", &cfg.Dispatch.RetryBase)
	e.millisVar("RETRY_MAX_MS", &cfg.Dispatch.RetryMax)
	e.millisVar("CALL_TIMEOUT_MS", &cfg.Dispatch.CallTimeout)
	e.intVar("MAX_GLOBAL_IN_FLIGHT", &cfg.Dispatch.MaxGlobalInFlight)
	e.intVar("MAX_PER_SESSION_IN_FLIGHT", &cfg.Dispatch.MaxPerSessionInFlight)

	// The OpenAI key serves every OpenAI-backed provider that has none.
	if key, ok := e.get("OPENAI_API_KEY"); ok {
		if cfg.Providers.Transcriber.Name == "openai" && cfg.Providers.Transcriber.APIKey == "" {
			cfg.Providers.Transcriber.APIKey = key
		}
		for i := range cfg.Providers.TranscriberFallbacks {
			fb := &cfg.Providers.TranscriberFallbacks[i]
			if fb.Name == "openai" && fb.APIKey == "" {
				fb.APIKey = key
			}
		}
		if cfg.Providers.Responder.Name == "openai" && cfg.Providers.Responder.APIKey == "" {
			cfg.Providers.Responder.APIKey = key
		}
	}
	e.strVar("TRANSCRIBE_LANGUAGE", &cfg.Providers.Language)

	e.strVar("AUDIO_BUCKET", &cfg.Storage.Bucket)
	e.strVar("AWS_REGION", &cfg.Storage.Region)

	e.boolVar("DEBUG", &cfg.Debug.Enabled)
	e.intVar("DEBUG_PORT", &cfg.Debug.Port)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) strVar(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) intVar(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: env %s=%q: not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) floatVar(key string, dst *float64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: env %s=%q: not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) millisVar(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		e.errs = append(e.errs, fmt.Errorf("config: env %s=%q: want non-negative milliseconds", key, v))
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}

func (e *envReader) boolVar(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: env %s=%q: not a boolean", key, v))
		return
	}
	*dst = b
}
