package stream

import (
	"fmt"
	"time"

	"github.com/MrWong99/audiostream/pkg/audio"
)

// Decision is a [Policy] verdict for one analysed piece of audio.
type Decision int

const (
	// Keep appends the piece to the open segment.
	Keep Decision = iota

	// Cut appends the piece and closes the open segment after it.
	Cut

	// Discard skips the piece. Only honoured while no segment is open, so
	// segments always cover contiguous audio.
	Discard
)

// Policy decides where segments end in addition to the maximum segment
// duration, which the [Buffer] enforces for every policy. A Policy holds
// per-stream state; create one per session.
type Policy interface {
	// Name identifies the policy in logs.
	Name() string

	// Window is the analysis granularity. The buffer passes at most this much
	// audio to each Observe call. Zero means no limit.
	Window() time.Duration

	// Observe inspects a piece of audio before it is appended.
	Observe(pcm []byte, f audio.Format) Decision

	// Reset clears per-segment state. Called every time a segment closes.
	Reset()
}

// Mode selects a segmentation policy from configuration.
type Mode string

const (
	ModeFixedWindow   Mode = "fixed_window"
	ModeSilenceDetect Mode = "silence_detect"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeFixedWindow || m == ModeSilenceDetect
}

// PolicyConfig is the tagged configuration for [NewPolicy]. Only the fields
// relevant to Mode are read.
type PolicyConfig struct {
	Mode Mode

	// SilenceDetect parameters.
	Silence   time.Duration
	Threshold float64
	Window    time.Duration
}

const (
	defaultSilence   = 1500 * time.Millisecond
	defaultThreshold = 300.0
	defaultWindow    = 20 * time.Millisecond
)

// NewPolicy builds a fresh Policy for one session.
func NewPolicy(cfg PolicyConfig) (Policy, error) {
	switch cfg.Mode {
	case ModeFixedWindow, "":
		return FixedWindow{}, nil
	case ModeSilenceDetect:
		return NewSilenceDetect(cfg.Threshold, cfg.Silence, cfg.Window), nil
	default:
		return nil, fmt.Errorf("stream: unknown segmentation mode %q", cfg.Mode)
	}
}

// FixedWindow never closes a segment early; segments end only at the
// maximum duration or on flush.
type FixedWindow struct{}

func (FixedWindow) Name() string                          { return string(ModeFixedWindow) }
func (FixedWindow) Window() time.Duration                 { return 0 }
func (FixedWindow) Observe([]byte, audio.Format) Decision { return Keep }
func (FixedWindow) Reset()                                {}

// SilenceDetect closes a segment once the RMS energy has stayed below the
// threshold for the configured silence duration after some speech. Silence
// before the first speech in a segment is discarded.
type SilenceDetect struct {
	threshold float64
	silence   time.Duration
	window    time.Duration

	hadSpeech bool
	quiet     time.Duration
}

// NewSilenceDetect returns a SilenceDetect policy. Zero values select the
// defaults: threshold 300, silence 1.5 s, window 20 ms.
func NewSilenceDetect(threshold float64, silence, window time.Duration) *SilenceDetect {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if silence <= 0 {
		silence = defaultSilence
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &SilenceDetect{threshold: threshold, silence: silence, window: window}
}

func (s *SilenceDetect) Name() string          { return string(ModeSilenceDetect) }
func (s *SilenceDetect) Window() time.Duration { return s.window }

func (s *SilenceDetect) Observe(pcm []byte, f audio.Format) Decision {
	if audio.RMS(pcm) >= s.threshold {
		s.hadSpeech = true
		s.quiet = 0
		return Keep
	}
	if !s.hadSpeech {
		return Discard
	}
	s.quiet += f.Duration(len(pcm))
	if s.quiet >= s.silence {
		return Cut
	}
	return Keep
}

func (s *SilenceDetect) Reset() {
	s.hadSpeech = false
	s.quiet = 0
}
