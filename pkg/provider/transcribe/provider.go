// Package transcribe defines the narrow interface to external
// speech-to-text services.
//
// A [Provider] receives one closed audio segment and returns its transcript.
// Providers make exactly one attempt per call: retries, timeouts and
// ordering belong to the dispatcher. Providers report HTTP failures as
// [*StatusError] so the dispatcher can tell transient failures (retry) from
// permanent ones (fail fast) via [IsTransient].
//
// Implementations:
//   - transcribe/openai:  OpenAI audio transcription API (whisper-1, gpt-4o-*-transcribe)
//   - transcribe/whisper: self-hosted whisper.cpp server (/inference)
//   - transcribe/awstranscribe: Amazon Transcribe streaming
//   - transcribe/mock:    scripted test double
package transcribe

import (
	"context"

	"github.com/MrWong99/audiostream/pkg/audio"
)

// Request is one segment submitted for transcription.
type Request struct {
	// SessionID and SegmentID identify the segment in logs and uploads.
	SessionID string
	SegmentID uint64

	// Audio is raw 16-bit little-endian PCM in Format. Providers must not
	// retain or modify it after Transcribe returns.
	Audio  []byte
	Format audio.Format

	// Language is an optional BCP-47 / ISO-639-1 hint such as "en".
	Language string
}

// Provider transcribes audio segments. Implementations must be safe for
// concurrent use and must honour ctx cancellation promptly.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}
