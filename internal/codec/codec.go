// Package codec translates between WebSocket messages and pipeline values.
//
// Inbound binary messages carry raw 16-bit little-endian PCM in the
// configured input format; [Decoder.Decode] validates and normalises them to
// [audio.Canonical]. Inbound text messages are control messages parsed by
// [ParseControl]. Outbound messages are JSON objects produced by [Encode].
//
// Every function in this package is free of side effects: decoding the same
// bytes with the same metadata always yields an identical frame.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/audiostream/pkg/audio"
)

// DefaultMaxFrameBytes bounds a single inbound binary message. The reference
// client sends 4 KiB chunks; 64 KiB leaves generous headroom (about 2 s of
// 16 kHz mono audio).
const DefaultMaxFrameBytes = 64 * 1024

var (
	// ErrDecode is matched by every [DecodeError].
	ErrDecode = errors.New("codec: malformed frame")

	// ErrFrameTooLarge is matched by every [FrameTooLargeError].
	ErrFrameTooLarge = errors.New("codec: frame too large")
)

// DecodeError reports a truncated or malformed inbound message.
type DecodeError struct {
	Reason string
	Size   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: malformed frame (%d bytes): %s", e.Size, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrDecode).
func (e *DecodeError) Unwrap() error { return ErrDecode }

// FrameTooLargeError reports an inbound message above the configured limit.
type FrameTooLargeError struct {
	Size  int
	Limit int
}

func (e *FrameTooLargeError) Error() string {
	return fmt.Sprintf("codec: frame of %d bytes exceeds limit of %d", e.Size, e.Limit)
}

// Unwrap lets callers match with errors.Is(err, ErrFrameTooLarge).
func (e *FrameTooLargeError) Unwrap() error { return ErrFrameTooLarge }

// FrameMeta carries the per-message values assigned by the session reader.
type FrameMeta struct {
	Seq       uint64
	ArrivedAt time.Time
}

// Decoder validates and normalises inbound PCM frames. It holds only
// immutable configuration and is safe for concurrent use.
type Decoder struct {
	input    audio.Format
	maxBytes int
}

// NewDecoder returns a Decoder for client audio in the given input format.
// maxFrameBytes <= 0 selects [DefaultMaxFrameBytes].
func NewDecoder(input audio.Format, maxFrameBytes int) (*Decoder, error) {
	if !input.Valid() {
		return nil, fmt.Errorf("codec: unsupported input format %s", input)
	}
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{input: input, maxBytes: maxFrameBytes}, nil
}

// Input returns the client-side format the decoder expects.
func (d *Decoder) Input() audio.Format { return d.input }

// MaxFrameBytes returns the inbound size limit.
func (d *Decoder) MaxFrameBytes() int { return d.maxBytes }

// Decode turns one binary message into a canonical [audio.AudioFrame].
//
// Zero-length messages are valid and yield a frame with no data. A message
// whose length is not a whole number of sample blocks is rejected with a
// [*DecodeError]; one larger than the limit with a [*FrameTooLargeError].
// The returned frame may alias raw when no conversion is needed.
func (d *Decoder) Decode(raw []byte, meta FrameMeta) (audio.AudioFrame, error) {
	if len(raw) > d.maxBytes {
		return audio.AudioFrame{}, &FrameTooLargeError{Size: len(raw), Limit: d.maxBytes}
	}
	if block := d.input.BlockSize(); len(raw)%block != 0 {
		return audio.AudioFrame{}, &DecodeError{
			Reason: fmt.Sprintf("length is not a multiple of the %d-byte sample block", block),
			Size:   len(raw),
		}
	}

	var pcm []byte
	if len(raw) > 0 {
		pcm = audio.Convert(raw, d.input, audio.Canonical)
	}
	return audio.AudioFrame{
		Data:       pcm,
		SampleRate: audio.Canonical.SampleRate,
		Channels:   audio.Canonical.Channels,
		Seq:        meta.Seq,
		ArrivedAt:  meta.ArrivedAt,
	}, nil
}
