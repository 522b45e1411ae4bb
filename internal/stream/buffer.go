// Package stream accumulates decoded audio per session and cuts it into
// segments for the dispatcher.
//
// A [Buffer] owns the open segment of exactly one session. Segments close
// when they reach the maximum duration, when the session's [Policy] says so,
// or when the session flushes. Closed segments that cannot be dispatched yet
// wait in a bounded [Backlog].
//
// Neither type is safe for concurrent use; each session drives its own
// buffer and backlog from a single goroutine.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/audiostream/pkg/audio"
)

// ErrOutOfOrder is returned by [Buffer.Append] when a frame's sequence
// number does not increase. Frames are never resequenced.
var ErrOutOfOrder = errors.New("stream: frame out of order")

// Segment is a contiguous span of canonical audio. After a Buffer returns a
// segment it never touches the PCM slice again, so ownership moves to the
// receiver.
type Segment struct {
	// ID is unique per session, starting at 1 and increasing by one.
	ID        uint64
	SessionID string

	// Start is the stream offset of the first sample.
	Start    time.Duration
	Duration time.Duration

	PCM    []byte
	Format audio.Format

	FirstSeq uint64
	LastSeq  uint64

	// Final marks the segment produced by an end-of-stream flush.
	Final bool

	// Droppable lets the dispatcher discard the segment instead of failing
	// the submit when it is saturated.
	Droppable bool
}

// End returns the stream offset just past the last sample.
func (s Segment) End() time.Duration { return s.Start + s.Duration }

// Buffer is the per-session accumulator.
type Buffer struct {
	sessionID string
	format    audio.Format
	maxBytes  int
	window    int
	policy    Policy

	open      []byte
	openStart time.Duration
	firstSeq  uint64
	lastSeq   uint64
	openSince time.Time

	consumed int64 // bytes observed so far, kept or discarded
	seq      uint64
	started  bool
	nextID   uint64
}

// NewBuffer returns a Buffer that closes segments at maxSegment at the
// latest. maxSegment must cover at least one sample.
func NewBuffer(sessionID string, maxSegment time.Duration, p Policy) (*Buffer, error) {
	maxBytes := audio.Canonical.ByteLen(maxSegment)
	if maxBytes <= 0 {
		return nil, fmt.Errorf("stream: max segment duration %v is too short", maxSegment)
	}
	if p == nil {
		p = FixedWindow{}
	}
	return &Buffer{
		sessionID: sessionID,
		format:    audio.Canonical,
		maxBytes:  maxBytes,
		window:    audio.Canonical.ByteLen(p.Window()),
		policy:    p,
		nextID:    1,
	}, nil
}

// Append adds a frame and returns every segment the frame closed, in order.
func (b *Buffer) Append(f audio.AudioFrame) ([]Segment, error) {
	if b.started && f.Seq <= b.seq {
		return nil, fmt.Errorf("%w: seq %d after %d", ErrOutOfOrder, f.Seq, b.seq)
	}
	if len(f.Data) > 0 && f.Format() != b.format {
		return nil, fmt.Errorf("stream: frame format %s, want %s", f.Format(), b.format)
	}
	b.started = true
	b.seq = f.Seq

	var out []Segment
	data := f.Data
	for len(data) > 0 {
		n := min(len(data), b.maxBytes-len(b.open))
		if b.window > 0 {
			n = min(n, b.window)
		}
		piece := data[:n]
		data = data[n:]

		decision := b.policy.Observe(piece, b.format)
		if decision == Discard && len(b.open) == 0 {
			b.consumed += int64(n)
			continue
		}
		b.add(piece, f)
		if decision == Cut || len(b.open) >= b.maxBytes {
			out = append(out, b.close(false))
		}
	}
	return out, nil
}

// Flush closes the open segment, if any, and marks it final.
func (b *Buffer) Flush() (Segment, bool) {
	if len(b.open) == 0 {
		return Segment{}, false
	}
	return b.close(true), true
}

// FlushStale closes the open segment when its oldest audio arrived at least
// the maximum segment duration before now. This bounds how long a session
// that stops sending audio can hold a partial segment.
func (b *Buffer) FlushStale(now time.Time) (Segment, bool) {
	if len(b.open) == 0 || b.openSince.IsZero() {
		return Segment{}, false
	}
	if now.Sub(b.openSince) < b.format.Duration(b.maxBytes) {
		return Segment{}, false
	}
	return b.close(false), true
}

// Buffered returns the duration of audio in the open segment.
func (b *Buffer) Buffered() time.Duration {
	return b.format.Duration(len(b.open))
}

// Formed returns the number of segments closed so far.
func (b *Buffer) Formed() uint64 {
	return b.nextID - 1
}

// MaxSegment returns the effective maximum segment duration.
func (b *Buffer) MaxSegment() time.Duration {
	return b.format.Duration(b.maxBytes)
}

func (b *Buffer) add(piece []byte, f audio.AudioFrame) {
	if len(b.open) == 0 {
		b.openStart = b.format.Duration(int(b.consumed))
		b.firstSeq = f.Seq
		b.openSince = f.ArrivedAt
		b.open = make([]byte, 0, min(b.maxBytes, max(len(piece), 4096)))
	}
	b.open = append(b.open, piece...)
	b.lastSeq = f.Seq
	b.consumed += int64(len(piece))
}

func (b *Buffer) close(final bool) Segment {
	seg := Segment{
		ID:        b.nextID,
		SessionID: b.sessionID,
		Start:     b.openStart,
		Duration:  b.format.Duration(len(b.open)),
		PCM:       b.open,
		Format:    b.format,
		FirstSeq:  b.firstSeq,
		LastSeq:   b.lastSeq,
		Final:     final,
	}
	b.nextID++
	b.open = nil
	b.openSince = time.Time{}
	b.policy.Reset()
	return seg
}
