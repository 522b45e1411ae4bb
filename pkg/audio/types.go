package audio

import "time"

// AudioFrame is one decoded client frame of PCM audio. Frames are the atomic
// unit the stream buffer consumes: the codec produces them from raw WebSocket
// messages and the buffer concatenates them into segments.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian, already normalised to the
	// canonical pipeline format.
	Data []byte

	// SampleRate in Hz (16000 after normalisation).
	SampleRate int

	// Channels: 1 after normalisation.
	Channels int

	// Seq is the per-session sequence number. Strictly increasing within a
	// session; the stream buffer rejects anything else.
	Seq uint64

	// ArrivedAt is the wall-clock time the raw message was read from the
	// connection.
	ArrivedAt time.Time
}

// Format returns the sample format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback duration of the frame's PCM data.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}
