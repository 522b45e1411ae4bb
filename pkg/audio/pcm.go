package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is fixed at 2: all pipeline audio is 16-bit signed PCM.
const BytesPerSample = 2

// Canonical is the format every frame is normalised to before segmentation:
// 16 kHz mono, the rate speech-to-text backends expect.
var Canonical = Format{SampleRate: 16000, Channels: 1}

// Valid reports whether f describes a usable PCM16 stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// BlockSize is the byte size of one sample across all channels.
func (f Format) BlockSize() int {
	return f.Channels * BytesPerSample
}

// BytesPerSecond returns the PCM data rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockSize()
}

// Duration returns the playback duration of n bytes of PCM in format f.
// Returns 0 for invalid formats.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ByteLen returns the number of PCM bytes covering d, rounded down to a
// whole sample block.
func (f Format) ByteLen(d time.Duration) int {
	if d <= 0 || !f.Valid() {
		return 0
	}
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%f.BlockSize()
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in sample units (0–32767). Returns 0 for buffers shorter than
// one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// EncodeWAV wraps raw PCM16 data in a canonical 44-byte RIFF/WAV header so
// it can be uploaded to transcription APIs or archived as a playable file.
func EncodeWAV(pcm []byte, f Format) []byte {
	bits := BytesPerSample * 8
	byteRate := f.BytesPerSecond()
	blockAlign := f.BlockSize()
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bits))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}
