package audio

import (
	"math"
	"time"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Standard formats of the voice pipeline.
var (
	// InputFormat is what the microphone is captured at and what the voice API
	// expects upstream.
	InputFormat = Format{SampleRate: 16000, Channels: 1}

	// OutputFormat is what the voice API returns and what playback renders.
	OutputFormat = Format{SampleRate: 24000, Channels: 1}
)

// Frame is a fixed-length window of single-channel samples in [-1.0, 1.0].
// Frames are created per capture callback and consumed immediately by
// encoding; nothing retains them.
type Frame struct {
	Samples    []float32
	SampleRate int

	// Timestamp marks where the window starts, relative to capture start.
	Timestamp time.Duration
}

// EncodedBlob is the wire representation of one [Frame]: 16-bit little-endian
// PCM, base64 encoded, tagged with its MIME type. Ownership transfers to the
// transport on send.
type EncodedBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Buffer is decoded audio ready to be played. Samples are stored per channel
// with Samples[ch][i] in [-1.0, 1.0].
type Buffer struct {
	Samples    [][]float32
	SampleRate int
}

// Channels returns the channel count of b.
func (b *Buffer) Channels() int { return len(b.Samples) }

// Len returns the number of sample frames (samples per channel).
func (b *Buffer) Len() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// Duration returns how long b takes to play at its sample rate.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return FramesToDuration(b.Len(), b.SampleRate)
}

// FramesToDuration converts a sample frame count at rate to wall time.
func FramesToDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// DurationToFrames converts a wall time offset into a sample frame index at rate,
// rounding to the nearest frame.
func DurationToFrames(d time.Duration, rate int) int64 {
	return int64(math.Round(d.Seconds() * float64(rate)))
}
