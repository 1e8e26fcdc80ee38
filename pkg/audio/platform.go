// Package audio defines the data model, the PCM codec, and the platform
// interfaces of the voice pipeline.
//
// The two platform abstractions are:
//
//   - [Microphone] opens an [InputStream] that delivers captured samples.
//   - [Speaker] opens an [Output], a playback context with its own clock on
//     which buffers can be scheduled at exact times.
//
// Real implementations live in audio/device. audio/mock provides fakes with a
// manual clock so that scheduling and lifecycle logic can be tested without
// hardware.
package audio

import (
	"context"
	"time"
)

// Microphone is the capture side of the host audio platform.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open requests access to the default input device and starts delivering
	// interleaved float32 samples in format f to onSamples. The slice passed to
	// onSamples is only valid for the duration of the call. onSamples may
	// block, for example on a network write; implementations must not call it
	// on a realtime audio thread.
	//
	// Returns a [*PermissionError] when access is denied and a [*DeviceError]
	// when no usable device exists. ctx bounds the open attempt only.
	Open(ctx context.Context, f Format, onSamples func(samples []float32)) (InputStream, error)
}

// InputStream is an open capture stream.
type InputStream interface {
	// Close stops delivery and releases the device. After Close returns no
	// further onSamples calls are made. Close is idempotent.
	Close() error
}

// Speaker is the playback side of the host audio platform.
type Speaker interface {
	// OpenOutput creates a new output context rendering format f.
	OpenOutput(ctx context.Context, f Format) (Output, error)
}

// Output is a playback context: a monotonically advancing clock plus the ability
// to start a buffer at a given point on that clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock. The clock starts at
	// zero when the context is opened.
	Now() time.Duration

	// Schedule arranges for buf to start playing at clock time at. If at is in
	// the past the buffer starts immediately. onEnded is invoked once, from an
	// arbitrary goroutine, when playback finishes naturally. It is not invoked
	// for sources halted with [Source.Stop].
	Schedule(buf *Buffer, at time.Duration, onEnded func()) Source

	// Close halts all sources and releases the device. Close is idempotent.
	Close() error
}

// Source is a handle on one scheduled buffer.
type Source interface {
	// Stop halts the source immediately. Safe to call after it has ended.
	Stop()
}
