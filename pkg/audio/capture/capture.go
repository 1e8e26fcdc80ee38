// Package capture turns a live microphone stream into fixed-size frames.
//
// A [Pipeline] opens the microphone at the requested format, collects the
// first channel of whatever the device delivers, and fires the frame callback
// once for every complete window of [DefaultFrameSize] samples. The callback
// runs synchronously on the device's delivery goroutine and must not block.
package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
)

// DefaultFrameSize is the number of samples per emitted frame.
const DefaultFrameSize = 4096

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize overrides the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithFormat overrides the capture format. Only the first channel of a
// multi-channel format is forwarded.
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		p.format = f
	}
}

// Pipeline acquires microphone streams. One Pipeline can start any number of
// successive captures.
type Pipeline struct {
	mic       audio.Microphone
	format    audio.Format
	frameSize int
}

// New creates a pipeline over mic capturing at [audio.InputFormat].
func New(mic audio.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:       mic,
		format:    audio.InputFormat,
		frameSize: DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	if p.format.Channels <= 0 {
		p.format.Channels = 1
	}
	return p
}

// Start requests microphone access and begins delivering frames to onFrame.
// Errors from the microphone ([*audio.PermissionError],
// [*audio.DeviceError]) are returned wrapped and can be matched with
// errors.As.
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.Frame)) (*Capture, error) {
	c := &Capture{
		onFrame:  onFrame,
		rate:     p.format.SampleRate,
		channels: p.format.Channels,
		window:   make([]float32, 0, p.frameSize),
		size:     p.frameSize,
	}
	stream, err := p.mic.Open(ctx, p.format, c.push)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return c, nil
}

// Capture is a running capture. Stop it with [Capture.Stop].
type Capture struct {
	onFrame  func(audio.Frame)
	rate     int
	channels int
	size     int

	mu      sync.Mutex
	stream  audio.InputStream
	window  []float32
	emitted int64 // samples emitted so far, for frame timestamps
	stopped bool
}

// push receives interleaved samples from the device and emits every complete
// window. onFrame runs with c.mu held, so no frame is delivered once Stop has
// returned; it must not call Stop itself.
func (c *Capture) push(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	for i := 0; i < len(samples); i += c.channels {
		c.window = append(c.window, samples[i])
		if len(c.window) < c.size {
			continue
		}
		frame := audio.Frame{
			Samples:    c.window,
			SampleRate: c.rate,
			Timestamp:  time.Duration(c.emitted) * time.Second / time.Duration(max(c.rate, 1)),
		}
		c.emitted += int64(c.size)
		c.window = make([]float32, 0, c.size)
		c.onFrame(frame)
	}
}

// Stop disconnects the frame callback and closes the microphone stream. A
// partial window is discarded. Stop is idempotent and safe on a nil Capture.
func (c *Capture) Stop() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	stream := c.stream
	c.stream = nil
	c.window = nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("capture: close microphone: %w", err)
	}
	return nil
}
