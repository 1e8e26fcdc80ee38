// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.Speaker], and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	out := mock.NewOutput()
//	spk := &mock.Speaker{Result: out}
//	// ... start the pipeline ...
//	mic.Emit(make([]float32, 4096))
//	out.Advance(200 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Samples are
// injected with [Microphone.Emit].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// Block, if non-nil, makes Open wait until the channel is closed or ctx is
	// done. Use it to hold a session in its starting state.
	Block chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// OpenedFormats records the format passed to each Open call.
	OpenedFormats []audio.Format

	streams []*InputStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, f audio.Format, onSamples func([]float32)) (audio.InputStream, error) {
	m.mu.Lock()
	m.CallCountOpen++
	m.OpenedFormats = append(m.OpenedFormats, f)
	block := m.Block
	err := m.OpenErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &InputStream{onSamples: onSamples}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

// Emit delivers samples to the most recently opened stream, as if the device
// had captured them. It reports whether a stream accepted them.
func (m *Microphone) Emit(samples []float32) bool {
	s := m.Last()
	if s == nil {
		return false
	}
	return s.emit(samples)
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *InputStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

// InputStream is the stream returned by [Microphone.Open].
type InputStream struct {
	mu        sync.Mutex
	onSamples func([]float32)
	closed    bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

func (s *InputStream) emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.onSamples(samples)
	return true
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// Result is returned by OpenOutput. A fresh [Output] is created per call
	// when nil.
	Result *Output

	// OpenErr, if non-nil, is returned by OpenOutput.
	OpenErr error

	// Opened records every output handed out, in order.
	Opened []*Output
}

// OpenOutput implements [audio.Speaker].
func (s *Speaker) OpenOutput(_ context.Context, _ audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	out := s.Result
	if out == nil {
		out = NewOutput()
	}
	s.Opened = append(s.Opened, out)
	return out, nil
}

// Last returns the most recently opened output, or nil.
func (s *Speaker) Last() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Opened) == 0 {
		return nil
	}
	return s.Opened[len(s.Opened)-1]
}

// ─── Output ──────────────────────────────────────────────────────────────────

// ScheduleCall records one [Output.Schedule] invocation.
type ScheduleCall struct {
	Buffer *audio.Buffer
	At     time.Duration
}

// Output is a mock [audio.Output] with a manual clock. Sources end when the
// clock is advanced past their end time.
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	sources []*Source
	closed  bool

	// Scheduled records every Schedule call in order.
	Scheduled []ScheduleCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput returns an output whose clock reads zero.
func NewOutput() *Output { return &Output{} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to t without ending any source.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	o.now = t
	o.mu.Unlock()
}

// Advance moves the clock forward by d and fires onEnded for every source
// that has finished by the new time.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var ended []func()
	for _, s := range o.sources {
		if s.state == playing && s.end <= o.now {
			s.state = finished
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
		}
	}
	o.mu.Unlock()

	for _, fn := range ended {
		fn()
	}
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) audio.Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Scheduled = append(o.Scheduled, ScheduleCall{Buffer: buf, At: at})
	s := &Source{out: o, start: at, end: max(at, o.now) + buf.Duration(), onEnded: onEnded}
	if o.closed {
		s.state = stopped
	}
	o.sources = append(o.sources, s)
	return s
}

// Playing returns how many sources have neither ended nor been stopped.
func (o *Output) Playing() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.sources {
		if s.state == playing {
			n++
		}
	}
	return n
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	for _, s := range o.sources {
		if s.state == playing {
			s.state = stopped
		}
	}
	return nil
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

type sourceState int

const (
	playing sourceState = iota
	finished
	stopped
)

// Source is the handle returned by [Output.Schedule].
type Source struct {
	out     *Output
	start   time.Duration
	end     time.Duration
	onEnded func()
	state   sourceState
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	if s.state == playing {
		s.state = stopped
	}
}

// Stopped reports whether the source was halted with Stop or Close.
func (s *Source) Stopped() bool {
	s.out.mu.Lock()
	defer s.out.mu.Unlock()
	return s.state == stopped
}

// Start returns the time the source was scheduled at.
func (s *Source) Start() time.Duration { return s.start }
