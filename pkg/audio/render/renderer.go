// Package render provides a software [audio.Output]: a sample-accurate mixer
// whose clock advances with every frame it renders.
//
// A [Renderer] does not talk to hardware itself. A device backend pulls PCM
// from it (via [Renderer.Read] or [Renderer.Render]) at the device's pace, so
// the renderer's clock tracks the speaker's. Buffers scheduled on it start on
// the exact sample frame that corresponds to their start time.
package render

import (
	"container/heap"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
)

var _ audio.Output = (*Renderer)(nil)

// Renderer mixes scheduled buffers into a single interleaved output stream.
//
// All exported methods are safe for concurrent use.
type Renderer struct {
	format audio.Format

	mu      sync.Mutex
	pos     int64      // sample frames rendered so far; the output clock
	pending sourceHeap // scheduled but not yet started, by start frame
	playing []*source
	seq     uint64
	scratch []float32
	closed  bool
}

// New creates a renderer producing audio in format f.
func New(f audio.Format) *Renderer {
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return &Renderer{format: f}
}

// Format returns the output format.
func (r *Renderer) Format() audio.Format { return r.format }

// Now implements [audio.Output].
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audio.FramesToDuration(int(r.pos), r.format.SampleRate)
}

// Schedule implements [audio.Output]. Buffers at a different sample rate are
// played at the renderer's rate without resampling.
func (r *Renderer) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) audio.Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &source{r: r, buf: buf, onEnded: onEnded}
	if r.closed || buf == nil || buf.Len() == 0 {
		s.stopped = true
		if !r.closed && onEnded != nil {
			go onEnded()
		}
		return s
	}

	start := audio.DurationToFrames(at, r.format.SampleRate)
	if start < r.pos {
		start = r.pos
	}
	r.seq++
	s.start = start
	s.seq = r.seq
	heap.Push(&r.pending, s)
	return s
}

// Active returns the number of sources that are scheduled or playing.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.pending {
		if !s.stopped {
			n++
		}
	}
	for _, s := range r.playing {
		if !s.stopped {
			n++
		}
	}
	return n
}

// Render fills out with the next len(out)/channels interleaved sample frames
// and advances the clock by that many frames. Silence is rendered where no
// source is playing. After Close, out is zeroed and the clock stays put.
func (r *Renderer) Render(out []float32) {
	clear(out)

	ch := r.format.Channels
	n := int64(len(out) / ch)
	if n == 0 {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	end := r.pos + n
	for r.pending.Len() > 0 && r.pending[0].start < end {
		s := heap.Pop(&r.pending).(*source)
		if !s.stopped {
			r.playing = append(r.playing, s)
		}
	}

	var ended []func()
	kept := r.playing[:0]
	for _, s := range r.playing {
		if s.stopped {
			continue
		}
		if s.mix(out, r.pos, n, ch) {
			s.stopped = true
			if s.onEnded != nil {
				ended = append(ended, s.onEnded)
			}
			continue
		}
		kept = append(kept, s)
	}
	clear(r.playing[len(kept):])
	r.playing = kept
	r.pos = end
	r.mu.Unlock()

	for i := range out {
		out[i] = clamp(out[i])
	}
	for _, fn := range ended {
		fn()
	}
}

// Read renders 16-bit little-endian PCM into p, so a Renderer can feed any
// io.Reader based player. len(p) is rounded down to whole sample frames.
// Read returns io.EOF once the renderer is closed.
func (r *Renderer) Read(p []byte) (int, error) {
	if r.isClosed() {
		return 0, io.EOF
	}
	frameBytes := 2 * r.format.Channels
	n := len(p) / frameBytes * frameBytes
	if n == 0 {
		return 0, nil
	}

	samples := r.scratchBuffer(n / 2)
	r.Render(samples)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(math.Round(float64(s)*32767))))
	}
	return n, nil
}

// Close halts all sources. onEnded callbacks of halted sources are not
// invoked. Close is idempotent.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, s := range r.pending {
		s.stopped = true
	}
	for _, s := range r.playing {
		s.stopped = true
	}
	r.pending = nil
	r.playing = nil
	return nil
}

func (r *Renderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// scratchBuffer is only called from the single reader goroutine a device
// backend runs.
func (r *Renderer) scratchBuffer(n int) []float32 {
	if cap(r.scratch) < n {
		r.scratch = make([]float32, n)
	}
	return r.scratch[:n]
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

// ─── source ──────────────────────────────────────────────────────────────────

type source struct {
	r       *Renderer
	buf     *audio.Buffer
	start   int64
	seq     uint64
	onEnded func()
	stopped bool // guarded by r.mu
}

// Stop implements [audio.Source].
func (s *source) Stop() {
	s.r.mu.Lock()
	s.stopped = true
	s.r.mu.Unlock()
}

// mix adds the part of s that falls into [pos, pos+n) to out and reports
// whether s has played to the end.
func (s *source) mix(out []float32, pos, n int64, ch int) bool {
	length := int64(s.buf.Len())
	bufCh := s.buf.Channels()
	from := max(s.start-pos, 0)
	for i := from; i < n; i++ {
		off := pos + i - s.start
		if off >= length {
			return true
		}
		for c := range ch {
			out[int(i)*ch+c] += s.buf.Samples[min(c, bufCh-1)][off]
		}
	}
	return pos+n-s.start >= length
}
