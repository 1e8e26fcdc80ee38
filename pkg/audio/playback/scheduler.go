// Package playback schedules decoded audio chunks for gapless, strictly
// sequential playback on an [audio.Output].
//
// Chunks from a streaming voice API arrive in bursts, often faster than they
// should be heard. The [Scheduler] places each chunk right after the previous
// one on the output clock, or at the current clock time if the queue has
// drained, so playback never overlaps and never starts in the past.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
)

// ErrStopped is returned by [Scheduler.Enqueue] after [Scheduler.StopAll].
var ErrStopped = errors.New("playback: scheduler stopped")

// Scheduler owns the next-start time and the set of active sources for one
// output. A Scheduler belongs to one voice session. Once [Scheduler.StopAll]
// has been called it rejects further buffers, so late chunks from a closing
// connection can never sound after a stop.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out audio.Output

	mu        sync.Mutex
	nextStart time.Duration
	active    map[*entry]struct{}
	stopped   bool
}

type entry struct {
	src audio.Source
	at  time.Duration
}

// New creates a scheduler for out. The scheduler starts in the reset state.
func New(out audio.Output) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[*entry]struct{}),
	}
}

// Reset sets the next-start time to zero and forgets all active sources
// without stopping them. Called once at session start.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStart = 0
	clear(s.active)
}

// Enqueue schedules buf at max(next-start, output clock) and advances the
// next-start time by the buffer's duration. It returns the chosen start time.
func (s *Scheduler) Enqueue(buf *audio.Buffer) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}

	startAt := max(s.nextStart, s.out.Now())
	e := &entry{at: startAt}
	s.active[e] = struct{}{}
	s.nextStart = startAt + buf.Duration()

	// onEnded may run on another goroutine before Schedule returns; it only
	// removes e, and e is already registered.
	e.src = s.out.Schedule(buf, startAt, func() { s.ended(e) })
	return startAt, nil
}

func (s *Scheduler) ended(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, e)
}

// Interrupt halts every active source and rewinds the next-start time so the
// following chunk plays immediately. The scheduler stays usable. Used when the
// remote side signals that the user barged in.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	srcs := s.drainLocked()
	s.nextStart = 0
	s.mu.Unlock()
	stopSources(srcs)
}

// StopAll halts every active source, clears the set, and seals the scheduler.
// StopAll is idempotent.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	srcs := s.drainLocked()
	s.mu.Unlock()
	stopSources(srcs)
}

func (s *Scheduler) drainLocked() []audio.Source {
	srcs := make([]audio.Source, 0, len(s.active))
	for e := range s.active {
		if e.src != nil {
			srcs = append(srcs, e.src)
		}
	}
	clear(s.active)
	return srcs
}

func stopSources(srcs []audio.Source) {
	for _, src := range srcs {
		src.Stop()
	}
}

// Active returns the number of sources that are scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart returns the time at which the next enqueued buffer would start if
// the output clock had not passed it.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
