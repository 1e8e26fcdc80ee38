package transcript

import (
	"sync"
	"time"
)

// DefaultRevealInterval is the time between two revealed characters.
const DefaultRevealInterval = 40 * time.Millisecond

// Typewriter reveals a target text one rune per interval. Whenever the target
// changes the interval timer restarts. If the already revealed prefix is still
// a prefix of the new target it is kept; otherwise the reveal starts over from
// the empty string.
//
// onChange receives every newly revealed prefix, from the typewriter's own
// goroutine or, for a reset to "", from the caller of Set. It must not call
// back into the Typewriter.
type Typewriter struct {
	interval time.Duration
	onChange func(shown string)

	mu     sync.Mutex
	target []rune
	shown  int

	kick      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTypewriter starts a typewriter. Call Close to stop it.
func NewTypewriter(interval time.Duration, onChange func(shown string)) *Typewriter {
	if interval <= 0 {
		interval = DefaultRevealInterval
	}
	if onChange == nil {
		onChange = func(string) {}
	}
	t := &Typewriter{
		interval: interval,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.run()
	return t
}

// Set replaces the target text.
func (t *Typewriter) Set(text string) {
	next := []rune(text)

	t.mu.Lock()
	reset := !hasPrefix(next, t.target[:t.shown])
	if reset {
		t.shown = 0
	}
	t.target = next
	t.mu.Unlock()

	if reset {
		t.onChange("")
	}
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Step reveals one more rune and reports whether any remain.
func (t *Typewriter) Step() bool {
	t.mu.Lock()
	if t.shown >= len(t.target) {
		t.mu.Unlock()
		return false
	}
	t.shown++
	shown := string(t.target[:t.shown])
	more := t.shown < len(t.target)
	t.mu.Unlock()

	t.onChange(shown)
	return more
}

// Shown returns the currently revealed prefix.
func (t *Typewriter) Shown() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.target[:t.shown])
}

// Close stops the reveal goroutine and waits for it to exit. No onChange call
// happens after Close returns. Close is idempotent.
func (t *Typewriter) Close() {
	t.closeOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Typewriter) run() {
	defer close(t.done)

	var ticker *time.Ticker
	var tick <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-t.stop:
			return
		case <-t.kick:
			if ticker == nil {
				ticker = time.NewTicker(t.interval)
			} else {
				ticker.Reset(t.interval)
			}
			tick = ticker.C
		case <-tick:
			select {
			case <-t.stop:
				return
			default:
			}
			if !t.Step() {
				ticker.Stop()
				ticker = nil
				tick = nil
			}
		}
	}
}

func hasPrefix(s, prefix []rune) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i, r := range prefix {
		if s[i] != r {
			return false
		}
	}
	return true
}
