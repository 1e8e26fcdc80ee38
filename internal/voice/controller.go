// Package voice runs real-time voice conversations.
//
// A [Controller] owns one voice session at a time and moves it through
// Idle, Starting, Active and Stopping. Starting opens the speaker output,
// then asks for the microphone and connects to the voice API in parallel.
// While Active, captured frames stream upstream through a [Handle]. Inbound
// audio is scheduled gaplessly on the output and transcript fragments are
// folded into the conversation. Every exit path (user stop, remote close,
// transport error, failed start) runs the same idempotent teardown, so no
// device or connection outlives its session.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/observe"
	"github.com/goftegu/goftegu/internal/transcript"
	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/audio/capture"
	"github.com/goftegu/goftegu/pkg/audio/playback"
	"github.com/goftegu/goftegu/pkg/provider/live"
)

// User-visible texts.
const (
	msgMicrophone = "دسترسی به میکروفون امکان‌پذیر نیست."
	msgVoiceError = "خطا در مکالمه صوتی."
)

var (
	// ErrSessionActive is returned by Start while a session is starting,
	// active or stopping.
	ErrSessionActive = errors.New("voice: session already active")

	// ErrStartAborted is returned by Start when Stop was called, or its
	// context was cancelled, before the session became active.
	ErrStartAborted = errors.New("voice: start aborted")
)

// State is the lifecycle state of the controller.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config wires a Controller to its collaborators. Capture, Speaker,
// Transport and Record are required.
type Config struct {
	Capture   *capture.Pipeline
	Speaker   audio.Speaker
	Transport *Transport
	Record    *conversation.Record

	// OutputFormat is the format of inbound audio. Default: [audio.OutputFormat].
	OutputFormat audio.Format

	// RevealInterval paces the bot transcript typewriter.
	// Default: [transcript.DefaultRevealInterval].
	RevealInterval time.Duration

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Controller is the voice session state machine. All methods are safe for
// concurrent use, including from inside transport callbacks.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	state State
	sess  *session
	rec   transcript.Reconciler
}

// session holds every resource of one voice session. Fields are written under
// Controller.mu while the session is Starting; once Stop has taken ownership
// a late resource is released by whoever acquired it.
type session struct {
	id     string
	cancel context.CancelFunc
	live   atomic.Bool

	out     audio.Output
	sched   *playback.Scheduler
	writer  *transcript.Typewriter
	handle  *Handle
	capture *capture.Capture
}

// New returns an idle controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Capture == nil {
		errs = append(errs, errors.New("voice: Capture is required"))
	}
	if cfg.Speaker == nil {
		errs = append(errs, errors.New("voice: Speaker is required"))
	}
	if cfg.Transport == nil {
		errs = append(errs, errors.New("voice: Transport is required"))
	}
	if cfg.Record == nil {
		errs = append(errs, errors.New("voice: Record is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.OutputFormat.SampleRate <= 0 {
		cfg.OutputFormat = audio.OutputFormat
	}
	if cfg.OutputFormat.Channels <= 0 {
		cfg.OutputFormat.Channels = 1
	}
	if cfg.RevealInterval <= 0 {
		cfg.RevealInterval = transcript.DefaultRevealInterval
	}
	return &Controller{cfg: cfg}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active reports whether a session is starting or active.
func (c *Controller) Active() bool {
	st := c.State()
	return st == Starting || st == Active
}

// Start opens a session and returns once it is Active. On failure the
// session is torn down, a message is added to the conversation, and the
// controller is Idle again. The returned error wraps an [*audio.PermissionError],
// [*audio.DeviceError] or [*TransportError] and can be matched with errors.As.
//
// Cancelling ctx aborts a start that is still negotiating; it has no effect
// on a session that is already Active.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSessionActive, st)
	}
	// The session outlives ctx; ctx only bounds the negotiation below.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{id: uuid.NewString(), cancel: cancel}
	s.live.Store(true)
	c.sess = s
	c.state = Starting
	c.rec.Reset()
	c.cfg.Record.ClearTranscripts()
	c.cfg.Record.SetVoiceActive(true)
	c.mu.Unlock()

	sctx = observe.WithAttrs(sctx, attribute.String("session_id", s.id))
	sctx, span := observe.StartSpan(sctx, "voice.start")
	defer span.End()
	log := observe.Logger(sctx)
	log.Info("voice session starting")
	began := time.Now()

	unwatch := context.AfterFunc(ctx, cancel)
	err := c.start(sctx, s)
	unwatch()
	if err == nil {
		c.mu.Lock()
		if c.sess == s && c.state == Starting {
			c.state = Active
		} else {
			err = ErrStartAborted
		}
		c.mu.Unlock()
	}

	if err != nil {
		outcome := outcomeOf(err)
		switch {
		case c.owns(s) && ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", ErrStartAborted, ctx.Err())
			outcome = "cancelled"
			log.Info("voice session start cancelled")
			_ = c.stop(s)
		case c.owns(s):
			c.notify(s, err)
			log.Error("voice session failed to start", "err", err, "outcome", outcome)
			_ = c.stop(s)
		default:
			err = ErrStartAborted
			outcome = "cancelled"
			log.Info("voice session start aborted")
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.cfg.Metrics.RecordVoiceStart(sctx, outcome, 0)
		return err
	}

	c.cfg.Metrics.RecordVoiceStart(sctx, "ok", time.Since(began))
	c.cfg.Metrics.VoiceSessionActive(sctx, 1)
	log.Info("voice session active", "elapsed", time.Since(began))
	return nil
}

// start acquires the session's resources in order: output, scheduler and
// typewriter, transport, then microphone and connection in parallel.
func (c *Controller) start(ctx context.Context, s *session) error {
	out, err := c.cfg.Speaker.OpenOutput(ctx, c.cfg.OutputFormat)
	if err != nil {
		return fmt.Errorf("voice: open output: %w", err)
	}
	sched := playback.New(out)
	sched.Reset()
	writer := transcript.NewTypewriter(c.cfg.RevealInterval, func(shown string) {
		if s.live.Load() {
			c.cfg.Record.SetBotTranscript(shown)
		}
	})
	if !c.adopt(s, func() { s.out, s.sched, s.writer = out, sched, writer }) {
		writer.Close()
		sched.StopAll()
		_ = out.Close()
		return ErrStartAborted
	}

	handle := c.cfg.Transport.Open(ctx, live.Callbacks{
		OnMessage: func(m live.Message) { c.onMessage(ctx, s, m) },
		OnError:   func(err error) { c.onError(s, err) },
		OnClose:   func(reason string) { c.onClose(s, reason) },
	})
	if !c.adopt(s, func() { s.handle = handle }) {
		_ = handle.Close()
		return ErrStartAborted
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		capt, err := c.cfg.Capture.Start(gctx, func(f audio.Frame) { c.onFrame(ctx, s, f) })
		if err != nil {
			return &micError{err: err}
		}
		if !c.adopt(s, func() { s.capture = capt }) {
			_ = capt.Stop()
			return ErrStartAborted
		}
		return nil
	})
	g.Go(func() error {
		return handle.Wait(gctx)
	})
	return g.Wait()
}

// adopt runs set under the lock if s is still the starting session.
func (c *Controller) adopt(s *session, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s || c.state != Starting {
		return false
	}
	set()
	return true
}

// owns reports whether s is still the current, not yet stopping session.
func (c *Controller) owns(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess == s && (c.state == Starting || c.state == Active)
}

// micError marks a failure to acquire the microphone.
type micError struct{ err error }

func (e *micError) Error() string { return "voice: " + e.err.Error() }
func (e *micError) Unwrap() error { return e.err }

// notify adds the user-visible message for err to the conversation.
func (c *Controller) notify(s *session, err error) {
	text := msgVoiceError
	var merr *micError
	if errors.As(err, &merr) {
		text = msgMicrophone
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != s {
		return
	}
	c.cfg.Record.Append(conversation.Message{Author: conversation.AuthorBot, Text: text, IsError: true})
}

func outcomeOf(err error) string {
	var perr *audio.PermissionError
	var derr *audio.DeviceError
	var terr *TransportError
	switch {
	case errors.As(err, &perr):
		return "permission"
	case errors.As(err, &derr):
		return "device"
	case errors.As(err, &terr):
		return "transport"
	case errors.Is(err, ErrStartAborted), errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Stop ends the current session. It is idempotent: calling it while Idle or
// Stopping returns nil without doing anything. Stop is safe to call from
// inside a transport callback.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	_, span := observe.StartSpan(observe.WithAttrs(ctx, attribute.String("session_id", s.id)), "voice.stop")
	defer span.End()
	return c.stop(s)
}

// stop tears s down if it is still the current session.
func (c *Controller) stop(s *session) error {
	c.mu.Lock()
	if c.sess != s || c.state == Stopping || c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == Active
	c.state = Stopping
	s.live.Store(false)
	c.mu.Unlock()

	err := s.teardown()

	c.mu.Lock()
	if summary, ok := c.rec.Flush(); ok {
		c.cfg.Record.Append(conversation.Message{Author: conversation.AuthorBot, Text: summary})
	}
	c.cfg.Record.ClearTranscripts()
	c.cfg.Record.SetVoiceActive(false)
	c.sess = nil
	c.state = Idle
	c.mu.Unlock()

	if wasActive {
		c.cfg.Metrics.VoiceSessionActive(context.Background(), -1)
	}
	if err != nil {
		slog.Warn("voice session teardown", "session_id", s.id, "err", err)
	} else {
		slog.Info("voice session stopped", "session_id", s.id)
	}
	return err
}

// teardown releases every resource of s in dependency order: no more
// upstream traffic, no more capture, silence, then the output device. Every
// step tolerates a resource that was never acquired.
func (s *session) teardown() error {
	s.cancel()
	var errs []error
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.capture.Stop(); err != nil {
		errs = append(errs, err)
	}
	if s.sched != nil {
		s.sched.StopAll()
	}
	if s.writer != nil {
		s.writer.Close()
	}
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("voice: close output: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ── Callbacks ─────────────────────────────────────────────────────────────────

// onFrame forwards one captured frame upstream. It runs on the capture
// goroutine and never takes the controller lock.
func (c *Controller) onFrame(ctx context.Context, s *session, f audio.Frame) {
	if !s.live.Load() {
		return
	}
	if err := s.handle.Send(audio.Encode(f)); err != nil {
		if !errors.Is(err, ErrHandleClosed) {
			slog.Debug("voice: frame not sent", "session_id", s.id, "err", err)
		}
		return
	}
	c.cfg.Metrics.RecordFrameSent(ctx)
}

func (c *Controller) onMessage(ctx context.Context, s *session, m live.Message) {
	c.mu.Lock()
	if c.sess != s || (c.state != Starting && c.state != Active) {
		c.mu.Unlock()
		return
	}
	if m.InputTranscription != "" {
		c.rec.OnFragment(transcript.User, m.InputTranscription)
	}
	if m.OutputTranscription != "" {
		c.rec.OnFragment(transcript.Bot, m.OutputTranscription)
	}
	if m.TurnComplete {
		if added := c.rec.OnTurnComplete(); len(added) > 0 {
			slog.Debug("voice turn complete", "session_id", s.id, "entries", len(added))
		}
	}
	user, bot := c.rec.Live()
	c.cfg.Record.SetUserTranscript(user)
	sched, writer := s.sched, s.writer
	c.mu.Unlock()

	writer.Set(bot)

	if m.Interrupted {
		sched.Interrupt()
		slog.Debug("voice playback interrupted", "session_id", s.id)
	}
	for _, blob := range m.Audio {
		c.play(ctx, s, sched, blob)
	}
}

// play decodes one inbound chunk and schedules it. Malformed chunks are
// logged and skipped.
func (c *Controller) play(ctx context.Context, s *session, sched *playback.Scheduler, blob audio.EncodedBlob) {
	buf, err := audio.DecodeBlob(blob.Data, c.cfg.OutputFormat)
	if err != nil {
		slog.Warn("voice: skipping malformed audio chunk", "session_id", s.id, "mime_type", blob.MIMEType, "err", err)
		c.cfg.Metrics.RecordChunkDropped(ctx, "format")
		return
	}
	at, err := sched.Enqueue(buf)
	if err != nil {
		c.cfg.Metrics.RecordChunkDropped(ctx, "stopped")
		return
	}
	slog.Debug("voice chunk scheduled", "session_id", s.id, "at", at, "duration", buf.Duration())
	c.cfg.Metrics.RecordChunkScheduled(ctx)
}

func (c *Controller) onError(s *session, err error) {
	slog.Error("voice transport error", "session_id", s.id, "err", err)
	if !c.owns(s) {
		return
	}
	c.notify(s, err)
	_ = c.stop(s)
}

func (c *Controller) onClose(s *session, reason string) {
	slog.Info("voice session closed by remote", "session_id", s.id, "reason", reason)
	_ = c.stop(s)
}
