package voice_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/voice"
	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/audio/capture"
	audiomock "github.com/goftegu/goftegu/pkg/audio/mock"
	"github.com/goftegu/goftegu/pkg/provider/live"
	livemock "github.com/goftegu/goftegu/pkg/provider/live/mock"
)

type rig struct {
	mic  *audiomock.Microphone
	out  *audiomock.Output
	spk  *audiomock.Speaker
	api  *livemock.Provider
	rec  *conversation.Record
	ctrl *voice.Controller
}

func newRig(t *testing.T, setup func(*rig)) *rig {
	t.Helper()
	r := &rig{
		mic: &audiomock.Microphone{},
		out: audiomock.NewOutput(),
		api: &livemock.Provider{},
		rec: conversation.New(),
	}
	r.spk = &audiomock.Speaker{Result: r.out}
	if setup != nil {
		setup(r)
	}
	ctrl, err := voice.New(voice.Config{
		Capture:        capture.New(r.mic),
		Speaker:        r.spk,
		Transport:      voice.NewTransport(r.api, live.SessionConfig{Voice: "Zephyr"}),
		Record:         r.rec,
		RevealInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("voice.New: %v", err)
	}
	r.ctrl = ctrl
	t.Cleanup(func() { _ = ctrl.Stop(context.Background()) })
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (r *rig) session(t *testing.T) *livemock.Session {
	t.Helper()
	s := r.api.Last()
	if s == nil {
		t.Fatal("no voice API session connected")
	}
	return s
}

// chunk encodes d of 24 kHz silence the way the voice API sends it.
func chunk(d time.Duration) audio.EncodedBlob {
	n := int(d / time.Millisecond * 24)
	return audio.Encode(audio.Frame{Samples: make([]float32, n), SampleRate: 24000})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func lastMessage(t *testing.T, rec *conversation.Record) conversation.Message {
	t.Helper()
	msgs := rec.Messages()
	if len(msgs) == 0 {
		t.Fatal("conversation is empty")
	}
	return msgs[len(msgs)-1]
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := voice.New(voice.Config{})
	if err == nil {
		t.Fatal("New with empty config succeeded")
	}
	for _, field := range []string{"Capture", "Speaker", "Transport", "Record"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}
}

func TestController_EndToEnd(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)

	if got := r.ctrl.State(); got != voice.Active {
		t.Fatalf("State = %v, want active", got)
	}
	if !r.rec.VoiceActive() {
		t.Error("record does not show voice as active")
	}

	for range 3 {
		if !r.mic.Emit(make([]float32, capture.DefaultFrameSize)) {
			t.Fatal("microphone stream rejected samples")
		}
	}
	sess := r.session(t)
	sent := sess.SentBlobs()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	for i, b := range sent {
		if b.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d MIME type = %q", i, b.MIMEType)
		}
	}

	sess.Deliver(live.Message{Audio: []audio.EncodedBlob{chunk(100 * time.Millisecond), chunk(100 * time.Millisecond)}})
	if n := len(r.out.Scheduled); n != 2 {
		t.Fatalf("scheduled %d chunks, want 2", n)
	}
	if a, b := r.out.Scheduled[0].At, r.out.Scheduled[1].At; !(a < b) {
		t.Errorf("chunk starts %v, %v are not strictly increasing", a, b)
	}
	if b := r.out.Scheduled[1].At; b != 100*time.Millisecond {
		t.Errorf("second chunk starts at %v, want 100ms", b)
	}

	sess.Deliver(live.Message{InputTranscription: "سلام"})
	sess.Deliver(live.Message{OutputTranscription: "درود"})
	if got := r.rec.Snapshot().UserTranscript; got != "سلام" {
		t.Errorf("UserTranscript = %q, want سلام", got)
	}
	eventually(t, "bot transcript reveal", func() bool {
		return r.rec.Snapshot().BotTranscript == "درود"
	})
	sess.Deliver(live.Message{TurnComplete: true})
	if snap := r.rec.Snapshot(); snap.UserTranscript != "" {
		t.Errorf("UserTranscript after turn = %q, want empty", snap.UserTranscript)
	}

	if err := r.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := r.ctrl.State(); got != voice.Idle {
		t.Errorf("State after Stop = %v, want idle", got)
	}
	if !sess.Closed() {
		t.Error("voice API session still open")
	}
	if !r.mic.Last().Closed() {
		t.Error("microphone stream still open")
	}
	if !r.out.Closed() {
		t.Error("output still open")
	}
	if n := r.out.Playing(); n != 0 {
		t.Errorf("%d sources still playing", n)
	}

	snap := r.rec.Snapshot()
	if snap.VoiceActive || snap.UserTranscript != "" || snap.BotTranscript != "" {
		t.Errorf("voice state not cleared: %+v", snap)
	}
	summary := lastMessage(t, r.rec)
	if summary.Author != conversation.AuthorBot || summary.IsError {
		t.Errorf("summary message = %+v", summary)
	}
	want := "### خلاصه مکالمه صوتی\n\nشما: سلام\n\nربات: درود"
	if summary.Text != want {
		t.Errorf("summary = %q, want %q", summary.Text, want)
	}

	if r.mic.Emit(make([]float32, capture.DefaultFrameSize)) {
		t.Error("closed microphone stream accepted samples")
	}
	if n := len(sess.SentBlobs()); n != 3 {
		t.Errorf("frames sent after Stop: total %d, want 3", n)
	}
}

func TestController_NoSummaryWithoutTurns(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)
	r.session(t).Deliver(live.Message{InputTranscription: "نیمه"})

	if err := r.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(r.rec.Messages()); n != 0 {
		t.Errorf("conversation has %d messages, want 0", n)
	}
}

func TestController_StartWhileActive(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)

	err := r.ctrl.Start(context.Background())
	if !errors.Is(err, voice.ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}
	if n := len(r.api.Sessions()); n != 1 {
		t.Errorf("%d sessions connected, want 1", n)
	}
}

func TestController_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	if err := r.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop while idle: %v", err)
	}
	r.start(t)
	for i := range 3 {
		if err := r.ctrl.Stop(context.Background()); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	if n := r.out.CallCountClose; n != 1 {
		t.Errorf("output closed %d times, want 1", n)
	}
	if n := r.session(t).CallCountClose; n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	t.Parallel()

	r := newRig(t, func(r *rig) { r.spk.Result = nil })
	r.start(t)
	if err := r.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	r.start(t)

	if n := len(r.api.Sessions()); n != 2 {
		t.Fatalf("%d sessions connected, want 2", n)
	}
	if len(r.spk.Opened) != 2 || r.spk.Opened[0] == r.spk.Opened[1] {
		t.Error("second session did not get its own output")
	}
	r.session(t).Deliver(live.Message{Audio: []audio.EncodedBlob{chunk(50 * time.Millisecond)}})
	if at := r.spk.Opened[1].Scheduled[0].At; at != 0 {
		t.Errorf("first chunk of new session starts at %v, want 0", at)
	}
}

func TestController_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(*rig)
		wantMsg string
		check   func(error) bool
	}{
		{
			name: "microphone permission denied",
			setup: func(r *rig) {
				r.mic.OpenErr = &audio.PermissionError{Device: "microphone", Err: errors.New("denied")}
			},
			wantMsg: "دسترسی به میکروفون امکان‌پذیر نیست.",
			check: func(err error) bool {
				var perr *audio.PermissionError
				return errors.As(err, &perr)
			},
		},
		{
			name: "no input device",
			setup: func(r *rig) {
				r.mic.OpenErr = &audio.DeviceError{Op: "open", Err: errors.New("no device")}
			},
			wantMsg: "دسترسی به میکروفون امکان‌پذیر نیست.",
			check: func(err error) bool {
				var derr *audio.DeviceError
				return errors.As(err, &derr)
			},
		},
		{
			name: "voice API unreachable",
			setup: func(r *rig) {
				r.api.ConnectErr = errors.New("dial refused")
			},
			wantMsg: "خطا در مکالمه صوتی.",
			check: func(err error) bool {
				var terr *voice.TransportError
				return errors.As(err, &terr)
			},
		},
		{
			name: "output device fails",
			setup: func(r *rig) {
				r.spk.OpenErr = &audio.DeviceError{Op: "open output", Err: errors.New("busy")}
			},
			wantMsg: "خطا در مکالمه صوتی.",
			check: func(err error) bool {
				var derr *audio.DeviceError
				return errors.As(err, &derr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newRig(t, tt.setup)
			err := r.ctrl.Start(context.Background())
			if err == nil {
				t.Fatal("Start succeeded")
			}
			if !tt.check(err) {
				t.Errorf("Start error %v has the wrong type", err)
			}
			if got := r.ctrl.State(); got != voice.Idle {
				t.Errorf("State = %v, want idle", got)
			}
			if r.rec.VoiceActive() {
				t.Error("record still shows voice as active")
			}
			msg := lastMessage(t, r.rec)
			if !msg.IsError || msg.Text != tt.wantMsg {
				t.Errorf("message = %+v, want error %q", msg, tt.wantMsg)
			}
			if s := r.mic.Last(); s != nil && !s.Closed() {
				t.Error("microphone stream left open")
			}
			if len(r.spk.Opened) > 0 && !r.out.Closed() {
				t.Error("output left open")
			}
			eventually(t, "late sessions to close", func() bool {
				for _, s := range r.api.Sessions() {
					if !s.Closed() {
						return false
					}
				}
				return true
			})
		})
	}
}

func TestController_StopWhileStarting(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	r := newRig(t, func(r *rig) { r.api.Block = block })

	done := make(chan error, 1)
	go func() { done <- r.ctrl.Start(context.Background()) }()

	eventually(t, "connect attempt", func() bool {
		return r.ctrl.State() == voice.Starting && r.rec.VoiceActive()
	})
	if err := r.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, voice.ErrStartAborted) {
			t.Errorf("Start = %v, want ErrStartAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if got := r.ctrl.State(); got != voice.Idle {
		t.Errorf("State = %v, want idle", got)
	}
	if n := len(r.rec.Messages()); n != 0 {
		t.Errorf("aborted start added %d messages, want 0", n)
	}
	for _, o := range r.spk.Opened {
		if !o.Closed() {
			t.Error("output left open")
		}
	}
}

func TestController_StartContextCancelled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	r := newRig(t, func(r *rig) { r.api.Block = block })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.ctrl.Start(ctx)
	if !errors.Is(err, voice.ErrStartAborted) {
		t.Fatalf("Start = %v, want ErrStartAborted", err)
	}
	if got := r.ctrl.State(); got != voice.Idle {
		t.Errorf("State = %v, want idle", got)
	}
	if n := len(r.rec.Messages()); n != 0 {
		t.Errorf("cancelled start added %d messages, want 0", n)
	}
}

func TestController_SessionOutlivesStartContext(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.ctrl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	if got := r.ctrl.State(); got != voice.Active {
		t.Errorf("State after cancelling start context = %v, want active", got)
	}
	r.mic.Emit(make([]float32, capture.DefaultFrameSize))
	if n := len(r.session(t).SentBlobs()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
}

func TestController_RemoteClose(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)
	sess := r.session(t)
	sess.Deliver(live.Message{InputTranscription: "خداحافظ"})
	sess.Deliver(live.Message{TurnComplete: true})

	sess.EndRemote("server shutdown")

	if got := r.ctrl.State(); got != voice.Idle {
		t.Fatalf("State = %v, want idle", got)
	}
	if !r.out.Closed() || !r.mic.Last().Closed() {
		t.Error("devices left open after remote close")
	}
	msg := lastMessage(t, r.rec)
	if msg.IsError || !strings.Contains(msg.Text, "شما: خداحافظ") {
		t.Errorf("last message = %+v, want summary", msg)
	}
}

func TestController_RemoteError(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)

	r.session(t).Fail(errors.New("socket reset"))

	if got := r.ctrl.State(); got != voice.Idle {
		t.Fatalf("State = %v, want idle", got)
	}
	msg := lastMessage(t, r.rec)
	if !msg.IsError || msg.Text != "خطا در مکالمه صوتی." {
		t.Errorf("last message = %+v, want voice error", msg)
	}
	if !r.out.Closed() {
		t.Error("output left open")
	}
	if r.rec.VoiceActive() {
		t.Error("record still shows voice as active")
	}
}

func TestController_SkipsMalformedChunks(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)

	r.session(t).Deliver(live.Message{Audio: []audio.EncodedBlob{
		{Data: "not base64!!", MIMEType: "audio/pcm;rate=24000"},
		{Data: "AAA=", MIMEType: "audio/pcm;rate=24000"}, // three bytes
		chunk(40 * time.Millisecond),
	}})

	if n := len(r.out.Scheduled); n != 1 {
		t.Fatalf("scheduled %d chunks, want 1", n)
	}
	if at := r.out.Scheduled[0].At; at != 0 {
		t.Errorf("valid chunk starts at %v, want 0", at)
	}
	if got := r.ctrl.State(); got != voice.Active {
		t.Errorf("State = %v, want active", got)
	}
}

func TestController_InterruptStopsPlayback(t *testing.T) {
	t.Parallel()

	r := newRig(t, nil)
	r.start(t)
	sess := r.session(t)

	sess.Deliver(live.Message{Audio: []audio.EncodedBlob{chunk(500 * time.Millisecond), chunk(500 * time.Millisecond)}})
	r.out.Advance(100 * time.Millisecond)
	if n := r.out.Playing(); n != 2 {
		t.Fatalf("Playing = %d, want 2", n)
	}

	sess.Deliver(live.Message{Interrupted: true})
	if n := r.out.Playing(); n != 0 {
		t.Errorf("Playing after interrupt = %d, want 0", n)
	}

	sess.Deliver(live.Message{Audio: []audio.EncodedBlob{chunk(100 * time.Millisecond)}})
	last := r.out.Scheduled[len(r.out.Scheduled)-1]
	if last.At != 100*time.Millisecond {
		t.Errorf("chunk after interrupt starts at %v, want the current clock 100ms", last.At)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    voice.State
		want string
	}{
		{voice.Idle, "idle"},
		{voice.Starting, "starting"},
		{voice.Active, "active"},
		{voice.Stopping, "stopping"},
		{voice.State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
