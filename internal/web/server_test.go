package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/goftegu/goftegu/internal/chat"
	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/health"
	"github.com/goftegu/goftegu/internal/voice"
)

// fakeChat records calls and returns a preset error.
type fakeChat struct {
	rec *conversation.Record

	mu      sync.Mutex
	sendErr error
	inputs  []chat.Input
	stops   int
	newChat int
}

func (f *fakeChat) Send(_ context.Context, in chat.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.inputs = append(f.inputs, in)
	f.rec.Append(conversation.Message{Author: conversation.AuthorUser, Text: in.Text, Image: in.Image})
	return nil
}

func (f *fakeChat) StopGeneration() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeChat) NewChat(context.Context) error {
	f.mu.Lock()
	f.newChat++
	f.mu.Unlock()
	f.rec.Reset()
	return nil
}

func (f *fakeChat) SetOptions(o conversation.Options) { f.rec.SetOptions(o) }

type fakeVoice struct {
	startErr error
	stopErr  error
	starts   int
	stops    int
}

func (f *fakeVoice) Start(context.Context) error { f.starts++; return f.startErr }
func (f *fakeVoice) Stop(context.Context) error  { f.stops++; return f.stopErr }

type fixture struct {
	rec    *conversation.Record
	chat   *fakeChat
	voice  *fakeVoice
	router http.Handler
}

func newFixture() *fixture {
	rec := conversation.New()
	f := &fixture{rec: rec, chat: &fakeChat{rec: rec}, voice: &fakeVoice{}}
	f.router = New(Config{
		Record:  rec,
		Chat:    f.chat,
		Voice:   f.voice,
		Health:  health.New(),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "# metrics") }),
	}).Router()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestState(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.rec.Append(conversation.Message{Author: conversation.AuthorBot, Text: "درود"})
	f.rec.SetVoiceActive(true)

	rec := f.do(http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	snap := decode[conversation.Snapshot](t, rec)
	if len(snap.Messages) != 1 || snap.Messages[0].Text != "درود" || !snap.VoiceActive {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSend(t *testing.T) {
	t.Parallel()
	f := newFixture()

	// data is base64 of "img".
	rec := f.do(http.MethodPost, "/api/messages", `{"text":"سلام","image":{"mimeType":"image/png","data":"aW1n"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.chat.inputs) != 1 {
		t.Fatalf("Send called %d times", len(f.chat.inputs))
	}
	in := f.chat.inputs[0]
	if in.Text != "سلام" || in.Image == nil || in.Image.MIMEType != "image/png" || string(in.Image.Data) != "img" {
		t.Errorf("input = %+v", in)
	}
}

func TestSend_ErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"empty", chat.ErrEmptyMessage, `{"text":""}`, http.StatusBadRequest},
		{"busy", chat.ErrBusy, `{"text":"x"}`, http.StatusConflict},
		{"not initialised", chat.ErrNotInitialised, `{"text":"x"}`, http.StatusInternalServerError},
		{"malformed body", nil, `{"text":`, http.StatusBadRequest},
		{"unknown field", nil, `{"txt":"x"}`, http.StatusBadRequest},
		{"no body", nil, ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.chat.sendErr = tt.err

			rec := f.do(http.MethodPost, "/api/messages", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if body := decode[errorResponse](t, rec); body.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestStopGenerationAndNewChat(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.rec.Append(conversation.Message{Author: conversation.AuthorUser, Text: "x"})

	if rec := f.do(http.MethodPost, "/api/generation/stop", ""); rec.Code != http.StatusNoContent {
		t.Errorf("stop status = %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/api/chat/new", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("new chat status = %d", rec.Code)
	}
	if snap := decode[conversation.Snapshot](t, rec); len(snap.Messages) != 0 {
		t.Errorf("messages after new chat = %d", len(snap.Messages))
	}
	if f.chat.stops != 1 || f.chat.newChat != 1 {
		t.Errorf("stops=%d newChat=%d", f.chat.stops, f.chat.newChat)
	}
}

func TestSettings_PartialUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.rec.SetOptions(conversation.Options{Thinking: true})

	rec := f.do(http.MethodPut, "/api/settings", `{"search":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := conversation.Options{Search: true, Thinking: true}
	if got := decode[conversation.Options](t, rec); got != want {
		t.Errorf("response = %+v, want %+v", got, want)
	}
	if got := f.rec.Options(); got != want {
		t.Errorf("record options = %+v, want %+v", got, want)
	}
}

func TestVoiceRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"started", nil, http.StatusOK},
		{"already active", fmt.Errorf("%w (state active)", voice.ErrSessionActive), http.StatusConflict},
		{"aborted", voice.ErrStartAborted, http.StatusConflict},
		{"transport", &voice.TransportError{Op: "open", Err: errors.New("refused")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.voice.startErr = tt.err
			if rec := f.do(http.MethodPost, "/api/voice/start", ""); rec.Code != tt.want {
				t.Errorf("start status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	f := newFixture()
	if rec := f.do(http.MethodPost, "/api/voice/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}
	if f.voice.stops != 1 {
		t.Errorf("Stop called %d times", f.voice.stops)
	}
}

func TestHealthAndMetricsMounted(t *testing.T) {
	t.Parallel()
	f := newFixture()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if rec := f.do(http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
	if rec := f.do(http.MethodGet, "/api/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/messages", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/messages = %d, want 405", rec.Code)
	}
}

func TestEvents_StreamsSnapshots(t *testing.T) {
	t.Parallel()
	f := newFixture()
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var first conversation.Snapshot
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	if len(first.Messages) != 0 {
		t.Errorf("initial snapshot has %d messages", len(first.Messages))
	}

	f.rec.Append(conversation.Message{Author: conversation.AuthorBot, Text: "تازه"})

	// Snapshots coalesce, so read until the change shows up.
	for {
		var snap conversation.Snapshot
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if len(snap.Messages) == 1 {
			if snap.Messages[0].Text != "تازه" {
				t.Errorf("message text = %q", snap.Messages[0].Text)
			}
			if snap.Version <= first.Version {
				t.Errorf("version %d did not advance past %d", snap.Version, first.Version)
			}
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
