package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/provider/live"
	"github.com/goftegu/goftegu/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(t *testing.T, srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	t.Helper()
	p, err := gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// recorder collects callback invocations.
type recorder struct {
	mu       sync.Mutex
	messages []live.Message
	errs     []error
	closes   []string
	terminal chan struct{}
	once     sync.Once
}

func newRecorder() *recorder {
	return &recorder{terminal: make(chan struct{})}
}

func (r *recorder) callbacks() live.Callbacks {
	return live.Callbacks{
		OnMessage: func(m live.Message) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, m)
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
		OnClose: func(reason string) {
			r.mu.Lock()
			r.closes = append(r.closes, reason)
			r.mu.Unlock()
			r.once.Do(func() { close(r.terminal) })
		},
	}
}

func (r *recorder) waitTerminal(t *testing.T) {
	t.Helper()
	select {
	case <-r.terminal:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for terminal callback")
	}
}

func (r *recorder) snapshot() ([]live.Message, []error, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.Message(nil), r.messages...), append([]error(nil), r.errs...), append([]string(nil), r.closes...)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := gemini.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *json.RawMessage `json:"inputAudioTranscription"`
			OutputAudioTranscription *json.RawMessage `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	got := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		got <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(t, srv, gemini.WithModel("custom-model"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:               "Zephyr",
		Instructions:        "پاسخ به فارسی",
		InputTranscription:  true,
		OutputTranscription: true,
	}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if key := <-keys; key != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", key)
	}
	msg := <-got
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q, want models/custom-model", msg.Setup.Model)
	}
	if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", m)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Zephyr" {
		t.Errorf("voiceName = %q, want Zephyr", v)
	}
	if parts := msg.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "پاسخ به فارسی" {
		t.Errorf("systemInstruction parts = %v", parts)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing from setup")
	}
}

func TestConnect_SetupError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
	})

	_, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v, want the server message", err)
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err == nil {
		t.Fatal("expected dial error, got nil")
	}
}

func TestSession_SendAudio(t *testing.T) {
	t.Parallel()

	type inputMsg struct {
		RealtimeInput struct {
			MediaChunks []audio.EncodedBlob `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	received := make(chan inputMsg, 2)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 2 {
			var msg inputMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	for _, data := range []string{"AAAA", "BBBB"} {
		if err := sess.SendAudio(audio.EncodedBlob{MIMEType: "audio/pcm;rate=16000", Data: data}); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	for _, want := range []string{"AAAA", "BBBB"} {
		select {
		case msg := <-received:
			chunks := msg.RealtimeInput.MediaChunks
			if len(chunks) != 1 {
				t.Fatalf("mediaChunks = %d, want 1", len(chunks))
			}
			if chunks[0].MIMEType != "audio/pcm;rate=16000" || chunks[0].Data != want {
				t.Errorf("chunk = %+v, want data %q", chunks[0], want)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for realtimeInput")
		}
	}
}

func TestSession_DeliversMessagesInOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "سلام"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "درود"},
			"modelTurn": map[string]any{"parts": []map[string]any{
				{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
			}},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		// Closing normally after the handler returns ends the session.
	})

	rec := newRecorder()
	sess, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	rec.waitTerminal(t)

	msgs, errs, closes := rec.snapshot()
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[0].InputTranscription != "سلام" {
		t.Errorf("msg 0 input = %q", msgs[0].InputTranscription)
	}
	if msgs[1].OutputTranscription != "درود" || len(msgs[1].Audio) != 1 || msgs[1].Audio[0].Data != "AAAA" {
		t.Errorf("msg 1 = %+v", msgs[1])
	}
	if !msgs[2].Interrupted {
		t.Errorf("msg 2 = %+v, want interrupted", msgs[2])
	}
	if !msgs[3].TurnComplete {
		t.Errorf("msg 3 = %+v, want turnComplete", msgs[3])
	}
	if len(errs) != 0 {
		t.Errorf("errors = %v, want none", errs)
	}
	if len(closes) != 1 {
		t.Errorf("OnClose fired %d times, want 1", len(closes))
	}
}

func TestSession_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	rec.waitTerminal(t)
	time.Sleep(50 * time.Millisecond)

	msgs, errs, closes := rec.snapshot()
	if len(errs) != 1 {
		t.Fatalf("OnError fired %d times, want 1", len(errs))
	}
	if len(closes) != 0 {
		t.Errorf("OnClose fired after OnError")
	}
	if len(msgs) != 0 {
		t.Errorf("messages delivered after the error: %+v", msgs)
	}
	if err := sess.SendAudio(audio.EncodedBlob{}); err == nil {
		t.Error("SendAudio after error: expected error")
	}
}

func TestSession_LocalCloseFiresNoCallbacks(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(t, srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-rec.terminal:
		t.Fatal("terminal callback fired after local Close")
	case <-time.After(100 * time.Millisecond):
	}
	if err := sess.SendAudio(audio.EncodedBlob{}); err == nil {
		t.Error("SendAudio after Close: expected error")
	}
}
