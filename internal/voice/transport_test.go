package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/provider/live"
	livemock "github.com/goftegu/goftegu/pkg/provider/live/mock"
)

func blob(data string) audio.EncodedBlob {
	return audio.EncodedBlob{Data: data, MIMEType: audio.PCMMIMEType(16000)}
}

func waitReady(t *testing.T, h *Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestHandle_FlushesQueuedFramesInOrder(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &livemock.Provider{Block: block}
	h := NewTransport(p, live.SessionConfig{Voice: "Zephyr"}).Open(context.Background(), live.Callbacks{})

	for _, d := range []string{"a", "b", "c"} {
		if err := h.Send(blob(d)); err != nil {
			t.Fatalf("Send(%q) before connect: %v", d, err)
		}
	}
	close(block)
	waitReady(t, h)

	if err := h.Send(blob("d")); err != nil {
		t.Fatalf("Send after connect: %v", err)
	}

	sent := p.Last().SentBlobs()
	var got []string
	for _, b := range sent {
		got = append(got, b.Data)
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sent[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if p.ConnectCalls[0].Cfg.Voice != "Zephyr" {
		t.Errorf("Connect voice = %q, want Zephyr", p.ConnectCalls[0].Cfg.Voice)
	}
}

func TestHandle_OpenFailure(t *testing.T) {
	t.Parallel()

	p := &livemock.Provider{ConnectErr: errors.New("handshake rejected")}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{})

	err := h.Wait(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Wait error = %v, want *TransportError", err)
	}
	if terr.Op != "open" {
		t.Errorf("Op = %q, want open", terr.Op)
	}
	if err := h.Send(blob("x")); !errors.As(err, &terr) {
		t.Errorf("Send after failed open = %v, want *TransportError", err)
	}
}

func TestHandle_NoProvider(t *testing.T) {
	t.Parallel()

	h := NewTransport(nil, live.SessionConfig{}).Open(context.Background(), live.Callbacks{})
	err := h.Wait(context.Background())
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("Wait error = %v, want ErrNoProvider", err)
	}
}

func TestHandle_CloseBeforeConnectReleasesLateSession(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &livemock.Provider{Block: block}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{})

	_ = h.Send(blob("dropped"))
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(block)

	if err := h.Wait(context.Background()); !errors.Is(err, ErrHandleClosed) {
		t.Fatalf("Wait after Close = %v, want ErrHandleClosed", err)
	}
	sess := p.Last()
	if sess == nil {
		t.Fatal("no session connected")
	}
	if !sess.Closed() {
		t.Error("late session was not closed")
	}
	if n := len(sess.SentBlobs()); n != 0 {
		t.Errorf("late session received %d frames, want 0", n)
	}
	if err := h.Send(blob("y")); !errors.Is(err, ErrHandleClosed) {
		t.Errorf("Send after Close = %v, want ErrHandleClosed", err)
	}
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	p := &livemock.Provider{}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{})
	waitReady(t, h)

	for i := range 3 {
		if err := h.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if n := p.Last().CallCountClose; n != 1 {
		t.Errorf("session Close called %d times, want 1", n)
	}
}

func TestHandle_TerminalCallbackFiresOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var errs []error
	var closes []string
	p := &livemock.Provider{}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		OnClose: func(reason string) {
			mu.Lock()
			closes = append(closes, reason)
			mu.Unlock()
		},
	})
	waitReady(t, h)

	// Drive the wrapped callbacks directly: the mock session itself already
	// guards against a second terminal event.
	h.onError(errors.New("socket reset"))
	h.onClose("normal")
	h.onError(errors.New("again"))

	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 || len(closes) != 0 {
		t.Fatalf("errors=%v closes=%v, want exactly one error", errs, closes)
	}
	var terr *TransportError
	if !errors.As(errs[0], &terr) || terr.Op != "receive" {
		t.Errorf("OnError got %v, want receive TransportError", errs[0])
	}
}

func TestHandle_NoCallbacksAfterClose(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := 0
	count := func() {
		mu.Lock()
		fired++
		mu.Unlock()
	}
	p := &livemock.Provider{}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{
		OnMessage: func(live.Message) { count() },
		OnError:   func(error) { count() },
		OnClose:   func(string) { count() },
	})
	waitReady(t, h)
	_ = h.Close()

	h.onMessage(live.Message{Text: "late"})
	h.onError(errors.New("late"))
	h.onClose("late")

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Errorf("%d callbacks fired after Close, want 0", fired)
	}
}

func TestHandle_SendErrorIsWrapped(t *testing.T) {
	t.Parallel()

	p := &livemock.Provider{}
	h := NewTransport(p, live.SessionConfig{}).Open(context.Background(), live.Callbacks{})
	waitReady(t, h)
	p.Last().SendErr = errors.New("broken pipe")

	var terr *TransportError
	if err := h.Send(blob("x")); !errors.As(err, &terr) || terr.Op != "send" {
		t.Errorf("Send error = %v, want send TransportError", err)
	}
}

func TestTransport_SetConfigAppliesToNextSession(t *testing.T) {
	t.Parallel()

	p := &livemock.Provider{}
	tr := NewTransport(p, live.SessionConfig{Voice: "Zephyr"})
	first := tr.Open(context.Background(), live.Callbacks{})
	waitReady(t, first)

	tr.SetConfig(live.SessionConfig{Voice: "Kore", Instructions: "brief"})
	second := tr.Open(context.Background(), live.Callbacks{})
	waitReady(t, second)

	if got := p.ConnectCalls[0].Cfg.Voice; got != "Zephyr" {
		t.Errorf("first session voice = %q, want Zephyr", got)
	}
	if got := p.ConnectCalls[1].Cfg; got.Voice != "Kore" || got.Instructions != "brief" {
		t.Errorf("second session config = %+v", got)
	}
	if got := tr.Config().Voice; got != "Kore" {
		t.Errorf("Config().Voice = %q, want Kore", got)
	}
}
