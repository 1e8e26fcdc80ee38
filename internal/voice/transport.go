package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/goftegu/goftegu/pkg/audio"
	"github.com/goftegu/goftegu/pkg/provider/live"
)

// ErrHandleClosed is returned by [Handle.Send] after [Handle.Close].
var ErrHandleClosed = errors.New("voice: transport closed")

// ErrNoProvider is the open failure of a transport without a voice API.
var ErrNoProvider = errors.New("voice: no voice API provider configured")

// TransportError reports that the voice API connection failed to open or
// ended abnormally mid-session.
type TransportError struct {
	// Op is "open", "send" or "receive".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("voice: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport opens voice API sessions. The session configuration may be
// replaced between sessions.
type Transport struct {
	provider live.Provider

	mu  sync.Mutex
	cfg live.SessionConfig
}

// NewTransport returns a transport that opens sessions on p with cfg.
func NewTransport(p live.Provider, cfg live.SessionConfig) *Transport {
	return &Transport{provider: p, cfg: cfg}
}

// Open starts negotiating a session in the background and returns its handle
// immediately. Frames sent before the session is ready are queued on the
// handle and flushed in order once it is.
//
// The callbacks follow the [live.Callbacks] contract: messages arrive in
// order, at most one terminal callback fires, and nothing fires after
// [Handle.Close]. A failed negotiation is reported by [Handle.Wait], not by
// OnError.
func (t *Transport) Open(ctx context.Context, cb live.Callbacks) *Handle {
	h := &Handle{
		cb:    cb,
		ready: make(chan struct{}),
	}
	go h.connect(ctx, t.provider, t.Config())
	return h
}

// Config returns the configuration the next session opens with.
func (t *Transport) Config() live.SessionConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// SetConfig replaces the configuration of future sessions. A session that is
// already open keeps its configuration.
func (t *Transport) SetConfig(cfg live.SessionConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// Handle is one voice API session, usable before it is connected. A Handle
// is not reusable.
type Handle struct {
	cb    live.Callbacks
	ready chan struct{}

	mu         sync.Mutex
	sess       live.Session
	openErr    error
	pending    []audio.EncodedBlob
	closed     bool
	terminated bool
}

func (h *Handle) connect(ctx context.Context, p live.Provider, cfg live.SessionConfig) {
	var (
		sess live.Session
		err  = ErrNoProvider
	)
	if p != nil {
		sess, err = p.Connect(ctx, cfg, live.Callbacks{
			OnMessage: h.onMessage,
			OnError:   h.onError,
			OnClose:   h.onClose,
		})
	}

	h.mu.Lock()
	defer close(h.ready)
	defer h.mu.Unlock()

	if err != nil {
		h.openErr = &TransportError{Op: "open", Err: err}
		h.pending = nil
		return
	}
	if h.closed {
		// Closed while negotiating: release the late session right away.
		if cerr := sess.Close(); cerr != nil {
			slog.Debug("voice: closing late session", "err", cerr)
		}
		return
	}

	h.sess = sess
	for _, blob := range h.pending {
		if err := sess.SendAudio(blob); err != nil {
			slog.Warn("voice: flushing queued frame", "err", err)
			break
		}
	}
	h.pending = nil
}

// Wait blocks until the session is connected, negotiation failed, or ctx is
// done. A failed negotiation returns a [*TransportError].
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return h.openErr
	}
	if h.closed {
		return ErrHandleClosed
	}
	return nil
}

// Send pushes blob upstream, or queues it while the session is still
// negotiating. Sends are delivered in call order.
func (h *Handle) Send(blob audio.EncodedBlob) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return ErrHandleClosed
	case h.openErr != nil:
		return h.openErr
	case h.sess == nil:
		h.pending = append(h.pending, blob)
		return nil
	}
	if err := h.sess.SendAudio(blob); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Close closes the session and drops queued frames. It is idempotent and
// safe before the session is connected; a session that connects afterwards
// is closed as soon as it arrives.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending = nil
	sess := h.sess
	h.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := sess.Close(); err != nil {
		return fmt.Errorf("voice: close transport: %w", err)
	}
	return nil
}

func (h *Handle) onMessage(msg live.Message) {
	h.mu.Lock()
	skip := h.closed || h.terminated
	h.mu.Unlock()
	if skip || h.cb.OnMessage == nil {
		return
	}
	h.cb.OnMessage(msg)
}

// terminate reports whether the caller may fire the terminal callback.
func (h *Handle) terminate() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.terminated {
		return false
	}
	h.terminated = true
	return true
}

func (h *Handle) onError(err error) {
	if !h.terminate() || h.cb.OnError == nil {
		return
	}
	h.cb.OnError(&TransportError{Op: "receive", Err: err})
}

func (h *Handle) onClose(reason string) {
	if !h.terminate() || h.cb.OnClose == nil {
		return
	}
	h.cb.OnClose(reason)
}
