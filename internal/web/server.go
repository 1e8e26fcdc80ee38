// Package web binds the conversation to a loopback HTTP API.
//
// The binding is a thin adapter: every route maps onto one operation of the
// chat service or the voice controller, and the UI state is read from the
// conversation record. /api/events streams a JSON snapshot of the record over
// a WebSocket on every change.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goftegu/goftegu/internal/chat"
	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/health"
	"github.com/goftegu/goftegu/internal/observe"
	"github.com/goftegu/goftegu/internal/voice"
)

// maxBodyBytes caps request bodies; images travel inline as base64.
const maxBodyBytes = 16 << 20

// writeTimeout bounds a single event write to a subscriber.
const writeTimeout = 5 * time.Second

// Chat is the chat flow the binding drives.
type Chat interface {
	Send(ctx context.Context, in chat.Input) error
	StopGeneration()
	NewChat(ctx context.Context) error
	SetOptions(o conversation.Options)
}

// Voice is the voice session the binding drives.
type Voice interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Config wires a [Server]. Record, Chat and Voice are required.
type Config struct {
	Record *conversation.Record
	Chat   Chat
	Voice  Voice

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Metrics serves /metrics. Defaults to [promhttp.Handler].
	Metrics http.Handler

	// HTTPMetrics instruments every request. Optional.
	HTTPMetrics *observe.Metrics

	// OriginPatterns lists the browser origins allowed to open /api/events.
	// Same-origin requests and clients without an Origin header are always
	// allowed.
	OriginPatterns []string
}

// Server serves the binding.
type Server struct {
	cfg Config
}

// New returns a server for cfg.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	return &Server{cfg: cfg}
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.cfg.HTTPMetrics))

	if s.cfg.Health != nil {
		s.cfg.Health.Register(r)
	}
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
		r.Post("/messages", s.handleSend)
		r.Post("/generation/stop", s.handleStopGeneration)
		r.Post("/chat/new", s.handleNewChat)
		r.Put("/settings", s.handleSettings)
		r.Post("/voice/start", s.handleVoiceStart)
		r.Post("/voice/stop", s.handleVoiceStop)
	})
	return r
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.cfg.Record.Snapshot())
}

// sendRequest is the body of POST /api/messages. image.data is base64.
type sendRequest struct {
	Text  string              `json:"text"`
	Image *conversation.Image `json:"image,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Chat.Send(r.Context(), chat.Input{Text: req.Text, Image: req.Image}); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, s.cfg.Record.Snapshot())
}

func (s *Server) handleStopGeneration(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Chat.StopGeneration()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Chat.NewChat(r.Context()); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Record.Snapshot())
}

// settingsRequest is the body of PUT /api/settings. Omitted fields keep
// their current value.
type settingsRequest struct {
	Search   *bool `json:"search"`
	Thinking *bool `json:"thinking"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := s.cfg.Record.Options()
	if req.Search != nil {
		opts.Search = *req.Search
	}
	if req.Thinking != nil {
		opts.Thinking = *req.Thinking
	}
	s.cfg.Chat.SetOptions(opts)
	respondJSON(w, http.StatusOK, opts)
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Voice.Start(r.Context()); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Record.Snapshot())
}

func (s *Server) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Voice.Stop(r.Context()); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.cfg.Record.Snapshot())
}

// handleEvents streams snapshots until the client goes away. The first
// message is the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the response.
		slog.Debug("web: events upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The stream is write-only; CloseRead handles pings and cancels ctx when
	// the client closes.
	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.cfg.Record.Subscribe()
	defer cancel()

	log := observe.Logger(r.Context())
	log.Debug("web: events subscriber connected")
	for {
		select {
		case <-ctx.Done():
			log.Debug("web: events subscriber gone")
			return
		case snap, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, snap)
			wcancel()
			if err != nil {
				log.Debug("web: events write failed", "err", err)
				return
			}
		}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

var errEmptyBody = errors.New("empty request body")

// decodeJSON reads a single JSON object from the request body. Unknown fields
// are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// respondErr maps a service error onto its status code.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Warn("web: request failed", "path", r.URL.Path, "err", err)
	}
	respondError(w, status, err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrBusy),
		errors.Is(err, voice.ErrSessionActive),
		errors.Is(err, voice.ErrStartAborted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
