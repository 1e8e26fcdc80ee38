// Package chat runs the text chat flow: it turns a user message into a
// streamed reply from a [chatprovider.Provider] and keeps the conversation record in
// sync while the reply arrives.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goftegu/goftegu/internal/conversation"
	"github.com/goftegu/goftegu/internal/observe"
	chatprovider "github.com/goftegu/goftegu/pkg/provider/chat"
)

// User-visible texts.
const (
	msgNotInitialised = "جلسه چت مقداردهی اولیه نشده است."
	msgErrorPrefix    = "خطایی رخ داد: "
	msgStopped        = "\n\n(توسط کاربر متوقف شد)"
)

// System instructions, selected by the search and thinking toggles.
const (
	instructionDefault        = "You are a friendly and helpful assistant. All your responses must be in Persian."
	instructionThinking       = "You are an expert assistant capable of handling complex queries. Think step-by-step to provide the most accurate and detailed answer. All your responses must be in Persian."
	instructionSearch         = "You are a friendly and helpful assistant. Use your search tool to find the most up-to-date information when needed. All your responses must be in Persian."
	instructionSearchThinking = "You are an expert assistant capable of handling complex queries. Use your search tool to find the most up-to-date information. Think step-by-step. All your responses must be in Persian."
)

var (
	// ErrBusy is returned by Send while a reply is streaming or a voice
	// session is active.
	ErrBusy = errors.New("chat: busy")

	// ErrEmptyMessage is returned by Send when there is neither text nor an
	// image.
	ErrEmptyMessage = errors.New("chat: empty message")

	// ErrNotInitialised is returned by Send when no provider is configured.
	ErrNotInitialised = errors.New("chat: not initialised")
)

// UpstreamError wraps a failure of the chat provider. It is shown inline in
// the conversation and never ends the service.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "chat: upstream: " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// VoiceStopper ends an active voice session. It is implemented by the voice
// controller.
type VoiceStopper interface {
	Stop(ctx context.Context) error
}

// Models selects the model and reasoning budget per mode.
type Models struct {
	// Default serves plain requests.
	Default string
	// Thinking serves requests with thinking enabled.
	Thinking string
	// ThinkingBudget is the reasoning token budget in thinking mode.
	ThinkingBudget int
}

// DefaultModels are the Gemini models used when nothing is configured.
var DefaultModels = Models{
	Default:        "gemini-2.5-flash",
	Thinking:       "gemini-2.5-pro",
	ThinkingBudget: 32768,
}

// Input is one user message.
type Input struct {
	Text  string
	Image *conversation.Image
}

// Option configures a [Service].
type Option func(*Service)

// WithModels overrides [DefaultModels]. Empty fields keep the default.
func WithModels(m Models) Option {
	return func(s *Service) {
		s.models = s.models.merge(m)
	}
}

func (m Models) merge(o Models) Models {
	if o.Default != "" {
		m.Default = o.Default
	}
	if o.Thinking != "" {
		m.Thinking = o.Thinking
	}
	if o.ThinkingBudget > 0 {
		m.ThinkingBudget = o.ThinkingBudget
	}
	return m
}

// WithVoice lets NewChat end an active voice session.
func WithVoice(v VoiceStopper) Option {
	return func(s *Service) {
		s.voice = v
	}
}

// WithMetrics records chat metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service is the text chat flow over one conversation record. It runs at most
// one reply at a time. All methods are safe for concurrent use.
type Service struct {
	provider chatprovider.Provider
	record   *conversation.Record
	models   Models
	voice    VoiceStopper
	metrics  *observe.Metrics

	mu      sync.Mutex
	gen     *generation
	stopped bool
}

type generation struct {
	cancel context.CancelFunc
	done   chan struct{}

	// discarded is set by NewChat under s.mu. The outcome of a discarded
	// generation is not written to the record.
	discarded bool
}

// New creates a chat service. provider may be nil, in which case every Send
// reports [ErrNotInitialised] in the conversation.
func New(provider chatprovider.Provider, record *conversation.Record, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		record:   record,
		models:   DefaultModels,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetModels replaces the models used from the next Send on. Empty fields
// reset to [DefaultModels].
func (s *Service) SetModels(m Models) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = DefaultModels.merge(m)
}

// Send appends the user message and an empty bot reply to the record and
// starts streaming the reply in the background. It returns once the reply is
// under way; use [Service.Wait] to block until it has finished.
//
// ctx scopes logging and tracing only. The reply outlives it and ends when
// the stream completes, [Service.StopGeneration] is called, or
// [Service.NewChat] runs.
func (s *Service) Send(ctx context.Context, in Input) error {
	if strings.TrimSpace(in.Text) == "" && (in.Image == nil || len(in.Image.Data) == 0) {
		return ErrEmptyMessage
	}
	if s.provider == nil {
		s.record.Append(conversation.Message{Author: conversation.AuthorBot, Text: msgNotInitialised, IsError: true})
		return ErrNotInitialised
	}

	s.mu.Lock()
	if s.gen != nil || s.record.VoiceActive() {
		s.mu.Unlock()
		return ErrBusy
	}

	opts := s.record.Options()
	req := s.buildRequest(s.record.Messages(), in, opts)

	s.record.Append(conversation.Message{Author: conversation.AuthorUser, Text: in.Text, Image: in.Image})
	reply := s.record.Append(conversation.Message{Author: conversation.AuthorBot})
	s.record.SetLoading(true)

	gctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &generation{cancel: cancel, done: make(chan struct{})}
	s.gen = g
	s.stopped = false
	s.mu.Unlock()

	go s.run(gctx, g, reply.ID, req, opts.Search)
	return nil
}

// buildRequest turns the prior conversation plus in into a provider request.
// Error messages and empty messages are not part of the history.
func (s *Service) buildRequest(prior []conversation.Message, in Input, opts conversation.Options) chatprovider.Request {
	history := make([]chatprovider.Turn, 0, len(prior))
	for _, m := range prior {
		if m.IsError {
			continue
		}
		t := toTurn(m)
		if t.Text == "" && t.Image == nil {
			continue
		}
		history = append(history, t)
	}

	req := chatprovider.Request{
		Model:             s.models.Default,
		SystemInstruction: systemInstruction(opts),
		History:           history,
		Message:           toTurn(conversation.Message{Author: conversation.AuthorUser, Text: in.Text, Image: in.Image}),
		Search:            opts.Search,
	}
	if opts.Thinking {
		req.Model = s.models.Thinking
		req.ThinkingBudget = s.models.ThinkingBudget
	}
	return req
}

func toTurn(m conversation.Message) chatprovider.Turn {
	t := chatprovider.Turn{Role: chatprovider.RoleUser, Text: m.Text}
	if m.Author == conversation.AuthorBot {
		t.Role = chatprovider.RoleModel
		return t
	}
	if m.Image != nil && len(m.Image.Data) > 0 {
		t.Image = &chatprovider.Image{MIMEType: m.Image.MIMEType, Data: m.Image.Data}
	}
	return t
}

func systemInstruction(o conversation.Options) string {
	switch {
	case o.Search && o.Thinking:
		return instructionSearchThinking
	case o.Search:
		return instructionSearch
	case o.Thinking:
		return instructionThinking
	default:
		return instructionDefault
	}
}

func (s *Service) run(ctx context.Context, g *generation, replyID string, req chatprovider.Request, search bool) {
	ctx = observe.WithAttrs(ctx,
		attribute.String("reply_id", replyID),
		attribute.String("model", req.Model),
	)
	ctx, span := observe.StartSpan(ctx, "chat.send")
	span.SetAttributes(
		attribute.Bool("search", req.Search),
		attribute.Int("thinking_budget", req.ThinkingBudget),
	)
	defer span.End()

	start := time.Now()
	log := observe.Logger(ctx)
	log.Debug("chat reply started", "history", len(req.History))

	err := s.stream(ctx, replyID, req, search)

	s.mu.Lock()
	stopped := s.stopped
	discarded := g.discarded
	s.mu.Unlock()

	status := "ok"
	switch {
	case discarded:
		status = "discarded"
		log.Info("chat reply discarded by new chat")
	case stopped:
		status = "stopped"
		s.record.Update(replyID, func(m *conversation.Message) { m.Text += msgStopped })
		log.Info("chat reply stopped by user")
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(replyID, err)
		log.Error("chat reply failed", "err", err)
	}

	s.metrics.RecordChat(ctx, status, time.Since(start))

	s.mu.Lock()
	s.gen = nil
	s.stopped = false
	s.record.SetLoading(false)
	s.mu.Unlock()
	g.cancel()
	close(g.done)
}

// stream copies the provider stream into the reply message.
func (s *Service) stream(ctx context.Context, replyID string, req chatprovider.Request, search bool) error {
	chunks, err := s.provider.StreamChat(ctx, req)
	if err != nil {
		return &UpstreamError{Err: err}
	}

	var (
		text      strings.Builder
		sources   []chatprovider.Source
		streamErr error
	)
	for c := range chunks {
		if c.Err != nil {
			streamErr = &UpstreamError{Err: c.Err}
			continue
		}
		if c.Text == "" && len(c.Sources) == 0 {
			continue
		}
		text.WriteString(c.Text)
		if search {
			sources = chatprovider.DedupeSources(sources, c.Sources...)
		}
		body := text.String()
		srcs := append([]chatprovider.Source(nil), sources...)
		s.record.Update(replyID, func(m *conversation.Message) {
			m.Text = body
			m.Sources = srcs
		})
	}
	return streamErr
}

// fail shows err in place of the reply. An empty reply is replaced, a partial
// one is kept and followed by a separate error message. Nothing is written
// once the reply has left the record.
func (s *Service) fail(replyID string, err error) {
	text := msgErrorPrefix + detail(err)
	replaced := false
	found := s.record.Update(replyID, func(m *conversation.Message) {
		if m.Text != "" {
			return
		}
		m.Text = text
		m.Sources = nil
		m.IsError = true
		replaced = true
	})
	if found && !replaced {
		s.record.Append(conversation.Message{Author: conversation.AuthorBot, Text: text, IsError: true})
	}
}

// detail returns the provider's own message without the wrapping prefixes.
func detail(err error) string {
	var up *UpstreamError
	if errors.As(err, &up) {
		err = up.Err
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}

// StopGeneration cancels the streaming reply, if any, and marks the partial
// reply as stopped by the user. It does not wait for the stream to wind down.
func (s *Service) StopGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return
	}
	s.stopped = true
	s.gen.cancel()
}

// Wait blocks until the current reply, if any, has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	g := s.gen
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether a reply is streaming.
func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != nil
}

// NewChat stops any streaming reply, ends an active voice session, and
// clears the conversation. The toggles are kept.
func (s *Service) NewChat(ctx context.Context) error {
	s.mu.Lock()
	g := s.gen
	if g != nil {
		g.discarded = true
		g.cancel()
	}
	s.mu.Unlock()

	var errs []error
	if g != nil {
		select {
		case <-g.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("chat: new chat: %w", ctx.Err()))
		}
	}
	if s.voice != nil {
		if err := s.voice.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("chat: new chat: stop voice: %w", err))
		}
	}
	s.record.Reset()
	slog.Info("new chat started")
	return errors.Join(errs...)
}

// SetSearch toggles web search grounding for the following messages.
func (s *Service) SetSearch(on bool) {
	o := s.record.Options()
	o.Search = on
	s.record.SetOptions(o)
}

// SetThinking toggles extended reasoning for the following messages.
func (s *Service) SetThinking(on bool) {
	o := s.record.Options()
	o.Thinking = on
	s.record.SetOptions(o)
}

// SetOptions replaces both toggles.
func (s *Service) SetOptions(o conversation.Options) {
	s.record.SetOptions(o)
}
