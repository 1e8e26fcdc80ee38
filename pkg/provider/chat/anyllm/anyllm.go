// Package anyllm provides a chat provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// The backends are reached through their OpenAI-style completion APIs, so
// web search grounding and extended thinking are not available. Only the
// text of each turn is forwarded: images on turns that also carry text are
// dropped with a Debug log, and a message that is only an image is rejected
// with [ErrImageUnsupported].
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)

// ErrImageUnsupported is returned by StreamChat when the message consists of
// an image only.
var ErrImageUnsupported = errors.New("anyllm: image attachments are not supported")

// Backends lists the provider names accepted by New.
var Backends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Provider implements chat.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider backed by the named any-llm-go backend.
//
// providerName is one of [Backends]. opts are any-llm-go options such as
// anyllmlib.WithAPIKey and anyllmlib.WithBaseURL; without an API key option
// the backend falls back to its usual environment variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: %s", providerName, strings.Join(Backends, ", "))
	}
}

// StreamChat implements chat.Provider.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	if req.Message.Text == "" {
		if req.Message.Image != nil {
			return nil, ErrImageUnsupported
		}
		return nil, errors.New("anyllm: empty request")
	}
	params, dropped := p.buildParams(req)
	if dropped > 0 {
		slog.Debug("anyllm: image attachments dropped", "images", dropped, "model", params.Model)
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan chat.Chunk, 32)
	go func() {
		defer close(ch)

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := chat.Chunk{
				Text:         choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			if out.Text == "" && out.FinishReason == "" {
				continue
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Errors are reported once the chunk channel is drained.
		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			select {
			case ch <- chat.Chunk{FinishReason: "error", Err: fmt.Errorf("anyllm: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts req and reports how many images it had to drop.
func (p *Provider) buildParams(req chat.Request) (anyllmlib.CompletionParams, int) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []anyllmlib.Message
	if req.SystemInstruction != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemInstruction,
		})
	}
	dropped := 0
	for _, t := range append(req.History, req.Message) {
		if t.Image != nil {
			dropped++
		}
		if t.Text == "" {
			continue
		}
		messages = append(messages, convertTurn(t))
	}

	return anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}, dropped
}

// convertTurn maps a chat turn onto an OpenAI-style message.
func convertTurn(t chat.Turn) anyllmlib.Message {
	role := "user"
	if t.Role == chat.RoleModel {
		role = "assistant"
	}
	return anyllmlib.Message{Role: role, Content: t.Text}
}
