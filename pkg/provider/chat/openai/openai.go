// Package openai provides a chat provider backed by the OpenAI chat
// completions API, or any server that speaks it.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI chat Provider.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamChat implements chat.Provider. Search and ThinkingBudget are ignored.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	params := p.buildParams(req)
	if len(params.Messages) == 0 {
		return nil, errors.New("openai: empty request")
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan chat.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
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

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- chat.Chunk{FinishReason: "error", Err: fmt.Errorf("openai: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (p *Provider) buildParams(req chat.Request) oai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.SystemInstruction != "" {
		messages = append(messages, oai.SystemMessage(req.SystemInstruction))
	}
	for _, t := range req.History {
		if msg, ok := convertTurn(t); ok {
			messages = append(messages, msg)
		}
	}
	if msg, ok := convertTurn(req.Message); ok {
		messages = append(messages, msg)
	}

	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
}

// convertTurn converts a chat turn into an OpenAI message param. User images
// are sent as data URLs; model turns carry text only. ok is false for turns
// with nothing to send.
func convertTurn(t chat.Turn) (oai.ChatCompletionMessageParamUnion, bool) {
	hasImage := t.Image != nil && len(t.Image.Data) > 0

	if t.Role == chat.RoleModel {
		if t.Text == "" {
			return oai.ChatCompletionMessageParamUnion{}, false
		}
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(t.Text)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, true
	}

	if !hasImage {
		if t.Text == "" {
			return oai.ChatCompletionMessageParamUnion{}, false
		}
		return oai.UserMessage(t.Text), true
	}

	parts := []oai.ChatCompletionContentPartUnionParam{
		oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(t.Image),
		}),
	}
	if t.Text != "" {
		parts = append(parts, oai.TextContentPart(t.Text))
	}
	return oai.UserMessage(parts), true
}

func dataURL(img *chat.Image) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}
