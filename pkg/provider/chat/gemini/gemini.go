// Package gemini provides a chat provider backed by the Gemini API through
// google.golang.org/genai.
//
// It is the only built-in provider that honours every Request field: history
// with inline images, Google Search grounding (surfaced as chat.Source values),
// and an extended thinking budget.
package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

var _ chat.Provider = (*Provider)(nil)

const defaultModel = "gemini-2.5-flash"

// Provider implements chat.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// New constructs a Gemini chat provider. An empty model selects
// gemini-2.5-flash.
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// StreamChat implements chat.Provider.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	contents := buildContents(req)
	if len(contents) == 0 {
		return nil, errors.New("gemini: empty request")
	}
	gcfg := buildConfig(req)

	ch := make(chan chat.Chunk, 32)
	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, gcfg) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case ch <- chat.Chunk{FinishReason: "error", Err: fmt.Errorf("gemini: stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			out := chat.Chunk{Text: resp.Text()}
			if len(resp.Candidates) > 0 {
				cand := resp.Candidates[0]
				out.FinishReason = string(cand.FinishReason)
				if req.Search {
					out.Sources = groundingSources(cand.GroundingMetadata)
				}
			}
			if out.Text == "" && len(out.Sources) == 0 && out.FinishReason == "" {
				continue
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// buildContents converts history plus the new message into genai contents.
func buildContents(req chat.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, t := range req.History {
		if c := convertTurn(t); c != nil {
			contents = append(contents, c)
		}
	}
	if c := convertTurn(req.Message); c != nil {
		contents = append(contents, c)
	}
	return contents
}

// convertTurn converts a chat.Turn into a genai.Content. Empty turns yield nil.
func convertTurn(t chat.Turn) *genai.Content {
	var parts []*genai.Part
	if t.Image != nil && len(t.Image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(t.Image.Data, t.Image.MIMEType))
	}
	if t.Text != "" {
		parts = append(parts, genai.NewPartFromText(t.Text))
	}
	if len(parts) == 0 {
		return nil
	}
	role := genai.RoleUser
	if t.Role == chat.RoleModel {
		role = genai.RoleModel
	}
	return genai.NewContentFromParts(parts, genai.Role(role))
}

// buildConfig maps the optional request features onto a generation config.
func buildConfig(req chat.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	if req.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			ThinkingBudget: genai.Ptr(int32(req.ThinkingBudget)),
		}
	}
	return cfg
}

// groundingSources extracts web citations from grounding metadata.
func groundingSources(md *genai.GroundingMetadata) []chat.Source {
	if md == nil {
		return nil
	}
	var out []chat.Source
	for _, gc := range md.GroundingChunks {
		if gc == nil || gc.Web == nil || gc.Web.URI == "" {
			continue
		}
		out = append(out, chat.Source{URI: gc.Web.URI, Title: gc.Web.Title})
	}
	return chat.DedupeSources(nil, out...)
}
