// Package chat defines the Provider interface for streaming text chat
// backends.
//
// A chat provider wraps a hosted LLM API and turns one request (history,
// system instruction, optional image, optional web search, optional reasoning
// budget) into a stream of text chunks, each optionally annotated with the web
// sources the answer was grounded on.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamChat must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package chat

import (
	"context"
)

// Role is the author role of a turn as the model sees it.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Image is an inline image attachment.
type Image struct {
	MIMEType string
	Data     []byte
}

// Turn is one message of the conversation.
type Turn struct {
	Role  Role
	Text  string
	Image *Image
}

// Source is a web citation returned alongside a search-grounded answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// Request carries everything the model needs to produce a reply.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// SystemInstruction is the high-priority instruction for the model.
	SystemInstruction string

	// History is the conversation so far, oldest first, excluding Message.
	History []Turn

	// Message is the new user turn.
	Message Turn

	// Search enables the provider's web search tool. Providers without one
	// ignore it.
	Search bool

	// ThinkingBudget is the extended-reasoning token budget. Zero disables
	// extended reasoning.
	ThinkingBudget int
}

// Chunk is one fragment of a streamed reply.
type Chunk struct {
	// Text is the incremental text of this chunk. May be empty.
	Text string

	// Sources lists grounding sources attached to this chunk.
	Sources []Source

	// FinishReason is set on the final chunk, e.g. "stop" or "error".
	FinishReason string

	// Err is set on the final chunk when the stream failed midway.
	Err error
}

// Provider is the abstraction over any chat backend.
type Provider interface {
	// StreamChat sends req and returns a channel of chunks. The channel is
	// closed when generation finishes or ctx is cancelled. The initial error is
	// non-nil only for failures that prevent the stream from starting; later
	// failures arrive as a final Chunk with Err set.
	//
	// The returned channel must never be nil when error is nil.
	StreamChat(ctx context.Context, req Request) (<-chan Chunk, error)
}

// DedupeSources appends incoming to existing, keyed by URI. A URI keeps the
// position it was first seen at and the title it was last seen with; an empty
// title falls back to the URI. Sources without a URI are dropped.
func DedupeSources(existing []Source, incoming ...Source) []Source {
	out := append([]Source(nil), existing...)
	index := make(map[string]int, len(out)+len(incoming))
	for i, s := range out {
		index[s.URI] = i
	}
	for _, s := range incoming {
		if s.URI == "" {
			continue
		}
		if s.Title == "" {
			s.Title = s.URI
		}
		if i, ok := index[s.URI]; ok {
			out[i].Title = s.Title
			continue
		}
		index[s.URI] = len(out)
		out = append(out, s)
	}
	return out
}
