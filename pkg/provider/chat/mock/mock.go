// Package mock provides a test double for the chat.Provider interface.
//
// Configure the exported fields before calling StreamChat; mutating them
// during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: []chat.Chunk{{Text: "سلام"}, {FinishReason: "stop"}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

// Provider is a mock implementation of chat.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted in order on every stream.
	Chunks []chat.Chunk

	// StreamErr, if non-nil, is returned from StreamChat instead of a channel.
	StreamErr error

	// Hold, if non-nil, keeps each stream open after Chunks are sent until
	// Hold is closed or the stream context is cancelled.
	Hold chan struct{}

	// Started, if non-nil, receives one value per stream before any chunk is
	// emitted. Sends are non-blocking.
	Started chan struct{}

	calls []chat.Request
}

var _ chat.Provider = (*Provider)(nil)

// StreamChat implements chat.Provider.
func (p *Provider) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	chunks := append([]chat.Chunk(nil), p.Chunks...)
	streamErr := p.StreamErr
	hold := p.Hold
	started := p.Started
	p.mu.Unlock()

	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan chat.Chunk)
	go func() {
		defer close(ch)
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of every request received, in order.
func (p *Provider) Calls() []chat.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Request(nil), p.calls...)
}

// Last returns the most recent request. ok is false when none was made.
func (p *Provider) Last() (req chat.Request, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return chat.Request{}, false
	}
	return p.calls[len(p.calls)-1], true
}
