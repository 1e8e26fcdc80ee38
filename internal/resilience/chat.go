package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goftegu/goftegu/pkg/provider/chat"
)

// ErrAllFailed is returned when no chat provider could open a stream.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ChatEntry names one provider of a [ChatFailover].
type ChatEntry struct {
	Name     string
	Provider chat.Provider
}

type chatMember struct {
	name     string
	provider chat.Provider
	breaker  *CircuitBreaker
}

// ChatFailover implements [chat.Provider] over an ordered list of providers,
// each behind its own [CircuitBreaker]. A request goes to the first provider
// whose breaker admits it; if that provider cannot open the stream, the next
// one is tried.
//
// Only opening a stream fails over. Once chunks flow the stream belongs to
// that provider, and a mid-stream error reaches the caller as a final chunk.
// It still counts against the provider's breaker.
type ChatFailover struct {
	members []chatMember
}

var _ chat.Provider = (*ChatFailover)(nil)

// NewChatFailover returns a failover over entries, in preference order.
// cfg.Name is ignored; each breaker is named after its entry.
func NewChatFailover(cfg CircuitBreakerConfig, entries ...ChatEntry) (*ChatFailover, error) {
	if len(entries) == 0 {
		return nil, errors.New("resilience: at least one chat provider is required")
	}
	f := &ChatFailover{members: make([]chatMember, 0, len(entries))}
	for _, e := range entries {
		if e.Provider == nil {
			return nil, fmt.Errorf("resilience: chat provider %q is nil", e.Name)
		}
		bc := cfg
		bc.Name = "chat/" + e.Name
		f.members = append(f.members, chatMember{
			name:     e.Name,
			provider: e.Provider,
			breaker:  NewCircuitBreaker(bc),
		})
	}
	return f, nil
}

// StreamChat implements [chat.Provider].
func (f *ChatFailover) StreamChat(ctx context.Context, req chat.Request) (<-chan chat.Chunk, error) {
	var errs []error
	for _, m := range f.members {
		done, err := m.breaker.Allow()
		if err != nil {
			slog.Debug("skipping chat provider", "provider", m.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}
		ch, err := m.provider.StreamChat(ctx, req)
		if err != nil {
			done(err)
			if ctx.Err() != nil {
				return nil, err
			}
			slog.Warn("chat provider failed, trying next", "provider", m.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
			continue
		}
		return relay(ctx, ch, done), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// relay forwards in to the caller and reports the stream's outcome to done
// once in is drained.
func relay(ctx context.Context, in <-chan chat.Chunk, done func(error)) <-chan chat.Chunk {
	out := make(chan chat.Chunk)
	go func() {
		defer close(out)
		var streamErr error
		for c := range in {
			if c.Err != nil {
				streamErr = c.Err
			}
			select {
			case out <- c:
			case <-ctx.Done():
				for range in {
				}
				done(ctx.Err())
				return
			}
		}
		done(streamErr)
	}()
	return out
}

// Ready returns nil while at least one provider admits calls.
func (f *ChatFailover) Ready() error {
	for _, m := range f.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("chat: %w", ErrCircuitOpen)
}

// Names lists the providers in preference order.
func (f *ChatFailover) Names() []string {
	names := make([]string, len(f.members))
	for i, m := range f.members {
		names[i] = m.name
	}
	return names
}
