package resilience

import (
	"context"
	"fmt"

	"github.com/goftegu/goftegu/pkg/provider/live"
)

// LiveBreaker implements [live.Provider] by guarding Connect with a
// [CircuitBreaker]. Failed negotiations, and sessions the voice API ends
// with an error, count as failures.
type LiveBreaker struct {
	provider live.Provider
	breaker  *CircuitBreaker
}

var _ live.Provider = (*LiveBreaker)(nil)

// NewLiveBreaker wraps p. An empty cfg.Name defaults to "live".
func NewLiveBreaker(p live.Provider, cfg CircuitBreakerConfig) *LiveBreaker {
	if cfg.Name == "" {
		cfg.Name = "live"
	}
	return &LiveBreaker{provider: p, breaker: NewCircuitBreaker(cfg)}
}

// Connect implements [live.Provider]. While the breaker is open it returns
// [ErrCircuitOpen] without dialling.
func (b *LiveBreaker) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	done, err := b.breaker.Allow()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.breaker.cfg.Name, err)
	}

	onError := cb.OnError
	cb.OnError = func(err error) {
		b.breaker.Execute(func() error { return err })
		if onError != nil {
			onError(err)
		}
	}

	sess, err := b.provider.Connect(ctx, cfg, cb)
	done(err)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Ready returns [ErrCircuitOpen] while the breaker rejects connections.
func (b *LiveBreaker) Ready() error {
	if b.breaker.State() == StateOpen {
		return fmt.Errorf("%s: %w", b.breaker.cfg.Name, ErrCircuitOpen)
	}
	return nil
}

// State returns the breaker state.
func (b *LiveBreaker) State() State { return b.breaker.State() }
