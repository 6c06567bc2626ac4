package resilience

import (
	"context"

	"github.com/exalive/exalive/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Provider wraps a TTS provider with a circuit breaker around stream
// starts. Mid-stream failures count against the breaker through the start
// that produced them only when the start itself fails; a breaker guards
// call setup, not delivery.
type Provider struct {
	inner   tts.Provider
	breaker *CircuitBreaker
}

// Wrap guards p with the registry's breaker for p.Name().
func Wrap(p tts.Provider, reg *Registry) *Provider {
	return &Provider{inner: p, breaker: reg.For(p.Name())}
}

func (p *Provider) Name() string { return p.inner.Name() }

// Stream starts a synthesis call through the breaker. An open breaker
// fails fast with [ErrCircuitOpen].
func (p *Provider) Stream(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	var stream *tts.Stream
	err := p.breaker.Execute(func() error {
		var startErr error
		stream, startErr = p.inner.Stream(ctx, req)
		return startErr
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}
