package resilience

import (
	"context"
	"errors"

	"github.com/oddmeta/oddtts/internal/observe"
	"github.com/oddmeta/oddtts/pkg/provider/tts"
)

// Guard implements [tts.Provider] by forwarding to an inner provider through
// a [CircuitBreaker]. Only [tts.ErrEngineUnavailable] errors count as
// failures. While the breaker is open every call fails immediately with an
// engine-unavailable error wrapping [ErrCircuitOpen].
//
// For streams only the setup is guarded; a mid-stream failure is delivered
// on the channel and does not affect the breaker.
type Guard struct {
	inner tts.Provider
	cb    *CircuitBreaker
}

// Compile-time interface assertion.
var _ tts.Provider = (*Guard)(nil)

// NewGuard wraps p. cfg.Name defaults to p.Name() and cfg.IsFailure is
// always replaced by the engine-unavailable check. When m is non-nil every
// state transition is recorded.
func NewGuard(p tts.Provider, cfg CircuitBreakerConfig, m *observe.Metrics) *Guard {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	cfg.IsFailure = func(err error) bool {
		return errors.Is(err, tts.ErrEngineUnavailable)
	}
	if m != nil {
		next := cfg.OnStateChange
		cfg.OnStateChange = func(name string, to State) {
			m.RecordBreakerTransition(context.Background(), name, to.String())
			if next != nil {
				next(name, to)
			}
		}
	}
	return &Guard{inner: p, cb: NewCircuitBreaker(cfg)}
}

// Name returns the inner provider's name.
func (g *Guard) Name() string { return g.inner.Name() }

// With returns a Guard around p that shares g's breaker. Per-call backends
// use it so every fresh instance reports into the same breaker.
func (g *Guard) With(p tts.Provider) *Guard {
	return &Guard{inner: p, cb: g.cb}
}

// Breaker exposes the underlying breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.cb }

// ListVoices forwards to the inner provider.
func (g *Guard) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	var voices []tts.Voice
	err := g.run(func() (err error) {
		voices, err = g.inner.ListVoices(ctx)
		return err
	})
	return voices, err
}

// SynthesizeToFile forwards to the inner provider.
func (g *Guard) SynthesizeToFile(ctx context.Context, req tts.Request) (string, error) {
	var path string
	err := g.run(func() (err error) {
		path, err = g.inner.SynthesizeToFile(ctx, req)
		return err
	})
	return path, err
}

// SynthesizeToBytes forwards to the inner provider.
func (g *Guard) SynthesizeToBytes(ctx context.Context, req tts.Request) ([]byte, error) {
	var audio []byte
	err := g.run(func() (err error) {
		audio, err = g.inner.SynthesizeToBytes(ctx, req)
		return err
	})
	return audio, err
}

// SynthesizeToStream forwards stream setup to the inner provider.
func (g *Guard) SynthesizeToStream(ctx context.Context, req tts.Request) (<-chan tts.Chunk, error) {
	var ch <-chan tts.Chunk
	err := g.run(func() (err error) {
		ch, err = g.inner.SynthesizeToStream(ctx, req)
		return err
	})
	return ch, err
}

func (g *Guard) run(fn func() error) error {
	err := g.cb.Execute(fn)
	if errors.Is(err, ErrCircuitOpen) {
		return tts.Unavailable(g.inner.Name(), err)
	}
	return err
}
