package inference

import (
	"context"

	"github.com/millrace/millrace/internal/breaker"
)

// Guarded routes every Complete call through the shared circuit breaker for
// the wrapped client's dependency name. All stages calling the same backend
// share one breaker: the backend's health is what the breaker tracks, not
// the caller.
type Guarded struct {
	client   Client
	breaker  *breaker.Breaker
	fallback Client
}

// Guard wraps client with the breaker registered for its name. An optional
// fallback client serves calls while the circuit is open or when the primary
// fails.
func Guard(client Client, registry *breaker.Registry, fallback Client) *Guarded {
	return &Guarded{
		client:   client,
		breaker:  registry.GetOrCreate(client.Name()),
		fallback: fallback,
	}
}

func (g *Guarded) Name() string { return g.client.Name() }

// Breaker exposes the underlying breaker for observability.
func (g *Guarded) Breaker() *breaker.Breaker { return g.breaker }

// Complete executes the request under the breaker. When the primary path is
// short-circuited or fails and a fallback is configured, the fallback's
// answer is returned; its failure is reported through the breaker outcome
// separately from the primary error.
func (g *Guarded) Complete(ctx context.Context, req *Request) (*Response, error) {
	var fb func(ctx context.Context, cause error) (*Response, error)
	if g.fallback != nil {
		fb = func(ctx context.Context, cause error) (*Response, error) {
			return g.fallback.Complete(ctx, req)
		}
	}

	resp, outcome := breaker.Do(ctx, g.breaker, func(ctx context.Context) (*Response, error) {
		return g.client.Complete(ctx, req)
	}, fb)

	if !outcome.Success {
		return nil, outcome.Err
	}
	return resp, nil
}
