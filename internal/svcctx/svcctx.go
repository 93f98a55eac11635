// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/contract"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/idempotency"
	"github.com/millrace/millrace/internal/inference"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/scaling"
	"github.com/millrace/millrace/internal/store"
	"github.com/millrace/millrace/internal/trace"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store       store.Store
	Contracts   *contract.Registry
	Breakers    *breaker.Registry
	Engine      *scaling.Engine
	Cost        *cost.Service
	Ledger      *pipeline.Ledger
	Idempotency *idempotency.Service
	Inference   inference.Client
	Sink        *trace.Sink
	// TraceConfig builds one Tracer per document on demand.
	TraceConfig trace.Config
	Logger      *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the record store from context.
func StoreFrom(ctx context.Context) store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// ContractsFrom extracts the contract registry from context.
func ContractsFrom(ctx context.Context) *contract.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Contracts
	}
	return nil
}

// BreakersFrom extracts the circuit breaker registry from context.
func BreakersFrom(ctx context.Context) *breaker.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Breakers
	}
	return nil
}

// EngineFrom extracts the scaling engine from context.
func EngineFrom(ctx context.Context) *scaling.Engine {
	if s := ServicesFrom(ctx); s != nil {
		return s.Engine
	}
	return nil
}

// CostFrom extracts the cost service from context.
func CostFrom(ctx context.Context) *cost.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Cost
	}
	return nil
}

// LedgerFrom extracts the stage execution ledger from context.
func LedgerFrom(ctx context.Context) *pipeline.Ledger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Ledger
	}
	return nil
}

// IdempotencyFrom extracts the idempotency service from context.
func IdempotencyFrom(ctx context.Context) *idempotency.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Idempotency
	}
	return nil
}

// InferenceFrom extracts the inference client from context.
func InferenceFrom(ctx context.Context) inference.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.Inference
	}
	return nil
}

// SinkFrom extracts the trace sink from context.
func SinkFrom(ctx context.Context) *trace.Sink {
	if s := ServicesFrom(ctx); s != nil {
		return s.Sink
	}
	return nil
}

// TracerFor builds a tracer for a document using the shared trace config.
// Returns nil when no services are attached.
func TracerFor(ctx context.Context, documentID, traceID string) *trace.Tracer {
	s := ServicesFrom(ctx)
	if s == nil {
		return nil
	}
	if traceID == "" {
		return trace.NewTracer(s.TraceConfig, documentID)
	}
	return trace.NewTracerWithID(s.TraceConfig, documentID, traceID)
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}
