// Package inference abstracts the shared AI dependency behind a minimal
// client interface. The control plane never constructs provider-specific
// payloads; executors hand it a Request and get back text plus usage.
package inference

import (
	"context"

	"github.com/millrace/millrace/internal/contract"
)

// Request is a provider-neutral completion request.
type Request struct {
	Model       string            `json:"model,omitempty"`
	System      string            `json:"system,omitempty"`
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"maxTokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Response is a provider-neutral completion result. Usage is zero-filled
// when the provider reports none.
type Response struct {
	Text  string         `json:"text"`
	Model string         `json:"model,omitempty"`
	Usage contract.Usage `json:"usage"`
}

// Client is one inference backend.
type Client interface {
	// Name identifies the backend, also used as its circuit breaker name.
	Name() string

	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a bare function into a Client.
type Func struct {
	ClientName string
	Fn         func(ctx context.Context, req *Request) (*Response, error)
}

func (f Func) Name() string {
	if f.ClientName == "" {
		return "func"
	}
	return f.ClientName
}

func (f Func) Complete(ctx context.Context, req *Request) (*Response, error) {
	return f.Fn(ctx, req)
}
