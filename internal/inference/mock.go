package inference

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

const MockName = "mock"

// ErrMockFailure is the error the mock returns when scripted to fail.
var ErrMockFailure = errors.New("mock inference failure")

// Mock is a Client for testing. Failures can be scripted per call count so
// breaker transitions are reproducible.
type Mock struct {
	// Latency is simulated per call.
	Latency time.Duration
	// ResponseText is returned on success.
	ResponseText string
	// Model is echoed into responses.
	Model string
	// FailFirst makes the first N calls fail.
	FailFirst int64
	// ShouldFail makes every call fail.
	ShouldFail bool
	// Usage is reported on success.
	Usage Usage

	calls atomic.Int64
}

// Usage mirrors the token counts the mock reports.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// NewMock creates a mock client with sensible defaults.
func NewMock() *Mock {
	return &Mock{
		ResponseText: "mock response",
		Model:        "mock-model",
		Usage:        Usage{PromptTokens: 10, CompletionTokens: 5},
	}
}

func (m *Mock) Name() string { return MockName }

// Calls returns how many Complete calls the mock has served.
func (m *Mock) Calls() int64 { return m.calls.Load() }

func (m *Mock) Complete(ctx context.Context, req *Request) (*Response, error) {
	count := m.calls.Add(1)

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	if m.ShouldFail || count <= m.FailFirst {
		return nil, ErrMockFailure
	}

	model := req.Model
	if model == "" {
		model = m.Model
	}
	resp := &Response{
		Text:  m.ResponseText,
		Model: model,
	}
	resp.Usage.PromptTokens = m.Usage.PromptTokens
	resp.Usage.CompletionTokens = m.Usage.CompletionTokens
	resp.Usage.TotalTokens = m.Usage.PromptTokens + m.Usage.CompletionTokens
	resp.Usage.Model = model
	return resp, nil
}
