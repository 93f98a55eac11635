package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/millrace/millrace/internal/breaker"
)

func TestMock_FailFirst(t *testing.T) {
	m := NewMock()
	m.FailFirst = 2

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Complete(ctx, &Request{Prompt: "hi"}); !errors.Is(err, ErrMockFailure) {
			t.Fatalf("call %d: expected ErrMockFailure, got %v", i+1, err)
		}
	}

	resp, err := m.Complete(ctx, &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("third call failed: %v", err)
	}
	if resp.Text != "mock response" {
		t.Errorf("unexpected text %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total tokens 15, got %d", resp.Usage.TotalTokens)
	}
	if got := m.Calls(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestMock_ModelOverride(t *testing.T) {
	m := NewMock()
	resp, err := m.Complete(context.Background(), &Request{Prompt: "hi", Model: "custom"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Model != "custom" {
		t.Errorf("expected request model to win, got %q", resp.Model)
	}
	if resp.Usage.Model != "custom" {
		t.Errorf("usage model not propagated: %q", resp.Usage.Model)
	}
}

func TestGuarded_SharesBreakerAcrossCallers(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	m := NewMock()
	m.ShouldFail = true

	// Two guards over the same backend name share one breaker.
	g1 := Guard(m, reg, nil)
	g2 := Guard(m, reg, nil)

	ctx := context.Background()
	g1.Complete(ctx, &Request{Prompt: "a"})
	g1.Complete(ctx, &Request{Prompt: "b"})
	if g2.Breaker().State() != breaker.Closed {
		t.Fatalf("breaker opened early: %s", g2.Breaker().State())
	}

	g2.Complete(ctx, &Request{Prompt: "c"})
	if g1.Breaker().State() != breaker.Open {
		t.Fatalf("expected open after 3 shared failures, got %s", g1.Breaker().State())
	}

	// Short-circuited: the mock never sees the fourth call.
	before := m.Calls()
	if _, err := g1.Complete(ctx, &Request{Prompt: "d"}); !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if m.Calls() != before {
		t.Error("short-circuited call reached the backend")
	}
}

func TestGuarded_Fallback(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	primary := NewMock()
	primary.ShouldFail = true
	fallback := NewMock()
	fallback.ResponseText = "fallback answer"

	g := Guard(primary, reg, fallback)

	resp, err := g.Complete(context.Background(), &Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("fallback should have served the call: %v", err)
	}
	if resp.Text != "fallback answer" {
		t.Errorf("unexpected text %q", resp.Text)
	}

	// Circuit is now open; fallback still serves without touching primary.
	before := primary.Calls()
	resp, err = g.Complete(context.Background(), &Request{Prompt: "hi"})
	if err != nil || resp.Text != "fallback answer" {
		t.Fatalf("fallback under open circuit: resp=%v err=%v", resp, err)
	}
	if primary.Calls() != before {
		t.Error("open circuit still called primary")
	}
}

func TestFunc(t *testing.T) {
	f := Func{ClientName: "inline", Fn: func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Text: "ok"}, nil
	}}
	if f.Name() != "inline" {
		t.Errorf("unexpected name %q", f.Name())
	}
	resp, err := f.Complete(context.Background(), &Request{})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("resp=%v err=%v", resp, err)
	}
}
