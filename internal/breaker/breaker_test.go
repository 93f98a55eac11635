package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	return NewWithClock("llm-provider", cfg, clock.Now), clock
}

func failingOp(calls *int) Op {
	return func(context.Context) (any, error) {
		*calls++
		return nil, errors.New("llm provider unavailable")
	}
}

func succeedingOp(calls *int) Op {
	return func(context.Context) (any, error) {
		*calls++
		return "ok", nil
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		out := b.Execute(ctx, failingOp(&calls), nil)
		if out.Success {
			t.Fatalf("call %d: expected failure", i+1)
		}
		if out.State != Closed {
			t.Fatalf("call %d: state = %q, want %q", i+1, out.State, Closed)
		}
	}

	out := b.Execute(ctx, failingOp(&calls), nil)
	if out.State != Open {
		t.Fatalf("state after third failure = %q, want %q", out.State, Open)
	}
	if calls != 3 {
		t.Fatalf("op invoked %d times, want 3", calls)
	}

	snap := b.Snapshot()
	if snap.TotalFailures != 3 || snap.TotalRequests != 3 {
		t.Errorf("totals = %d failures / %d requests, want 3/3", snap.TotalFailures, snap.TotalRequests)
	}
	if snap.CircuitOpenCount != 1 {
		t.Errorf("CircuitOpenCount = %d, want 1", snap.CircuitOpenCount)
	}
	if snap.LastFailureTime == nil {
		t.Error("LastFailureTime not recorded")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)
	b.Execute(ctx, failingOp(&calls), nil)
	b.Execute(ctx, succeedingOp(&calls), nil)
	b.Execute(ctx, failingOp(&calls), nil)
	b.Execute(ctx, failingOp(&calls), nil)

	if got := b.State(); got != Closed {
		t.Fatalf("state = %q, want %q; failures were not consecutive", got, Closed)
	}

	b.Execute(ctx, failingOp(&calls), nil)
	if got := b.State(); got != Open {
		t.Fatalf("state = %q, want %q after third consecutive failure", got, Open)
	}
}

func TestBreaker_ShortCircuitSkipsCall(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)
	if got := b.State(); got != Open {
		t.Fatalf("state = %q, want %q", got, Open)
	}

	clock.Advance(5 * time.Second)
	out := b.Execute(ctx, succeedingOp(&calls), nil)
	if out.Success {
		t.Fatal("short-circuited call reported success")
	}
	if !errors.Is(out.Err, ErrCircuitOpen) {
		t.Fatalf("Err = %v, want ErrCircuitOpen", out.Err)
	}
	if calls != 1 {
		t.Fatalf("op invoked %d times, want 1; open breaker must not call through", calls)
	}

	snap := b.Snapshot()
	if snap.TotalShortCircuits != 1 {
		t.Errorf("TotalShortCircuits = %d, want 1", snap.TotalShortCircuits)
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:    3,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxAttempts: 2,
	})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		b.Execute(ctx, failingOp(&calls), nil)
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %q, want %q", got, Open)
	}

	clock.Advance(10 * time.Second)
	out := b.Execute(ctx, succeedingOp(&calls), nil)
	if !out.Success {
		t.Fatalf("trial call failed: %v", out.Err)
	}
	if out.State != HalfOpen {
		t.Fatalf("state after first trial success = %q, want %q", out.State, HalfOpen)
	}

	out = b.Execute(ctx, succeedingOp(&calls), nil)
	if out.State != Closed {
		t.Fatalf("state after second trial success = %q, want %q", out.State, Closed)
	}
	if calls != 5 {
		t.Fatalf("op invoked %d times, want 5", calls)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:    2,
		ResetTimeout:        10 * time.Second,
		HalfOpenMaxAttempts: 2,
	})
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)
	b.Execute(ctx, failingOp(&calls), nil)

	clock.Advance(10 * time.Second)
	out := b.Execute(ctx, failingOp(&calls), nil)
	if out.State != Open {
		t.Fatalf("state after trial failure = %q, want %q", out.State, Open)
	}

	// The reset window restarts from the trial failure.
	clock.Advance(9 * time.Second)
	out = b.Execute(ctx, succeedingOp(&calls), nil)
	if !errors.Is(out.Err, ErrCircuitOpen) {
		t.Fatalf("Err = %v, want ErrCircuitOpen before the window elapses", out.Err)
	}

	clock.Advance(1 * time.Second)
	out = b.Execute(ctx, succeedingOp(&calls), nil)
	if !out.Success || out.State != HalfOpen {
		t.Fatalf("trial after full window: success=%v state=%q, want success in %q", out.Success, out.State, HalfOpen)
	}

	snap := b.Snapshot()
	if snap.CircuitOpenCount != 2 {
		t.Errorf("CircuitOpenCount = %d, want 2", snap.CircuitOpenCount)
	}
}

func TestBreaker_ShortCircuitsProbe(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	if b.ShortCircuits() {
		t.Error("closed breaker reports short-circuit")
	}

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)
	if !b.ShortCircuits() {
		t.Error("open breaker does not report short-circuit")
	}

	clock.Advance(10 * time.Second)
	if b.ShortCircuits() {
		t.Error("breaker with elapsed reset window still reports short-circuit")
	}
	if got := b.State(); got != Open {
		t.Errorf("probe advanced state to %q", got)
	}
}

func TestBreaker_FallbackServesOpenCircuit(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)

	out := b.Execute(ctx, succeedingOp(&calls), func(_ context.Context, cause error) (any, error) {
		if !errors.Is(cause, ErrCircuitOpen) {
			t.Errorf("fallback cause = %v, want ErrCircuitOpen", cause)
		}
		return "cached summary", nil
	})
	if !out.Success {
		t.Fatalf("fallback outcome not successful: %v / %v", out.Err, out.FallbackErr)
	}
	if !out.FromFallback {
		t.Error("FromFallback not set")
	}
	if out.Data != "cached summary" {
		t.Errorf("Data = %v, want cached summary", out.Data)
	}
	if !errors.Is(out.Err, ErrCircuitOpen) {
		t.Errorf("primary error lost: %v", out.Err)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1", calls)
	}
}

func TestBreaker_FallbackFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	ctx := context.Background()

	calls := 0
	fallbackErr := errors.New("no cached result")
	out := b.Execute(ctx, failingOp(&calls), func(context.Context, error) (any, error) {
		return nil, fallbackErr
	})
	if out.Success {
		t.Fatal("outcome reported success with both paths failing")
	}
	if out.Err == nil {
		t.Error("primary error missing")
	}
	if !errors.Is(out.FallbackErr, fallbackErr) {
		t.Errorf("FallbackErr = %v, want %v", out.FallbackErr, fallbackErr)
	}
	if out.FromFallback {
		t.Error("FromFallback set on a failed fallback")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	calls := 0
	b.Execute(ctx, failingOp(&calls), nil)
	if got := b.State(); got != Open {
		t.Fatalf("state = %q, want %q", got, Open)
	}

	b.Reset()
	if got := b.State(); got != Closed {
		t.Fatalf("state after reset = %q, want %q", got, Closed)
	}

	out := b.Execute(ctx, succeedingOp(&calls), nil)
	if !out.Success {
		t.Fatalf("call after reset failed: %v", out.Err)
	}
}

func TestDo(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	ctx := context.Background()

	got, out := Do(ctx, b, func(context.Context) (string, error) {
		return "summary text", nil
	}, nil)
	if !out.Success || got != "summary text" {
		t.Fatalf("Do = %q (success=%v), want summary text", got, out.Success)
	}

	// Trip the breaker, then serve the next call from a typed fallback.
	_, out = Do(ctx, b, func(context.Context) (string, error) {
		return "", errors.New("llm provider unavailable")
	}, nil)
	if out.Success {
		t.Fatal("expected failure")
	}

	got, out = Do(ctx, b, func(context.Context) (string, error) {
		t.Fatal("op invoked while open")
		return "", nil
	}, func(context.Context, error) (string, error) {
		return "stale summary", nil
	})
	if got != "stale summary" || !out.FromFallback {
		t.Fatalf("Do fallback = %q (fromFallback=%v), want stale summary", got, out.FromFallback)
	}
}

func TestRegistry_SharesBreakerPerDependency(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	ctx := context.Background()

	a := reg.GetOrCreate("embeddings")
	b := reg.GetOrCreate("embeddings")
	if a != b {
		t.Fatal("GetOrCreate returned distinct breakers for one name")
	}

	// Failures seen through one handle trip the breaker for every caller.
	calls := 0
	a.Execute(ctx, failingOp(&calls), nil)
	a.Execute(ctx, failingOp(&calls), nil)
	if got := b.State(); got != Open {
		t.Fatalf("shared state = %q, want %q", got, Open)
	}

	if other := reg.GetOrCreate("llm-provider"); other.State() != Closed {
		t.Error("unrelated dependency affected")
	}
}

func TestRegistry_ListAndReset(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 1, ResetTimeout: time.Hour})
	ctx := context.Background()

	calls := 0
	reg.GetOrCreate("llm-provider").Execute(ctx, failingOp(&calls), nil)
	reg.GetOrCreate("embeddings")

	snaps := reg.List()
	if len(snaps) != 2 {
		t.Fatalf("List returned %d breakers, want 2", len(snaps))
	}
	if snaps[0].Name != "embeddings" || snaps[1].Name != "llm-provider" {
		t.Errorf("List order = [%s, %s], want sorted by name", snaps[0].Name, snaps[1].Name)
	}
	if snaps[1].State != Open {
		t.Errorf("llm-provider state = %q, want %q", snaps[1].State, Open)
	}

	if !reg.Reset("llm-provider") {
		t.Fatal("Reset returned false for an existing breaker")
	}
	if got := reg.GetOrCreate("llm-provider").State(); got != Closed {
		t.Errorf("state after reset = %q, want %q", got, Closed)
	}
	if reg.Reset("unknown") {
		t.Error("Reset returned true for an unknown breaker")
	}
}

func TestRegistry_Configure(t *testing.T) {
	reg := NewRegistry(Config{FailureThreshold: 5, ResetTimeout: time.Minute})
	ctx := context.Background()

	reg.Configure("vector-db", Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	calls := 0
	reg.GetOrCreate("vector-db").Execute(ctx, failingOp(&calls), nil)
	if got := reg.GetOrCreate("vector-db").State(); got != Open {
		t.Fatalf("state = %q, want %q with per-name threshold 1", got, Open)
	}
}
