package scaling

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/pipeline"
	"github.com/millrace/millrace/internal/store"
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

func TestEstimateCost(t *testing.T) {
	e := NewEngine(Config{Configs: map[string]StageConfig{
		"summarization": {
			BaseCostPerExecution: 0.5,
			CostPerKB:            0.25,
			MaxCostPerExecution:  4,
		},
	}})

	got, err := e.EstimateCost("summarization", 8192)
	if err != nil {
		t.Fatalf("EstimateCost failed: %v", err)
	}
	if got != 2.5 {
		t.Errorf("EstimateCost(8KB) = %v, want 0.5 base + 2.0 variable", got)
	}

	got, err = e.EstimateCost("summarization", 1<<20)
	if err != nil {
		t.Fatalf("EstimateCost failed: %v", err)
	}
	if got != 4 {
		t.Errorf("EstimateCost(1MB) = %v, want the 4.0 cap", got)
	}
}

func TestWithinBudget(t *testing.T) {
	e := NewEngine(Config{Configs: map[string]StageConfig{
		"summarization": {DailyCostLimit: 10},
		"ingestion":     {},
	}})

	tests := []struct {
		name      string
		stage     string
		estimated float64
		spend     float64
		want      bool
	}{
		{"fits in remaining budget", "summarization", 2, 7, true},
		{"exactly consumes remainder", "summarization", 3, 7, true},
		{"exceeds remainder", "summarization", 4, 7, false},
		{"no limit configured", "ingestion", 1000, 1000000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.WithinBudget(tt.stage, tt.estimated, tt.spend)
			if err != nil {
				t.Fatalf("WithinBudget failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("WithinBudget = %v, want %v", got, tt.want)
			}
		})
	}
}

func admitFixture(t *testing.T, limits cost.Limits) (*Engine, *store.Memory, *breaker.Registry, *fakeClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	costSvc := cost.NewServiceWithClock(cost.Config{Records: mem, Limits: limits}, clock.Now)
	breakers := breaker.NewRegistryWithClock(breaker.Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second}, clock.Now)

	engine := NewEngineWithClock(Config{
		Configs: map[string]StageConfig{
			"summarization": {
				MinWorkers:            1,
				MaxWorkers:            4,
				BackpressureThreshold: 25,
				PauseThreshold:        45,
				TargetLatencyMs:       4000,
				BaseCostPerExecution:  0.02,
				MaxCostPerExecution:   1,
				DailyCostLimit:        1,
			},
		},
		Cost:         costSvc,
		Breakers:     breakers,
		Dependencies: map[string]string{"summarization": "llm-provider"},
	}, clock.Now)
	return engine, mem, breakers, clock
}

func seedSpend(t *testing.T, mem *store.Memory, stage, documentID string, costUSD float64, at time.Time) {
	t.Helper()
	err := mem.InsertCost(context.Background(), &store.CostRecord{
		ID:         stage + "-" + documentID,
		DocumentID: documentID,
		Stage:      stage,
		CostUSD:    costUSD,
		CreatedAt:  at,
	})
	if err != nil {
		t.Fatalf("seeding cost record failed: %v", err)
	}
}

func TestAdmit_Allowed(t *testing.T) {
	engine, mem, _, clock := admitFixture(t, cost.Limits{MaxDailyCostUSD: 100})
	seedSpend(t, mem, "summarization", "doc-1", 0.5, clock.Now().Add(-time.Hour))

	adm, err := engine.Admit(context.Background(), "summarization", "proj-1", 4096, 10)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Fatalf("denied: %s (%s)", adm.Reason, adm.Detail)
	}
	if adm.EstimatedCost != 0.02 {
		t.Errorf("EstimatedCost = %v, want 0.02", adm.EstimatedCost)
	}
	if adm.ThrottlePercent != 0 {
		t.Errorf("ThrottlePercent = %d, want 0", adm.ThrottlePercent)
	}
}

func TestAdmit_ThrottleReported(t *testing.T) {
	engine, _, _, _ := admitFixture(t, cost.Limits{})

	adm, err := engine.Admit(context.Background(), "summarization", "proj-1", 0, 30)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Fatalf("denied: %s", adm.Reason)
	}
	if adm.ThrottlePercent != 22 {
		t.Errorf("ThrottlePercent = %d, want 22 at depth 30", adm.ThrottlePercent)
	}
}

func TestAdmit_StagePaused(t *testing.T) {
	engine, _, _, _ := admitFixture(t, cost.Limits{})

	adm, err := engine.Admit(context.Background(), "summarization", "proj-1", 0, 45)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if adm.Allowed {
		t.Fatal("paused stage admitted a job")
	}
	if adm.Reason != ReasonStagePaused {
		t.Errorf("Reason = %q, want %q", adm.Reason, ReasonStagePaused)
	}
	if adm.ThrottlePercent != 100 {
		t.Errorf("ThrottlePercent = %d, want 100", adm.ThrottlePercent)
	}
}

func TestAdmit_CircuitOpen(t *testing.T) {
	engine, _, breakers, clock := admitFixture(t, cost.Limits{})
	ctx := context.Background()

	b := breakers.GetOrCreate("llm-provider")
	b.Execute(ctx, func(context.Context) (any, error) {
		return nil, context.DeadlineExceeded
	}, nil)

	adm, err := engine.Admit(ctx, "summarization", "proj-1", 0, 5)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if adm.Allowed {
		t.Fatal("admitted with the dependency circuit open")
	}
	if adm.Reason != ReasonCircuitOpen {
		t.Errorf("Reason = %q, want %q", adm.Reason, ReasonCircuitOpen)
	}

	// Once the reset window elapses the next call is a legitimate trial.
	clock.Advance(10 * time.Second)
	adm, err = engine.Admit(ctx, "summarization", "proj-1", 0, 5)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !adm.Allowed {
		t.Fatalf("denied after reset window: %s", adm.Reason)
	}
}

func TestAdmit_StageBudgetExceeded(t *testing.T) {
	engine, mem, _, clock := admitFixture(t, cost.Limits{})
	seedSpend(t, mem, "summarization", "doc-1", 0.99, clock.Now().Add(-time.Hour))

	adm, err := engine.Admit(context.Background(), "summarization", "proj-1", 0, 5)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if adm.Allowed {
		t.Fatal("admitted past the stage daily budget")
	}
	if adm.Reason != ReasonStageBudgetExceeded {
		t.Errorf("Reason = %q, want %q", adm.Reason, ReasonStageBudgetExceeded)
	}
}

func TestAdmit_DailyCeiling(t *testing.T) {
	engine, mem, _, clock := admitFixture(t, cost.Limits{MaxDailyDocuments: 1})
	seedSpend(t, mem, "summarization", "doc-1", 0.01, clock.Now().Add(-time.Hour))

	adm, err := engine.Admit(context.Background(), "summarization", "proj-1", 0, 5)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if adm.Allowed {
		t.Fatal("admitted past the daily document ceiling")
	}
	if adm.Reason != ReasonDailyCeiling {
		t.Errorf("Reason = %q, want %q", adm.Reason, ReasonDailyCeiling)
	}
	if !strings.Contains(adm.Detail, "document ceiling") {
		t.Errorf("Detail = %q, want it to name the document ceiling", adm.Detail)
	}
}

func TestDefaultStageConfigs(t *testing.T) {
	configs := DefaultStageConfigs()

	for _, stage := range pipeline.Stages() {
		cfg, ok := configs[stage]
		if !ok {
			t.Errorf("no config for stage %s", stage)
			continue
		}
		if cfg.MinWorkers < 1 || cfg.MaxWorkers < cfg.MinWorkers {
			t.Errorf("%s: worker bounds %d..%d invalid", stage, cfg.MinWorkers, cfg.MaxWorkers)
		}
		if cfg.BackpressureThreshold >= cfg.PauseThreshold {
			t.Errorf("%s: backpressure %d not below pause %d", stage, cfg.BackpressureThreshold, cfg.PauseThreshold)
		}
		if cfg.PauseThreshold > cfg.MaxQueueDepth {
			t.Errorf("%s: pause %d above max queue depth %d", stage, cfg.PauseThreshold, cfg.MaxQueueDepth)
		}
	}

	if got := configs[pipeline.StageSummarization].BackpressureThreshold; got != 25 {
		t.Errorf("summarization backpressure threshold = %d, want 25", got)
	}
	if got := configs[pipeline.StageSummarization].PauseThreshold; got != 45 {
		t.Errorf("summarization pause threshold = %d, want 45", got)
	}
}
