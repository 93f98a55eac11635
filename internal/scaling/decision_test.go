package scaling

import (
	"errors"
	"strings"
	"testing"

	"github.com/millrace/millrace/internal/pipeline"
)

func TestDecide(t *testing.T) {
	// Summarization defaults: backpressure threshold 25, target latency
	// 4000ms, workers 1..4.
	e := NewEngine(Config{})

	tests := []struct {
		name           string
		workers        int
		depth          int
		latencyMs      int64
		errorRate      float64
		action         string
		target         int
		reasonContains string
	}{
		{
			name:    "steady state",
			workers: 2, depth: 10, latencyMs: 3000, errorRate: 0.005,
			action: ActionMaintain, target: 2, reasonContains: "normal",
		},
		{
			name:    "queue above threshold scales up",
			workers: 2, depth: 26, latencyMs: 1000, errorRate: 0,
			action: ActionScaleUp, target: 3, reasonContains: "queue depth",
		},
		{
			name:    "latency above 1.5x target scales up",
			workers: 2, depth: 5, latencyMs: 6001, errorRate: 0,
			action: ActionScaleUp, target: 3, reasonContains: "latency",
		},
		{
			name:    "bounded by max workers",
			workers: 4, depth: 100, latencyMs: 20000, errorRate: 0,
			action: ActionMaintain, target: 4, reasonContains: "max workers",
		},
		{
			name:    "drained queue scales down",
			workers: 3, depth: 4, latencyMs: 1999, errorRate: 0.005,
			action: ActionScaleDown, target: 2, reasonContains: "drained",
		},
		{
			name:    "bounded by min workers",
			workers: 1, depth: 0, latencyMs: 100, errorRate: 0,
			action: ActionMaintain, target: 1, reasonContains: "min workers",
		},
		{
			name:    "error rate blocks scale down",
			workers: 3, depth: 4, latencyMs: 1999, errorRate: 0.02,
			action: ActionMaintain, target: 3, reasonContains: "normal",
		},
		{
			name:    "high error rate forces maintain despite load",
			workers: 1, depth: 500, latencyMs: 50000, errorRate: 0.12,
			action: ActionMaintain, target: 1, reasonContains: "error rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Decide(pipeline.StageSummarization, tt.workers, tt.depth, tt.latencyMs, tt.errorRate)
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}
			if d.Action != tt.action {
				t.Errorf("Action = %q, want %q (reason: %s)", d.Action, tt.action, d.Reason)
			}
			if d.TargetWorkers != tt.target {
				t.Errorf("TargetWorkers = %d, want %d", d.TargetWorkers, tt.target)
			}
			if !strings.Contains(d.Reason, tt.reasonContains) {
				t.Errorf("Reason = %q, want it to mention %q", d.Reason, tt.reasonContains)
			}
		})
	}
}

func TestDecide_NeverScalesUpOnHighErrorRate(t *testing.T) {
	e := NewEngine(Config{})

	for depth := 0; depth <= 200; depth += 25 {
		d, err := e.Decide(pipeline.StageChunking, 2, depth, 99999, 0.11)
		if err != nil {
			t.Fatalf("Decide failed: %v", err)
		}
		if d.Action == ActionScaleUp {
			t.Fatalf("scaled up at depth %d with 11%% error rate", depth)
		}
	}
}

func TestDecide_UnknownStage(t *testing.T) {
	e := NewEngine(Config{})

	_, err := e.Decide("ocr", 1, 0, 0, 0)
	if !errors.Is(err, pipeline.ErrUnknownStage) {
		t.Fatalf("err = %v, want ErrUnknownStage", err)
	}
}
