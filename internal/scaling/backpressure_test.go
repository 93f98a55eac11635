package scaling

import (
	"errors"
	"testing"

	"github.com/millrace/millrace/internal/pipeline"
)

func TestBackpressure_Bands(t *testing.T) {
	// Summarization defaults: backpressure at 25, pause at 45.
	e := NewEngine(Config{})

	tests := []struct {
		name      string
		depth     int
		status    string
		accepting bool
		throttle  int
	}{
		{"empty queue", 0, StatusNormal, true, 0},
		{"just below threshold", 24, StatusNormal, true, 0},
		{"at threshold", 25, StatusSlowing, true, 0},
		{"inside band", 30, StatusSlowing, true, 22},
		{"top of band", 44, StatusSlowing, true, 85},
		{"at pause threshold", 45, StatusPaused, false, 100},
		{"far past pause", 500, StatusPaused, false, 100},
		{"negative depth clamped", -3, StatusNormal, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := e.Backpressure(pipeline.StageSummarization, tt.depth)
			if err != nil {
				t.Fatalf("Backpressure failed: %v", err)
			}
			if state.Status != tt.status {
				t.Errorf("Status = %q, want %q", state.Status, tt.status)
			}
			if state.AcceptingJobs != tt.accepting {
				t.Errorf("AcceptingJobs = %v, want %v", state.AcceptingJobs, tt.accepting)
			}
			if state.ThrottlePercent != tt.throttle {
				t.Errorf("ThrottlePercent = %d, want %d", state.ThrottlePercent, tt.throttle)
			}
		})
	}
}

func TestBackpressure_NonDecreasing(t *testing.T) {
	e := NewEngine(Config{})

	prev := -1
	for depth := 0; depth <= 60; depth++ {
		state, err := e.Backpressure(pipeline.StageSummarization, depth)
		if err != nil {
			t.Fatalf("Backpressure(%d) failed: %v", depth, err)
		}
		if state.ThrottlePercent < prev {
			t.Fatalf("throttle dropped from %d to %d at depth %d", prev, state.ThrottlePercent, depth)
		}
		if state.Status == StatusSlowing && state.ThrottlePercent > 90 {
			t.Fatalf("throttle %d above 90 inside the slowing band at depth %d", state.ThrottlePercent, depth)
		}
		prev = state.ThrottlePercent
	}
}

func TestBackpressure_UnknownStage(t *testing.T) {
	e := NewEngine(Config{})

	_, err := e.Backpressure("translation", 10)
	if !errors.Is(err, pipeline.ErrUnknownStage) {
		t.Fatalf("err = %v, want ErrUnknownStage", err)
	}
}
