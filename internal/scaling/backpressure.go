package scaling

import (
	"fmt"

	"github.com/millrace/millrace/internal/pipeline"
)

// Backpressure statuses.
const (
	StatusNormal  = "normal"
	StatusSlowing = "slowing"
	StatusPaused  = "paused"
)

// BackpressureState is a point-in-time view of one stage's queue.
type BackpressureState struct {
	Stage           string `json:"stage"`
	CurrentDepth    int    `json:"currentDepth"`
	Status          string `json:"status"`
	AcceptingJobs   bool   `json:"acceptingJobs"`
	ThrottlePercent int    `json:"throttlePercent"`
}

// Backpressure maps a stage's live queue depth onto its configured bands:
// below the backpressure threshold jobs flow untouched, between the
// thresholds the throttle climbs linearly to 90%, and at or above the pause
// threshold the stage stops accepting jobs.
func (e *Engine) Backpressure(stage string, depth int) (BackpressureState, error) {
	cfg, ok := e.configs[stage]
	if !ok {
		return BackpressureState{}, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, stage)
	}
	if depth < 0 {
		depth = 0
	}

	state := BackpressureState{Stage: stage, CurrentDepth: depth}
	switch {
	case depth < cfg.BackpressureThreshold:
		state.Status = StatusNormal
		state.AcceptingJobs = true
	case depth >= cfg.PauseThreshold:
		state.Status = StatusPaused
		state.ThrottlePercent = 100
	default:
		state.Status = StatusSlowing
		state.AcceptingJobs = true
		state.ThrottlePercent = (depth - cfg.BackpressureThreshold) * 90 / (cfg.PauseThreshold - cfg.BackpressureThreshold)
	}
	return state, nil
}
