package scaling

import (
	"fmt"

	"github.com/millrace/millrace/internal/pipeline"
)

// Scaling actions.
const (
	ActionScaleUp   = "scale_up"
	ActionScaleDown = "scale_down"
	ActionMaintain  = "maintain"
)

// Decision is a worker-count recommendation for the external scheduler.
type Decision struct {
	Stage          string `json:"stage"`
	Action         string `json:"action"`
	CurrentWorkers int    `json:"currentWorkers"`
	TargetWorkers  int    `json:"targetWorkers"`
	Reason         string `json:"reason"`
}

// Decide recommends a worker-count change from live stage counters.
// errorRate is the failed fraction of recent executions, 0 to 1. A stage
// failing more than 10% of its work never scales up: adding capacity to a
// broken stage multiplies the damage.
func (e *Engine) Decide(stage string, currentWorkers, queueDepth int, avgLatencyMs int64, errorRate float64) (Decision, error) {
	cfg, ok := e.configs[stage]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, stage)
	}

	d := Decision{
		Stage:          stage,
		Action:         ActionMaintain,
		CurrentWorkers: currentWorkers,
		TargetWorkers:  currentWorkers,
	}

	if errorRate > 0.10 {
		d.Reason = fmt.Sprintf("error rate %.1f%% above 10%%, holding capacity", errorRate*100)
		return d, nil
	}

	queueHot := queueDepth > cfg.BackpressureThreshold
	latencyHot := float64(avgLatencyMs) > 1.5*float64(cfg.TargetLatencyMs)
	if queueHot || latencyHot {
		target := currentWorkers + 1
		if target > cfg.MaxWorkers {
			target = cfg.MaxWorkers
		}
		if target <= currentWorkers {
			d.Reason = fmt.Sprintf("at max workers (%d) with stage under load", cfg.MaxWorkers)
			return d, nil
		}
		d.Action = ActionScaleUp
		d.TargetWorkers = target
		if queueHot {
			d.Reason = fmt.Sprintf("queue depth %d above backpressure threshold %d", queueDepth, cfg.BackpressureThreshold)
		} else {
			d.Reason = fmt.Sprintf("latency %dms above 1.5x target %dms", avgLatencyMs, cfg.TargetLatencyMs)
		}
		return d, nil
	}

	queueDrained := float64(queueDepth) < 0.2*float64(cfg.BackpressureThreshold)
	latencyHealthy := float64(avgLatencyMs) < 0.5*float64(cfg.TargetLatencyMs)
	if queueDrained && latencyHealthy && errorRate < 0.01 {
		target := currentWorkers - 1
		if target < cfg.MinWorkers {
			target = cfg.MinWorkers
		}
		if target >= currentWorkers {
			d.Reason = fmt.Sprintf("at min workers (%d)", cfg.MinWorkers)
			return d, nil
		}
		d.Action = ActionScaleDown
		d.TargetWorkers = target
		d.Reason = "queue drained and latency healthy"
		return d, nil
	}

	d.Reason = "within normal operating range"
	return d, nil
}
