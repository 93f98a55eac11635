package scaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/millrace/millrace/internal/breaker"
	"github.com/millrace/millrace/internal/cost"
	"github.com/millrace/millrace/internal/pipeline"
)

// Admission denial reasons.
const (
	ReasonStagePaused         = "stage_paused"
	ReasonCircuitOpen         = "circuit_open"
	ReasonStageBudgetExceeded = "stage_budget_exceeded"
	ReasonDailyCeiling        = "daily_ceiling_exceeded"
)

// Admission is the verdict for one prospective stage execution. Reason is
// one of the typed denial codes; Detail is the human-readable version.
type Admission struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	Detail          string  `json:"detail,omitempty"`
	ThrottlePercent int     `json:"throttlePercent"`
	EstimatedCost   float64 `json:"estimatedCost"`
}

// Config assembles an Engine. Cost and Breakers are optional; without them
// Admit checks only backpressure.
type Config struct {
	// Configs defaults to DefaultStageConfigs.
	Configs map[string]StageConfig
	Cost    *cost.Service
	// Breakers plus Dependencies let Admit deny for a stage whose named
	// dependency is circuit-open.
	Breakers     *breaker.Registry
	Dependencies map[string]string
	Logger       *slog.Logger
}

// Engine computes scaling and admission decisions for all stages.
type Engine struct {
	configs  map[string]StageConfig
	cost     *cost.Service
	breakers *breaker.Registry
	deps     map[string]string
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	if cfg.Configs == nil {
		cfg.Configs = DefaultStageConfigs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		configs:  cfg.Configs,
		cost:     cfg.Cost,
		breakers: cfg.Breakers,
		deps:     cfg.Dependencies,
		logger:   cfg.Logger.With("component", "scaling"),
		now:      time.Now,
	}
}

// NewEngineWithClock is NewEngine with an injected clock for tests.
func NewEngineWithClock(cfg Config, now func() time.Time) *Engine {
	e := NewEngine(cfg)
	e.now = now
	return e
}

// StageConfigFor returns the capacity policy for one stage.
func (e *Engine) StageConfigFor(stage string) (StageConfig, bool) {
	cfg, ok := e.configs[stage]
	return cfg, ok
}

// Configs returns a copy of all stage policies.
func (e *Engine) Configs() map[string]StageConfig {
	out := make(map[string]StageConfig, len(e.configs))
	for stage, cfg := range e.configs {
		out[stage] = cfg
	}
	return out
}

// EstimateCost predicts one execution's cost from the stage's base cost plus
// its size-proportional term, capped at the stage's per-execution maximum.
func (e *Engine) EstimateCost(stage string, inputSizeBytes int64) (float64, error) {
	cfg, ok := e.configs[stage]
	if !ok {
		return 0, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, stage)
	}
	estimate := cfg.BaseCostPerExecution + float64(inputSizeBytes)/1024*cfg.CostPerKB
	if cfg.MaxCostPerExecution > 0 && estimate > cfg.MaxCostPerExecution {
		estimate = cfg.MaxCostPerExecution
	}
	return estimate, nil
}

// WithinBudget reports whether estimated fits in the stage's remaining daily
// allowance.
func (e *Engine) WithinBudget(stage string, estimated, currentDailySpend float64) (bool, error) {
	cfg, ok := e.configs[stage]
	if !ok {
		return false, fmt.Errorf("%w: %s", pipeline.ErrUnknownStage, stage)
	}
	if cfg.DailyCostLimit <= 0 {
		return true, nil
	}
	return estimated <= cfg.DailyCostLimit-currentDailySpend, nil
}

// Admit decides whether one more execution of stage may start right now,
// composing backpressure, circuit state, the stage budget, and the
// system-wide ceilings. Checks run cheapest first; the first failing check
// names the denial.
func (e *Engine) Admit(ctx context.Context, stage, projectID string, inputSizeBytes int64, queueDepth int) (Admission, error) {
	bp, err := e.Backpressure(stage, queueDepth)
	if err != nil {
		return Admission{}, err
	}

	adm := Admission{ThrottlePercent: bp.ThrottlePercent}
	if !bp.AcceptingJobs {
		adm.Reason = ReasonStagePaused
		adm.Detail = fmt.Sprintf("queue depth %d at or above pause threshold %d", queueDepth, e.configs[stage].PauseThreshold)
		e.logger.Warn("admission denied", "stage", stage, "reason", adm.Reason, "queue_depth", queueDepth)
		return adm, nil
	}

	estimate, err := e.EstimateCost(stage, inputSizeBytes)
	if err != nil {
		return Admission{}, err
	}
	adm.EstimatedCost = estimate

	if e.breakers != nil {
		if dep, ok := e.deps[stage]; ok {
			if b, ok := e.breakers.Get(dep); ok && b.ShortCircuits() {
				adm.Reason = ReasonCircuitOpen
				adm.Detail = fmt.Sprintf("dependency %s circuit is open", dep)
				e.logger.Warn("admission denied", "stage", stage, "reason", adm.Reason, "dependency", dep)
				return adm, nil
			}
		}
	}

	if e.cost != nil {
		summary, err := e.cost.DailySummary(ctx, e.now())
		if err != nil {
			return Admission{}, err
		}
		within, err := e.WithinBudget(stage, estimate, summary.ByStage[stage].CostUSD)
		if err != nil {
			return Admission{}, err
		}
		if !within {
			adm.Reason = ReasonStageBudgetExceeded
			adm.Detail = fmt.Sprintf("stage daily budget $%.2f exhausted: $%.2f spent", e.configs[stage].DailyCostLimit, summary.ByStage[stage].CostUSD)
			e.logger.Warn("admission denied", "stage", stage, "reason", adm.Reason)
			return adm, nil
		}

		verdict, err := e.cost.CanProcessDocument(ctx, projectID, estimate)
		if err != nil {
			return Admission{}, err
		}
		if !verdict.Allowed {
			adm.Reason = ReasonDailyCeiling
			adm.Detail = verdict.Reason
			e.logger.Warn("admission denied", "stage", stage, "reason", adm.Reason, "detail", verdict.Reason)
			return adm, nil
		}
	}

	adm.Allowed = true
	return adm, nil
}
