// Package scaling computes backpressure, worker scaling decisions, and
// cost-aware admission for the pipeline stages. Decisions are computed fresh
// from caller-supplied counters on every call; workers are a capacity policy
// consulted by an external scheduler, not goroutines owned here.
package scaling

import "github.com/millrace/millrace/internal/pipeline"

// Resource profiles describing what a stage's executors are bound by.
const (
	ProfileCPUBound    = "cpu_bound"
	ProfileIOBound     = "io_bound"
	ProfileMemoryBound = "memory_bound"
)

// StageConfig is the static capacity policy for one stage.
type StageConfig struct {
	ResourceProfile       string  `json:"resourceProfile" mapstructure:"resource_profile"`
	MinWorkers            int     `json:"minWorkers" mapstructure:"min_workers"`
	MaxWorkers            int     `json:"maxWorkers" mapstructure:"max_workers"`
	TargetConcurrency     int     `json:"targetConcurrency" mapstructure:"target_concurrency"`
	MaxQueueDepth         int     `json:"maxQueueDepth" mapstructure:"max_queue_depth"`
	BackpressureThreshold int     `json:"backpressureThreshold" mapstructure:"backpressure_threshold"`
	PauseThreshold        int     `json:"pauseThreshold" mapstructure:"pause_threshold"`
	TargetLatencyMs       int64   `json:"targetLatencyMs" mapstructure:"target_latency_ms"`
	MaxLatencyMs          int64   `json:"maxLatencyMs" mapstructure:"max_latency_ms"`
	BaseCostPerExecution  float64 `json:"baseCostPerExecution" mapstructure:"base_cost_per_execution"`
	CostPerKB             float64 `json:"costPerKb" mapstructure:"cost_per_kb"`
	MaxCostPerExecution   float64 `json:"maxCostPerExecution" mapstructure:"max_cost_per_execution"`
	DailyCostLimit        float64 `json:"dailyCostLimit" mapstructure:"daily_cost_limit"`
	MaxRetries            int     `json:"maxRetries" mapstructure:"max_retries"`
	RetryBackoffMs        int64   `json:"retryBackoffMs" mapstructure:"retry_backoff_ms"`
	TimeoutMs             int64   `json:"timeoutMs" mapstructure:"timeout_ms"`
}

// DefaultStageConfigs returns the capacity policy for every pipeline stage.
func DefaultStageConfigs() map[string]StageConfig {
	return map[string]StageConfig{
		pipeline.StageIngestion: {
			ResourceProfile:       ProfileIOBound,
			MinWorkers:            1,
			MaxWorkers:            8,
			TargetConcurrency:     4,
			MaxQueueDepth:         250,
			BackpressureThreshold: 100,
			PauseThreshold:        200,
			TargetLatencyMs:       500,
			MaxLatencyMs:          5000,
			BaseCostPerExecution:  0.0001,
			CostPerKB:             0,
			MaxCostPerExecution:   0.001,
			DailyCostLimit:        2,
			MaxRetries:            3,
			RetryBackoffMs:        1000,
			TimeoutMs:             30000,
		},
		pipeline.StageTextExtraction: {
			ResourceProfile:       ProfileCPUBound,
			MinWorkers:            1,
			MaxWorkers:            6,
			TargetConcurrency:     3,
			MaxQueueDepth:         120,
			BackpressureThreshold: 50,
			PauseThreshold:        100,
			TargetLatencyMs:       2000,
			MaxLatencyMs:          60000,
			BaseCostPerExecution:  0.002,
			CostPerKB:             0.00001,
			MaxCostPerExecution:   0.05,
			DailyCostLimit:        10,
			MaxRetries:            2,
			RetryBackoffMs:        2000,
			TimeoutMs:             120000,
		},
		pipeline.StageLanguageDetection: {
			ResourceProfile:       ProfileCPUBound,
			MinWorkers:            1,
			MaxWorkers:            4,
			TargetConcurrency:     4,
			MaxQueueDepth:         300,
			BackpressureThreshold: 150,
			PauseThreshold:        280,
			TargetLatencyMs:       200,
			MaxLatencyMs:          2000,
			BaseCostPerExecution:  0.0001,
			CostPerKB:             0,
			MaxCostPerExecution:   0.001,
			DailyCostLimit:        1,
			MaxRetries:            3,
			RetryBackoffMs:        500,
			TimeoutMs:             10000,
		},
		pipeline.StageChunking: {
			ResourceProfile:       ProfileMemoryBound,
			MinWorkers:            1,
			MaxWorkers:            6,
			TargetConcurrency:     3,
			MaxQueueDepth:         150,
			BackpressureThreshold: 60,
			PauseThreshold:        120,
			TargetLatencyMs:       800,
			MaxLatencyMs:          10000,
			BaseCostPerExecution:  0.0005,
			CostPerKB:             0.000005,
			MaxCostPerExecution:   0.01,
			DailyCostLimit:        5,
			MaxRetries:            3,
			RetryBackoffMs:        1000,
			TimeoutMs:             30000,
		},
		pipeline.StageSummarization: {
			ResourceProfile:       ProfileIOBound,
			MinWorkers:            1,
			MaxWorkers:            4,
			TargetConcurrency:     2,
			MaxQueueDepth:         60,
			BackpressureThreshold: 25,
			PauseThreshold:        45,
			TargetLatencyMs:       4000,
			MaxLatencyMs:          60000,
			BaseCostPerExecution:  0.01,
			CostPerKB:             0.002,
			MaxCostPerExecution:   0.25,
			DailyCostLimit:        100,
			MaxRetries:            2,
			RetryBackoffMs:        5000,
			TimeoutMs:             180000,
		},
		pipeline.StageIndexing: {
			ResourceProfile:       ProfileIOBound,
			MinWorkers:            1,
			MaxWorkers:            8,
			TargetConcurrency:     4,
			MaxQueueDepth:         250,
			BackpressureThreshold: 120,
			PauseThreshold:        220,
			TargetLatencyMs:       1000,
			MaxLatencyMs:          15000,
			BaseCostPerExecution:  0.001,
			CostPerKB:             0.0001,
			MaxCostPerExecution:   0.02,
			DailyCostLimit:        20,
			MaxRetries:            3,
			RetryBackoffMs:        2000,
			TimeoutMs:             60000,
		},
	}
}

// StageDailyLimits extracts the per-stage daily budgets from configs, in the
// shape the cost alert checker consumes.
func StageDailyLimits(configs map[string]StageConfig) map[string]float64 {
	limits := make(map[string]float64, len(configs))
	for stage, cfg := range configs {
		limits[stage] = cfg.DailyCostLimit
	}
	return limits
}
