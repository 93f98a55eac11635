package contract

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the uniform envelope every stage execution produces, success or
// failure. Build one only through NewSuccess or NewFailure: the constructors
// guarantee durationMs derives from the start time, usage is always present,
// and a failed result never carries data.
type Result struct {
	Success bool            `json:"success"`
	Version string          `json:"version"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *StageError     `json:"error,omitempty"`
	Metrics Metrics         `json:"metrics"`
	Usage   Usage           `json:"usage"`
}

// StageError describes why a stage execution failed.
type StageError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Metrics captures per-execution measurements.
type Metrics struct {
	DurationMs      int64 `json:"durationMs"`
	InputSizeBytes  int64 `json:"inputSizeBytes"`
	OutputSizeBytes int64 `json:"outputSizeBytes"`
	RetryCount      int   `json:"retryCount"`
}

// Usage captures model token consumption for one execution.
type Usage struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
	Model            string  `json:"model,omitempty"`
}

// NewSuccess builds a success result. data may be nil for stages that produce
// no payload; usage may be nil and is zero-filled.
func NewSuccess(version string, startTime time.Time, data any, metrics Metrics, usage *Usage) (Result, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Result{}, fmt.Errorf("failed to marshal stage data: %w", err)
		}
		raw = b
	}

	r := Result{
		Success: true,
		Version: version,
		Data:    raw,
		Metrics: metrics,
	}
	r.Metrics.DurationMs = time.Since(startTime).Milliseconds()
	if usage != nil {
		r.Usage = *usage
	}
	return r, nil
}

// NewFailure builds a failure result. Failed results never carry data; usage
// may be nil and is zero-filled.
func NewFailure(version string, startTime time.Time, stageErr StageError, metrics Metrics, usage *Usage) Result {
	r := Result{
		Success: false,
		Version: version,
		Error:   &stageErr,
		Metrics: metrics,
	}
	r.Metrics.DurationMs = time.Since(startTime).Milliseconds()
	if usage != nil {
		r.Usage = *usage
	}
	return r
}

// InvalidInputFailure wraps a failed validation as a stage result, the form
// executors report when their caller hands them a bad payload.
func InvalidInputFailure(version string, startTime time.Time, v Validation) Result {
	msg := "input payload failed contract validation"
	if len(v.Errors) > 0 {
		msg = fmt.Sprintf("%s: %s", v.Errors[0].Field, v.Errors[0].Message)
	}
	return NewFailure(version, startTime, StageError{
		Code:      "INVALID_INPUT",
		Message:   msg,
		Retryable: false,
	}, Metrics{}, nil)
}
