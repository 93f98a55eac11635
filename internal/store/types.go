package store

import "time"

// IdempotencyStatus is the lifecycle state of a keyed request.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is one keyed request outcome, unique per (key, user).
type IdempotencyRecord struct {
	Key        string            `json:"key"`
	UserID     string            `json:"userId"`
	Status     IdempotencyStatus `json:"status"`
	StatusCode int               `json:"statusCode,omitempty"`
	Response   []byte            `json:"response,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
}

// StepStatus is the execution state of one pipeline stage for a document.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepRecord is one row of a document's stage execution ledger.
type StepRecord struct {
	DocumentID      string     `json:"documentId"`
	Stage           string     `json:"stage"`
	StageIndex      int        `json:"stageIndex"`
	Status          StepStatus `json:"status"`
	Attempt         int        `json:"attempt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DurationMs      int64      `json:"durationMs"`
	OutputHash      string     `json:"outputHash,omitempty"`
	ExecutorVersion string     `json:"executorVersion,omitempty"`
	CanResume       bool       `json:"canResume"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
}

// CostRecord is one stage execution's cost entry.
type CostRecord struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId,omitempty"`
	DocumentID       string    `json:"documentId,omitempty"`
	Stage            string    `json:"stage"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int64     `json:"promptTokens"`
	CompletionTokens int64     `json:"completionTokens"`
	TotalTokens      int64     `json:"totalTokens"`
	CostUSD          float64   `json:"costUsd"`
	CreatedAt        time.Time `json:"createdAt"`
}

// TraceEntry is one recorded pipeline event.
type TraceEntry struct {
	ID               string    `json:"id"`
	TraceID          string    `json:"traceId"`
	DocumentID       string    `json:"documentId"`
	Stage            string    `json:"stage,omitempty"`
	Event            string    `json:"event"`
	Status           string    `json:"status,omitempty"`
	Message          string    `json:"message,omitempty"`
	DurationMs       int64     `json:"durationMs,omitempty"`
	PromptTokens     int64     `json:"promptTokens,omitempty"`
	CompletionTokens int64     `json:"completionTokens,omitempty"`
	TotalTokens      int64     `json:"totalTokens,omitempty"`
	CostUSD          float64   `json:"costUsd,omitempty"`
	Model            string    `json:"model,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// UsageTotals aggregates model usage across stage executions.
type UsageTotals struct {
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// DocumentRecord tracks a document moving through the pipeline.
type DocumentRecord struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId,omitempty"`
	Status    string      `json:"status,omitempty"`
	TraceID   string      `json:"traceId,omitempty"`
	Usage     UsageTotals `json:"usage"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
