package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/millrace/internal/contract"
	"github.com/millrace/millrace/internal/store"
)

// Trace events.
const (
	EventStageStart    = "stage_start"
	EventStageComplete = "stage_complete"
	EventStageError    = "stage_error"
	EventStageSkipped  = "stage_skipped"
)

// Config carries the shared plumbing tracers need. One Config is built at
// startup and reused for every document.
type Config struct {
	Sink      *Sink
	Records   store.TraceRecords
	Documents store.Documents
	Logger    *slog.Logger
	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Tracer records one document's walk through the pipeline under a single
// trace ID. Lifecycle events flow through the batching sink; errors are
// written synchronously because a diagnostic that never lands is worthless
// exactly when it matters.
type Tracer struct {
	cfg        Config
	logger     *slog.Logger
	traceID    string
	documentID string

	mu    sync.Mutex
	usage map[string]store.UsageTotals
}

// NewTracer starts a fresh trace for documentID.
func NewTracer(cfg Config, documentID string) *Tracer {
	return NewTracerWithID(cfg, documentID, uuid.NewString())
}

// NewTracerWithID continues an existing trace, as when a document resumes
// after a restart.
func NewTracerWithID(cfg Config, documentID, traceID string) *Tracer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracer{
		cfg:        cfg,
		logger:     cfg.Logger.With("trace_id", traceID, "document_id", documentID),
		traceID:    traceID,
		documentID: documentID,
		usage:      make(map[string]store.UsageTotals),
	}
}

// TraceID returns the trace's identifier.
func (t *Tracer) TraceID() string {
	return t.traceID
}

// LogStageStart records a stage beginning execution.
func (t *Tracer) LogStageStart(stage string) {
	t.logger.Debug("stage started", "stage", stage)
	t.cfg.Sink.Enqueue(t.entry(stage, EventStageStart, "running", ""))
}

// LogStageComplete records a finished stage with its duration and usage.
func (t *Tracer) LogStageComplete(stage string, durationMs int64, usage contract.Usage) {
	t.addUsage(stage, usage)

	e := t.entry(stage, EventStageComplete, "completed", "")
	e.DurationMs = durationMs
	e.PromptTokens = usage.PromptTokens
	e.CompletionTokens = usage.CompletionTokens
	e.TotalTokens = usage.TotalTokens
	e.CostUSD = usage.EstimatedCostUSD
	e.Model = usage.Model

	t.logger.Debug("stage completed", "stage", stage, "duration_ms", durationMs)
	t.cfg.Sink.Enqueue(e)
}

// LogStageSkipped records a stage preserved from a prior run.
func (t *Tracer) LogStageSkipped(stage, reason string) {
	e := t.entry(stage, EventStageSkipped, "skipped", reason)
	t.logger.Debug("stage skipped", "stage", stage, "reason", reason)
	t.cfg.Sink.Enqueue(e)
}

// LogStageError writes a failure synchronously, bypassing the batch path.
func (t *Tracer) LogStageError(ctx context.Context, stage string, stageErr *contract.StageError) error {
	e := t.entry(stage, EventStageError, "failed", "")
	if stageErr != nil {
		e.Message = fmt.Sprintf("%s: %s", stageErr.Code, stageErr.Message)
	}

	t.logger.Error("stage failed", "stage", stage, "message", e.Message)
	if err := t.cfg.Records.InsertTraceEntry(ctx, &e); err != nil {
		return fmt.Errorf("failed to write stage error: %w", err)
	}
	return nil
}

// Finalize flushes buffered entries and writes the aggregated usage totals
// onto the document record. It returns the totals it wrote.
func (t *Tracer) Finalize(ctx context.Context) (store.UsageTotals, error) {
	if err := t.cfg.Sink.Flush(ctx); err != nil {
		return store.UsageTotals{}, fmt.Errorf("failed to flush trace entries: %w", err)
	}

	totals := t.UsageTotals()
	if err := t.cfg.Documents.UpdateDocumentUsage(ctx, t.documentID, totals); err != nil {
		return store.UsageTotals{}, fmt.Errorf("failed to update document usage: %w", err)
	}

	t.logger.Info("trace finalized",
		"total_tokens", totals.TotalTokens,
		"cost_usd", totals.CostUSD)
	return totals, nil
}

// UsageTotals sums the usage recorded so far across all stages.
func (t *Tracer) UsageTotals() store.UsageTotals {
	t.mu.Lock()
	defer t.mu.Unlock()

	var totals store.UsageTotals
	for _, u := range t.usage {
		totals.PromptTokens += u.PromptTokens
		totals.CompletionTokens += u.CompletionTokens
		totals.TotalTokens += u.TotalTokens
		totals.CostUSD += u.CostUSD
	}
	return totals
}

func (t *Tracer) addUsage(stage string, usage contract.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.usage[stage]
	u.PromptTokens += usage.PromptTokens
	u.CompletionTokens += usage.CompletionTokens
	u.TotalTokens += usage.TotalTokens
	u.CostUSD += usage.EstimatedCostUSD
	t.usage[stage] = u
}

func (t *Tracer) entry(stage, event, status, message string) store.TraceEntry {
	return store.TraceEntry{
		ID:         uuid.NewString(),
		TraceID:    t.traceID,
		DocumentID: t.documentID,
		Stage:      stage,
		Event:      event,
		Status:     status,
		Message:    message,
		CreatedAt:  t.cfg.Now(),
	}
}
