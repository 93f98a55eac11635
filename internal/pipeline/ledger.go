package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/millrace/millrace/internal/store"
)

// Ledger records stage execution transitions for documents and answers
// resume queries from the persisted state.
type Ledger struct {
	steps  store.StepRecords
	logger *slog.Logger
	now    func() time.Time
}

// LedgerConfig holds dependencies for a Ledger.
type LedgerConfig struct {
	Steps  store.StepRecords
	Logger *slog.Logger
}

// NewLedger creates a ledger over the given step store.
func NewLedger(cfg LedgerConfig) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		steps:  cfg.Steps,
		logger: cfg.Logger.With("component", "ledger"),
		now:    time.Now,
	}
}

// NewLedgerWithClock is NewLedger with an injected clock for tests.
func NewLedgerWithClock(cfg LedgerConfig, now func() time.Time) *Ledger {
	l := NewLedger(cfg)
	l.now = now
	return l
}

// Steps returns the document's ledger in stage order.
func (l *Ledger) Steps(ctx context.Context, documentID string) ([]store.StepRecord, error) {
	return l.steps.StepsByDocument(ctx, documentID)
}

// Plan computes the resume plan for a document from its persisted ledger.
func (l *Ledger) Plan(ctx context.Context, documentID, target string) (ResumePlan, error) {
	steps, err := l.steps.StepsByDocument(ctx, documentID)
	if err != nil {
		return ResumePlan{}, err
	}
	return DetermineResumePoint(steps, target)
}

// MarkRunning opens a stage for a document, bumping the attempt counter when
// the stage ran before.
func (l *Ledger) MarkRunning(ctx context.Context, documentID, stage, executorVersion string) (*store.StepRecord, error) {
	idx := StageIndex(stage)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	prev, err := l.find(ctx, documentID, stage)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec := store.StepRecord{
		DocumentID:      documentID,
		Stage:           stage,
		StageIndex:      idx,
		Status:          store.StepRunning,
		Attempt:         1,
		StartedAt:       &now,
		ExecutorVersion: executorVersion,
	}
	if prev != nil {
		rec.Attempt = prev.Attempt + 1
	}

	if err := l.steps.UpsertStep(ctx, &rec); err != nil {
		return nil, err
	}
	l.logger.Debug("stage running", "document_id", documentID, "stage", stage, "attempt", rec.Attempt)
	return &rec, nil
}

// MarkCompleted closes a stage successfully, computing its duration from the
// recorded start time.
func (l *Ledger) MarkCompleted(ctx context.Context, documentID, stage, outputHash string) (*store.StepRecord, error) {
	rec, err := l.close(ctx, documentID, stage, store.StepCompleted)
	if err != nil {
		return nil, err
	}
	rec.OutputHash = outputHash
	rec.CanResume = true
	rec.ErrorMessage = ""

	if err := l.steps.UpsertStep(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.Debug("stage completed", "document_id", documentID, "stage", stage, "duration_ms", rec.DurationMs)
	return rec, nil
}

// MarkFailed closes a stage with an error. canResume records whether the
// stage left a checkpoint a later run can pick up.
func (l *Ledger) MarkFailed(ctx context.Context, documentID, stage, errMsg string, canResume bool) (*store.StepRecord, error) {
	rec, err := l.close(ctx, documentID, stage, store.StepFailed)
	if err != nil {
		return nil, err
	}
	rec.ErrorMessage = errMsg
	rec.CanResume = canResume

	if err := l.steps.UpsertStep(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.Warn("stage failed", "document_id", documentID, "stage", stage, "error", errMsg)
	return rec, nil
}

// MarkSkipped records that a stage was skipped because its upstream input
// was unchanged. The previous output hash stays in place.
func (l *Ledger) MarkSkipped(ctx context.Context, documentID, stage, reason string) (*store.StepRecord, error) {
	idx := StageIndex(stage)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	prev, err := l.find(ctx, documentID, stage)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec := store.StepRecord{
		DocumentID:   documentID,
		Stage:        stage,
		StageIndex:   idx,
		Status:       store.StepSkipped,
		StartedAt:    &now,
		CompletedAt:  &now,
		CanResume:    true,
		ErrorMessage: reason,
	}
	if prev != nil {
		rec.Attempt = prev.Attempt
		rec.OutputHash = prev.OutputHash
		rec.ExecutorVersion = prev.ExecutorVersion
	}

	if err := l.steps.UpsertStep(ctx, &rec); err != nil {
		return nil, err
	}
	l.logger.Debug("stage skipped", "document_id", documentID, "stage", stage, "reason", reason)
	return &rec, nil
}

// close loads the open row for (document, stage) and stamps completion times.
func (l *Ledger) close(ctx context.Context, documentID, stage string, status store.StepStatus) (*store.StepRecord, error) {
	idx := StageIndex(stage)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	prev, err := l.find(ctx, documentID, stage)
	if err != nil {
		return nil, err
	}

	now := l.now()
	rec := store.StepRecord{
		DocumentID: documentID,
		Stage:      stage,
		StageIndex: idx,
		Attempt:    1,
		StartedAt:  &now,
	}
	if prev != nil {
		rec = *prev
	}
	rec.Status = status
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	return &rec, nil
}

func (l *Ledger) find(ctx context.Context, documentID, stage string) (*store.StepRecord, error) {
	steps, err := l.steps.StepsByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].Stage == stage {
			return &steps[i], nil
		}
	}
	return nil, nil
}
