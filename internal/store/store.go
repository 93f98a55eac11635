// Package store persists millrace control-plane records.
//
// Row types and the narrow per-record interfaces live here so the domain
// packages share one backend. Postgres is the production implementation;
// Memory backs tests and `serve --store memory`.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by unique inserts when the key already exists.
	ErrDuplicateKey = errors.New("duplicate key")
)

// IdempotencyRecords stores keyed request outcomes for at-most-once execution.
type IdempotencyRecords interface {
	// InsertIdempotency atomically creates rec. Returns ErrDuplicateKey when a
	// record with the same (key, user_id) already exists.
	InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotency(ctx context.Context, key, userID string) (*IdempotencyRecord, error)
	UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, key, userID string) error
	// DeleteExpiredIdempotency removes records whose expiry is at or before cutoff.
	DeleteExpiredIdempotency(ctx context.Context, cutoff time.Time) (int64, error)
}

// StepRecords stores the per-document stage execution ledger.
type StepRecords interface {
	// UpsertStep inserts or replaces the ledger row for (document_id, stage).
	UpsertStep(ctx context.Context, rec *StepRecord) error
	// StepsByDocument returns the ledger for a document ordered by stage index.
	StepsByDocument(ctx context.Context, documentID string) ([]StepRecord, error)
}

// CostRecords stores per-stage cost entries.
type CostRecords interface {
	InsertCost(ctx context.Context, rec *CostRecord) error
	// CostsInRange returns records with from <= created_at < to.
	CostsInRange(ctx context.Context, from, to time.Time) ([]CostRecord, error)
	SumCostInRange(ctx context.Context, from, to time.Time) (float64, error)
	// CountDocumentsInRange counts distinct documents with cost records in the range.
	CountDocumentsInRange(ctx context.Context, from, to time.Time) (int64, error)
}

// TraceRecords stores pipeline trace entries.
type TraceRecords interface {
	InsertTraceEntry(ctx context.Context, e *TraceEntry) error
	InsertTraceEntries(ctx context.Context, entries []TraceEntry) error
	// TraceByDocument returns a document's entries in recording order.
	TraceByDocument(ctx context.Context, documentID string) ([]TraceEntry, error)
}

// Documents stores document records and their usage rollups.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	// PutDocument inserts or replaces a document record.
	PutDocument(ctx context.Context, rec *DocumentRecord) error
	UpdateDocumentUsage(ctx context.Context, id string, usage UsageTotals) error
}

// Store is the full persistence surface wired into the server.
type Store interface {
	IdempotencyRecords
	StepRecords
	CostRecords
	TraceRecords
	Documents

	Ping(ctx context.Context) error
	Close()
}
