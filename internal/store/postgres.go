package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// EnsureSchema creates the millrace tables if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *Postgres) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	headers, err := marshalHeaders(rec.Headers)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, user_id, status, status_code, response, headers, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Key, rec.UserID, rec.Status, rec.StatusCode, rec.Response, headers, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

func (p *Postgres) GetIdempotency(ctx context.Context, key, userID string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var headers []byte

	err := p.pool.QueryRow(ctx,
		`SELECT key, user_id, status, status_code, response, headers, created_at, expires_at
		 FROM idempotency_keys
		 WHERE key = $1 AND user_id = $2`,
		key, userID,
	).Scan(&rec.Key, &rec.UserID, &rec.Status, &rec.StatusCode, &rec.Response, &headers, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if headers != nil {
		_ = json.Unmarshal(headers, &rec.Headers)
	}
	return &rec, nil
}

func (p *Postgres) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	headers, err := marshalHeaders(rec.Headers)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = $3, status_code = $4, response = $5, headers = $6, expires_at = $7
		 WHERE key = $1 AND user_id = $2`,
		rec.Key, rec.UserID, rec.Status, rec.StatusCode, rec.Response, headers, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteIdempotency(ctx context.Context, key, userID string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND user_id = $2`,
		key, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteExpiredIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) UpsertStep(ctx context.Context, rec *StepRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pipeline_steps (document_id, stage, stage_index, status, attempt, started_at, completed_at,
		                             duration_ms, output_hash, executor_version, can_resume, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (document_id, stage) DO UPDATE SET
		     stage_index = $3, status = $4, attempt = $5, started_at = $6, completed_at = $7,
		     duration_ms = $8, output_hash = $9, executor_version = $10, can_resume = $11, error_message = $12`,
		rec.DocumentID, rec.Stage, rec.StageIndex, rec.Status, rec.Attempt, rec.StartedAt, rec.CompletedAt,
		rec.DurationMs, rec.OutputHash, rec.ExecutorVersion, rec.CanResume, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

func (p *Postgres) StepsByDocument(ctx context.Context, documentID string) ([]StepRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document_id, stage, stage_index, status, attempt, started_at, completed_at,
		        duration_ms, output_hash, executor_version, can_resume, error_message
		 FROM pipeline_steps
		 WHERE document_id = $1
		 ORDER BY stage_index, stage`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var rec StepRecord
		if err := rows.Scan(&rec.DocumentID, &rec.Stage, &rec.StageIndex, &rec.Status, &rec.Attempt,
			&rec.StartedAt, &rec.CompletedAt, &rec.DurationMs, &rec.OutputHash,
			&rec.ExecutorVersion, &rec.CanResume, &rec.ErrorMessage); err != nil {
			return nil, err
		}
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

func (p *Postgres) InsertCost(ctx context.Context, rec *CostRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cost_records (id, project_id, document_id, stage, model, prompt_tokens,
		                           completion_tokens, total_tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.ProjectID, rec.DocumentID, rec.Stage, rec.Model, rec.PromptTokens,
		rec.CompletionTokens, rec.TotalTokens, rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert cost record: %w", err)
	}
	return nil
}

func (p *Postgres) CostsInRange(ctx context.Context, from, to time.Time) ([]CostRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, project_id, document_id, stage, model, prompt_tokens,
		        completion_tokens, total_tokens, cost_usd, created_at
		 FROM cost_records
		 WHERE created_at >= $1 AND created_at < $2
		 ORDER BY created_at`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost records: %w", err)
	}
	defer rows.Close()

	var records []CostRecord
	for rows.Next() {
		var rec CostRecord
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.DocumentID, &rec.Stage, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.CostUSD, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (p *Postgres) SumCostInRange(ctx context.Context, from, to time.Time) (float64, error) {
	var sum float64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0)
		 FROM cost_records
		 WHERE created_at >= $1 AND created_at < $2`,
		from, to,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost records: %w", err)
	}
	return sum, nil
}

func (p *Postgres) CountDocumentsInRange(ctx context.Context, from, to time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT document_id)
		 FROM cost_records
		 WHERE document_id <> '' AND created_at >= $1 AND created_at < $2`,
		from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (p *Postgres) InsertTraceEntry(ctx context.Context, e *TraceEntry) error {
	_, err := p.pool.Exec(ctx, insertTraceSQL,
		e.ID, e.TraceID, e.DocumentID, e.Stage, e.Event, e.Status, e.Message, e.DurationMs,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD, e.Model, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trace entry: %w", err)
	}
	return nil
}

func (p *Postgres) InsertTraceEntries(ctx context.Context, entries []TraceEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(insertTraceSQL,
			e.ID, e.TraceID, e.DocumentID, e.Stage, e.Event, e.Status, e.Message, e.DurationMs,
			e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CostUSD, e.Model, e.CreatedAt,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert trace batch: %w", err)
		}
	}
	return nil
}

const insertTraceSQL = `INSERT INTO trace_entries (id, trace_id, document_id, stage, event, status, message,
                            duration_ms, prompt_tokens, completion_tokens, total_tokens, cost_usd, model, created_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (p *Postgres) TraceByDocument(ctx context.Context, documentID string) ([]TraceEntry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, trace_id, document_id, stage, event, status, message, duration_ms,
		        prompt_tokens, completion_tokens, total_tokens, cost_usd, model, created_at
		 FROM trace_entries
		 WHERE document_id = $1
		 ORDER BY seq`,
		documentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list trace entries: %w", err)
	}
	defer rows.Close()

	var entries []TraceEntry
	for rows.Next() {
		var e TraceEntry
		if err := rows.Scan(&e.ID, &e.TraceID, &e.DocumentID, &e.Stage, &e.Event, &e.Status, &e.Message,
			&e.DurationMs, &e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CostUSD, &e.Model, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	var rec DocumentRecord
	err := p.pool.QueryRow(ctx,
		`SELECT id, project_id, status, trace_id, prompt_tokens, completion_tokens,
		        total_tokens, cost_usd, created_at, updated_at
		 FROM documents
		 WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.ProjectID, &rec.Status, &rec.TraceID, &rec.Usage.PromptTokens,
		&rec.Usage.CompletionTokens, &rec.Usage.TotalTokens, &rec.Usage.CostUSD, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) PutDocument(ctx context.Context, rec *DocumentRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, project_id, status, trace_id, prompt_tokens, completion_tokens,
		                        total_tokens, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		     project_id = $2, status = $3, trace_id = $4, prompt_tokens = $5, completion_tokens = $6,
		     total_tokens = $7, cost_usd = $8, updated_at = $10`,
		rec.ID, rec.ProjectID, rec.Status, rec.TraceID, rec.Usage.PromptTokens, rec.Usage.CompletionTokens,
		rec.Usage.TotalTokens, rec.Usage.CostUSD, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateDocumentUsage(ctx context.Context, id string, usage UsageTotals) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, prompt_tokens, completion_tokens, total_tokens, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET
		     prompt_tokens = $2, completion_tokens = $3, total_tokens = $4, cost_usd = $5, updated_at = NOW()`,
		id, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens, usage.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to update document usage: %w", err)
	}
	return nil
}

// marshalHeaders encodes headers as JSON for the jsonb column, nil when empty.
func marshalHeaders(headers map[string]string) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return b, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
