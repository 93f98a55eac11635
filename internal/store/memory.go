package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type idemKey struct {
	key    string
	userID string
}

// Memory is an in-memory Store. It backs package tests and `serve --store
// memory`, and implements the same contract as Postgres, including
// ErrDuplicateKey on conflicting inserts.
type Memory struct {
	mu     sync.RWMutex
	idem   map[idemKey]IdempotencyRecord
	steps  map[string]map[string]StepRecord
	costs  []CostRecord
	traces []TraceEntry
	docs   map[string]DocumentRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		idem:  make(map[idemKey]IdempotencyRecord),
		steps: make(map[string]map[string]StepRecord),
		docs:  make(map[string]DocumentRecord),
	}
}

func (m *Memory) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey{rec.Key, rec.UserID}
	if _, ok := m.idem[k]; ok {
		return ErrDuplicateKey
	}
	m.idem[k] = cloneIdempotency(*rec)
	return nil
}

func (m *Memory) GetIdempotency(ctx context.Context, key, userID string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idem[idemKey{key, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneIdempotency(rec)
	return &out, nil
}

func (m *Memory) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey{rec.Key, rec.UserID}
	if _, ok := m.idem[k]; !ok {
		return ErrNotFound
	}
	m.idem[k] = cloneIdempotency(*rec)
	return nil
}

func (m *Memory) DeleteIdempotency(ctx context.Context, key, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.idem, idemKey{key, userID})
	return nil
}

func (m *Memory) DeleteExpiredIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, rec := range m.idem {
		if !rec.ExpiresAt.After(cutoff) {
			delete(m.idem, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertStep(ctx context.Context, rec *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.steps[rec.DocumentID]
	if !ok {
		doc = make(map[string]StepRecord)
		m.steps[rec.DocumentID] = doc
	}
	doc[rec.Stage] = cloneStep(*rec)
	return nil
}

func (m *Memory) StepsByDocument(ctx context.Context, documentID string) ([]StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := m.steps[documentID]
	out := make([]StepRecord, 0, len(doc))
	for _, rec := range doc {
		out = append(out, cloneStep(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StageIndex != out[j].StageIndex {
			return out[i].StageIndex < out[j].StageIndex
		}
		return out[i].Stage < out[j].Stage
	})
	return out, nil
}

func (m *Memory) InsertCost(ctx context.Context, rec *CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.costs = append(m.costs, *rec)
	return nil
}

func (m *Memory) CostsInRange(ctx context.Context, from, to time.Time) ([]CostRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CostRecord
	for _, rec := range m.costs {
		if inRange(rec.CreatedAt, from, to) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SumCostInRange(ctx context.Context, from, to time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	for _, rec := range m.costs {
		if inRange(rec.CreatedAt, from, to) {
			sum += rec.CostUSD
		}
	}
	return sum, nil
}

func (m *Memory) CountDocumentsInRange(ctx context.Context, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range m.costs {
		if rec.DocumentID != "" && inRange(rec.CreatedAt, from, to) {
			seen[rec.DocumentID] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (m *Memory) InsertTraceEntry(ctx context.Context, e *TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.traces = append(m.traces, *e)
	return nil
}

func (m *Memory) InsertTraceEntries(ctx context.Context, entries []TraceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.traces = append(m.traces, entries...)
	return nil
}

func (m *Memory) TraceByDocument(ctx context.Context, documentID string) ([]TraceEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TraceEntry
	for _, e := range m.traces {
		if e.DocumentID == documentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *Memory) PutDocument(ctx context.Context, rec *DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[rec.ID] = *rec
	return nil
}

func (m *Memory) UpdateDocumentUsage(ctx context.Context, id string, usage UsageTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.docs[id]
	if !ok {
		rec = DocumentRecord{ID: id, CreatedAt: time.Now().UTC()}
	}
	rec.Usage = usage
	rec.UpdatedAt = time.Now().UTC()
	m.docs[id] = rec
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

// inRange reports from <= t < to.
func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func cloneIdempotency(rec IdempotencyRecord) IdempotencyRecord {
	if rec.Response != nil {
		rec.Response = append([]byte(nil), rec.Response...)
	}
	if rec.Headers != nil {
		headers := make(map[string]string, len(rec.Headers))
		for k, v := range rec.Headers {
			headers[k] = v
		}
		rec.Headers = headers
	}
	return rec
}

func cloneStep(rec StepRecord) StepRecord {
	if rec.StartedAt != nil {
		t := *rec.StartedAt
		rec.StartedAt = &t
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		rec.CompletedAt = &t
	}
	return rec
}
