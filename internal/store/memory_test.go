package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_IdempotencyInsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := &IdempotencyRecord{
		Key:       "key-1",
		UserID:    "user-1",
		Status:    IdempotencyProcessing,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := m.InsertIdempotency(ctx, rec); err != nil {
		t.Fatalf("InsertIdempotency failed: %v", err)
	}

	// Same (key, user) must conflict
	if err := m.InsertIdempotency(ctx, rec); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("got %v, want ErrDuplicateKey", err)
	}

	// Same key for another user is a distinct record
	other := *rec
	other.UserID = "user-2"
	if err := m.InsertIdempotency(ctx, &other); err != nil {
		t.Fatalf("InsertIdempotency for second user failed: %v", err)
	}
}

func TestMemory_IdempotencyGetUpdateDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetIdempotency(ctx, "missing", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	rec := &IdempotencyRecord{
		Key:       "key-1",
		UserID:    "user-1",
		Status:    IdempotencyProcessing,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := m.InsertIdempotency(ctx, rec); err != nil {
		t.Fatalf("InsertIdempotency failed: %v", err)
	}

	rec.Status = IdempotencyCompleted
	rec.StatusCode = 201
	rec.Response = []byte(`{"id":"doc-1"}`)
	rec.Headers = map[string]string{"Content-Type": "application/json"}
	if err := m.UpdateIdempotency(ctx, rec); err != nil {
		t.Fatalf("UpdateIdempotency failed: %v", err)
	}

	got, err := m.GetIdempotency(ctx, "key-1", "user-1")
	if err != nil {
		t.Fatalf("GetIdempotency failed: %v", err)
	}
	if got.Status != IdempotencyCompleted {
		t.Errorf("got status %q, want %q", got.Status, IdempotencyCompleted)
	}
	if got.StatusCode != 201 {
		t.Errorf("got status code %d, want 201", got.StatusCode)
	}
	if string(got.Response) != `{"id":"doc-1"}` {
		t.Errorf("got response %q", got.Response)
	}

	// Returned record is a copy; mutating it must not touch the store
	got.Headers["Content-Type"] = "text/plain"
	again, _ := m.GetIdempotency(ctx, "key-1", "user-1")
	if again.Headers["Content-Type"] != "application/json" {
		t.Error("stored record aliased by returned copy")
	}

	if err := m.DeleteIdempotency(ctx, "key-1", "user-1"); err != nil {
		t.Fatalf("DeleteIdempotency failed: %v", err)
	}
	if _, err := m.GetIdempotency(ctx, "key-1", "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v after delete, want ErrNotFound", err)
	}

	missing := &IdempotencyRecord{Key: "nope", UserID: "user-1"}
	if err := m.UpdateIdempotency(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing record: got %v, want ErrNotFound", err)
	}
}

func TestMemory_DeleteExpiredIdempotency(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(-time.Minute), now.Add(time.Hour)} {
		rec := &IdempotencyRecord{
			Key:       "key",
			UserID:    string(rune('a' + i)),
			Status:    IdempotencyCompleted,
			CreatedAt: now.Add(-24 * time.Hour),
			ExpiresAt: exp,
		}
		if err := m.InsertIdempotency(ctx, rec); err != nil {
			t.Fatalf("InsertIdempotency failed: %v", err)
		}
	}

	n, err := m.DeleteExpiredIdempotency(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredIdempotency failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d records, want 2", n)
	}

	if _, err := m.GetIdempotency(ctx, "key", "c"); err != nil {
		t.Errorf("unexpired record removed: %v", err)
	}
}

func TestMemory_StepsOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Upsert out of order; listing must come back in stage order
	for _, rec := range []StepRecord{
		{DocumentID: "doc-1", Stage: "chunking", StageIndex: 3, Status: StepFailed},
		{DocumentID: "doc-1", Stage: "ingestion", StageIndex: 0, Status: StepCompleted},
		{DocumentID: "doc-1", Stage: "text_extraction", StageIndex: 1, Status: StepCompleted},
		{DocumentID: "doc-2", Stage: "ingestion", StageIndex: 0, Status: StepRunning},
	} {
		rec := rec
		if err := m.UpsertStep(ctx, &rec); err != nil {
			t.Fatalf("UpsertStep failed: %v", err)
		}
	}

	steps, err := m.StepsByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("StepsByDocument failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(steps))
	}
	wantOrder := []string{"ingestion", "text_extraction", "chunking"}
	for i, want := range wantOrder {
		if steps[i].Stage != want {
			t.Errorf("step %d: got %q, want %q", i, steps[i].Stage, want)
		}
	}

	// Upsert replaces in place
	if err := m.UpsertStep(ctx, &StepRecord{DocumentID: "doc-1", Stage: "chunking", StageIndex: 3, Status: StepCompleted}); err != nil {
		t.Fatalf("UpsertStep failed: %v", err)
	}
	steps, _ = m.StepsByDocument(ctx, "doc-1")
	if len(steps) != 3 {
		t.Fatalf("got %d steps after upsert, want 3", len(steps))
	}
	if steps[2].Status != StepCompleted {
		t.Errorf("got status %q after upsert, want %q", steps[2].Status, StepCompleted)
	}
}

func TestMemory_CostQueries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	records := []CostRecord{
		{ID: "c1", DocumentID: "doc-1", Stage: "summarization", CostUSD: 0.50, CreatedAt: base.Add(1 * time.Hour)},
		{ID: "c2", DocumentID: "doc-1", Stage: "indexing", CostUSD: 0.25, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "c3", DocumentID: "doc-2", Stage: "summarization", CostUSD: 1.00, CreatedAt: base.Add(3 * time.Hour)},
		{ID: "c4", Stage: "chunking", CostUSD: 0.10, CreatedAt: base.Add(4 * time.Hour)},
		{ID: "c5", DocumentID: "doc-3", Stage: "ingestion", CostUSD: 2.00, CreatedAt: base.Add(25 * time.Hour)},
	}
	for _, rec := range records {
		rec := rec
		if err := m.InsertCost(ctx, &rec); err != nil {
			t.Fatalf("InsertCost failed: %v", err)
		}
	}

	day := base.Add(24 * time.Hour)

	got, err := m.CostsInRange(ctx, base, day)
	if err != nil {
		t.Fatalf("CostsInRange failed: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("got %d records in range, want 4", len(got))
	}

	sum, err := m.SumCostInRange(ctx, base, day)
	if err != nil {
		t.Fatalf("SumCostInRange failed: %v", err)
	}
	if sum != 1.85 {
		t.Errorf("got sum %v, want 1.85", sum)
	}

	count, err := m.CountDocumentsInRange(ctx, base, day)
	if err != nil {
		t.Fatalf("CountDocumentsInRange failed: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d documents, want 2", count)
	}
}

func TestMemory_TraceEntries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	batch := []TraceEntry{
		{ID: "t1", TraceID: "tr-1", DocumentID: "doc-1", Event: "stage_start", Stage: "ingestion", CreatedAt: now},
		{ID: "t2", TraceID: "tr-1", DocumentID: "doc-1", Event: "stage_complete", Stage: "ingestion", CreatedAt: now},
	}
	if err := m.InsertTraceEntries(ctx, batch); err != nil {
		t.Fatalf("InsertTraceEntries failed: %v", err)
	}
	if err := m.InsertTraceEntry(ctx, &TraceEntry{ID: "t3", TraceID: "tr-2", DocumentID: "doc-2", Event: "stage_start", CreatedAt: now}); err != nil {
		t.Fatalf("InsertTraceEntry failed: %v", err)
	}

	entries, err := m.TraceByDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("TraceByDocument failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Event != "stage_start" || entries[1].Event != "stage_complete" {
		t.Errorf("entries out of order: %q, %q", entries[0].Event, entries[1].Event)
	}
}

func TestMemory_DocumentUsage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	// Updating usage for an unknown document creates the record
	usage := UsageTotals{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, CostUSD: 0.02}
	if err := m.UpdateDocumentUsage(ctx, "doc-1", usage); err != nil {
		t.Fatalf("UpdateDocumentUsage failed: %v", err)
	}

	got, err := m.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Usage != usage {
		t.Errorf("got usage %+v, want %+v", got.Usage, usage)
	}

	// Put then update preserves the other fields
	rec := &DocumentRecord{ID: "doc-2", ProjectID: "proj-1", Status: "processing", TraceID: "tr-9", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := m.PutDocument(ctx, rec); err != nil {
		t.Fatalf("PutDocument failed: %v", err)
	}
	if err := m.UpdateDocumentUsage(ctx, "doc-2", usage); err != nil {
		t.Fatalf("UpdateDocumentUsage failed: %v", err)
	}
	got, _ = m.GetDocument(ctx, "doc-2")
	if got.ProjectID != "proj-1" || got.TraceID != "tr-9" {
		t.Errorf("usage update clobbered fields: %+v", got)
	}
}
