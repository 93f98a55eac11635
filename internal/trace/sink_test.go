package trace

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/millrace/millrace/internal/store"
)

// flakyTraceStore fails the first N batch inserts, then behaves.
type flakyTraceStore struct {
	*store.Memory
	remaining atomic.Int32
}

func newFlakyTraceStore(failures int32) *flakyTraceStore {
	f := &flakyTraceStore{Memory: store.NewMemory()}
	f.remaining.Store(failures)
	return f
}

func (f *flakyTraceStore) InsertTraceEntries(ctx context.Context, entries []store.TraceEntry) error {
	if f.remaining.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.Memory.InsertTraceEntries(ctx, entries)
}

func testEntry(documentID string, n int) store.TraceEntry {
	return store.TraceEntry{
		ID:         fmt.Sprintf("entry-%d", n),
		TraceID:    "trace-1",
		DocumentID: documentID,
		Stage:      "ingestion",
		Event:      EventStageStart,
		Message:    fmt.Sprintf("e%d", n),
		CreatedAt:  time.Now().UTC(),
	}
}

func waitForEntries(t *testing.T, records store.TraceRecords, documentID string, want int) []store.TraceEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := records.TraceByDocument(context.Background(), documentID)
		if err == nil && len(entries) >= want {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d trace entries", want)
	return nil
}

func TestSink_FlushOnBatchSize(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(SinkConfig{
		Records:       mem,
		BatchSize:     3,
		FlushInterval: time.Hour,
	})
	sink.Start(context.Background())
	defer sink.Stop()

	for i := 1; i <= 3; i++ {
		sink.Enqueue(testEntry("doc-1", i))
	}

	entries := waitForEntries(t, mem, "doc-1", 3)
	for i, e := range entries {
		if want := fmt.Sprintf("e%d", i+1); e.Message != want {
			t.Errorf("entries[%d].Message = %q, want %q; order must be preserved", i, e.Message, want)
		}
	}
}

func TestSink_FlushOnInterval(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(SinkConfig{
		Records:       mem,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})
	sink.Start(context.Background())
	defer sink.Stop()

	sink.Enqueue(testEntry("doc-1", 1))
	sink.Enqueue(testEntry("doc-1", 2))

	waitForEntries(t, mem, "doc-1", 2)
}

func TestSink_ExplicitFlush(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(SinkConfig{
		Records:       mem,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	sink.Start(context.Background())
	defer sink.Stop()

	sink.Enqueue(testEntry("doc-1", 1))
	sink.Enqueue(testEntry("doc-1", 2))

	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entries, err := mem.TraceByDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("TraceByDocument failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries after Flush, want 2", len(entries))
	}
	if got := sink.Stats().Flushed; got != 2 {
		t.Errorf("Stats().Flushed = %d, want 2", got)
	}
}

func TestSink_RequeuesFailedFlushInOrder(t *testing.T) {
	flaky := newFlakyTraceStore(1)
	sink := NewSink(SinkConfig{
		Records:       flaky,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	sink.Start(context.Background())
	defer sink.Stop()

	for i := 1; i <= 3; i++ {
		sink.Enqueue(testEntry("doc-1", i))
	}

	if err := sink.Flush(context.Background()); err == nil {
		t.Fatal("first Flush succeeded, want store failure")
	}

	stats := sink.Stats()
	if stats.FlushFailures != 1 {
		t.Errorf("FlushFailures = %d, want 1", stats.FlushFailures)
	}
	if stats.BatchDepth != 3 {
		t.Errorf("BatchDepth = %d, want 3; failed batch must be retained", stats.BatchDepth)
	}

	// A new entry recorded after the failure must land behind the re-queued
	// batch.
	sink.Enqueue(testEntry("doc-1", 4))
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}

	entries, err := flaky.TraceByDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("TraceByDocument failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	for i, e := range entries {
		if want := fmt.Sprintf("e%d", i+1); e.Message != want {
			t.Errorf("entries[%d].Message = %q, want %q", i, e.Message, want)
		}
	}
}

func TestSink_StopFlushesRemainder(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(SinkConfig{
		Records:       mem,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	sink.Start(context.Background())

	sink.Enqueue(testEntry("doc-1", 1))
	sink.Enqueue(testEntry("doc-1", 2))
	sink.Stop()

	entries, err := mem.TraceByDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("TraceByDocument failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries after Stop, want 2", len(entries))
	}

	// Enqueue after Stop must not panic.
	sink.Enqueue(testEntry("doc-1", 3))
}

func TestSink_DropsOldestWhenQueueFull(t *testing.T) {
	mem := store.NewMemory()
	sink := NewSink(SinkConfig{
		Records:       mem,
		BatchSize:     100,
		FlushInterval: time.Hour,
		QueueSize:     2,
	})

	// No batcher yet, so the queue fills.
	sink.Enqueue(testEntry("doc-1", 1))
	sink.Enqueue(testEntry("doc-1", 2))
	sink.Enqueue(testEntry("doc-1", 3))

	if got := sink.Stats().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	sink.Start(context.Background())
	defer sink.Stop()
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	entries, err := mem.TraceByDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("TraceByDocument failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "e2" || entries[1].Message != "e3" {
		t.Errorf("kept [%s, %s], want the newest entries [e2, e3]", entries[0].Message, entries[1].Message)
	}
}
