// Package trace records per-document pipeline lifecycle events, batched
// through a background sink, and rolls usage totals up onto the document.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/millrace/millrace/internal/store"
)

// SinkConfig configures the trace sink.
type SinkConfig struct {
	Records       store.TraceRecords
	BatchSize     int           // Flush after N entries (default: 50)
	FlushInterval time.Duration // Or after duration (default: 2s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// SinkStats is a point-in-time view of the sink's counters.
type SinkStats struct {
	QueueDepth    int   `json:"queueDepth"`
	BatchDepth    int   `json:"batchDepth"`
	Flushed       int64 `json:"flushed"`
	Dropped       int64 `json:"dropped"`
	FlushFailures int64 `json:"flushFailures"`
}

// Sink batches trace entries and writes them through the store. A failed
// flush re-queues the whole batch at the front so entries keep their
// recording order and are never silently dropped; when the inbound queue
// fills, the oldest queued entry is dropped and counted.
type Sink struct {
	records store.TraceRecords
	logger  *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan store.TraceEntry
	batch   []store.TraceEntry
	batchMu sync.Mutex
	flushCh chan chan error

	flushed       atomic.Int64
	dropped       atomic.Int64
	flushFailures atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a trace sink. Call Start before enqueuing.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		records:       cfg.Records,
		logger:        cfg.Logger.With("component", "trace-sink"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan store.TraceEntry, cfg.QueueSize),
		batch:         make([]store.TraceEntry, 0, cfg.BatchSize),
		flushCh:       make(chan chan error, 1),
	}
}

// Start begins batching entries.
func (s *Sink) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runBatcher()
}

// Stop drains the queue, flushes the remaining batch, and shuts the sink
// down.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping trace sink, flushing remaining entries")

		close(s.queue)
		s.wg.Wait()
		s.cancel()

		s.logger.Info("trace sink stopped")
	})
}

// Enqueue queues one entry (fire-and-forget).
func (s *Sink) Enqueue(e store.TraceEntry) {
	// Recover handles enqueue on a stopped sink.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("trace sink closed, dropping entry",
				"event", e.Event,
				"document_id", e.DocumentID)
		}
	}()

	for {
		select {
		case s.queue <- e:
			return
		default:
		}

		// Queue full: drop the oldest entry to keep accepting fresh ones.
		select {
		case old := <-s.queue:
			s.dropped.Add(1)
			s.logger.Warn("trace queue full, dropped oldest entry",
				"event", old.Event,
				"document_id", old.DocumentID)
		default:
		}
	}
}

// Flush drains the queue and writes everything buffered, returning the flush
// error if the write failed.
func (s *Sink) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case s.flushCh <- done:
	case <-s.ctx.Done():
		return fmt.Errorf("trace sink closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return fmt.Errorf("trace sink closed while flushing")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the sink's counters.
func (s *Sink) Stats() SinkStats {
	s.batchMu.Lock()
	batchDepth := len(s.batch)
	s.batchMu.Unlock()

	return SinkStats{
		QueueDepth:    len(s.queue),
		BatchDepth:    batchDepth,
		Flushed:       s.flushed.Load(),
		Dropped:       s.dropped.Load(),
		FlushFailures: s.flushFailures.Load(),
	}
}

// runBatcher collects entries and flushes on size/time triggers.
func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				s.drainAndStop()
				return
			}
			s.addToBatch(e)

		case <-ticker.C:
			s.flushBatch()

		case done := <-s.flushCh:
			s.drainQueue()
			done <- s.flushBatch()
		}
	}
}

// addToBatch appends an entry to the current batch, flushing if full.
func (s *Sink) addToBatch(e store.TraceEntry) {
	s.batchMu.Lock()
	s.batch = append(s.batch, e)
	shouldFlush := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if shouldFlush {
		s.flushBatch()
	}
}

// drainQueue moves everything currently buffered in the queue into the batch.
func (s *Sink) drainQueue() {
	for {
		select {
		case e := <-s.queue:
			s.batchMu.Lock()
			s.batch = append(s.batch, e)
			s.batchMu.Unlock()
		default:
			return
		}
	}
}

// flushBatch writes the current batch. On failure the batch goes back to the
// front of the buffer, ahead of anything recorded since.
func (s *Sink) flushBatch() error {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return nil
	}
	entries := s.batch
	s.batch = make([]store.TraceEntry, 0, s.batchSize)
	s.batchMu.Unlock()

	if err := s.records.InsertTraceEntries(s.ctx, entries); err != nil {
		s.flushFailures.Add(1)
		s.logger.Error("trace flush failed, re-queuing batch",
			"count", len(entries),
			"error", err)

		s.batchMu.Lock()
		s.batch = append(entries, s.batch...)
		s.batchMu.Unlock()
		return err
	}

	s.flushed.Add(int64(len(entries)))
	s.logger.Debug("flushed trace batch", "count", len(entries))
	return nil
}

// drainAndStop empties the closed queue and makes a bounded effort to flush
// what remains before the batcher exits.
func (s *Sink) drainAndStop() {
	for e := range s.queue {
		s.batchMu.Lock()
		s.batch = append(s.batch, e)
		s.batchMu.Unlock()
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := s.flushBatch(); err == nil {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	s.batchMu.Lock()
	remaining := len(s.batch)
	s.batchMu.Unlock()
	if remaining > 0 {
		s.logger.Error("dropping unflushed trace entries at shutdown", "count", remaining)
	}
}
