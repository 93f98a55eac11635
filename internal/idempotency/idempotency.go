// Package idempotency deduplicates externally triggered operations keyed by
// a client-supplied key, guaranteeing at most one externally visible
// execution per (key, user) within the TTL window.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/millrace/millrace/internal/store"
)

// DefaultTTL is how long a finalized record keeps serving replays.
const DefaultTTL = 24 * time.Hour

var (
	errStillProcessing    = errors.New("idempotency record still processing")
	errPriorAttemptFailed = errors.New("prior attempt failed")
)

// Replay is a finalized response served for a duplicate request. The body and
// status are returned verbatim, even if current system state differs.
type Replay struct {
	StatusCode int               `json:"statusCode"`
	Response   json.RawMessage   `json:"response"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Config tunes a Service. Zero values fall back to defaults.
type Config struct {
	Records store.IdempotencyRecords
	// TTL is the record lifetime. Defaults to DefaultTTL.
	TTL time.Duration
	// WaitAttempts bounds the wait-for-completion poll loop.
	WaitAttempts uint
	// WaitDelay is the initial poll delay; it backs off between attempts.
	WaitDelay time.Duration
	Logger    *slog.Logger
}

// Service coordinates idempotency records for one backing store.
type Service struct {
	records      store.IdempotencyRecords
	logger       *slog.Logger
	ttl          time.Duration
	waitAttempts uint
	waitDelay    time.Duration
	now          func() time.Time
}

// NewService creates a Service from cfg.
func NewService(cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WaitAttempts == 0 {
		cfg.WaitAttempts = 10
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		records:      cfg.Records,
		logger:       cfg.Logger.With("component", "idempotency"),
		ttl:          cfg.TTL,
		waitAttempts: cfg.WaitAttempts,
		waitDelay:    cfg.WaitDelay,
		now:          time.Now,
	}
}

// NewServiceWithClock is NewService with an injected clock for tests.
func NewServiceWithClock(cfg Config, now func() time.Time) *Service {
	s := NewService(cfg)
	s.now = now
	return s
}

// Begin claims key for execution or resolves it against a prior attempt.
//
// A nil Replay means the caller owns the key and must finish with Complete or
// Fail. A non-nil Replay means a prior execution already finalized and its
// response must be served instead of executing again. Losing an insert race
// waits for the winner to finalize rather than executing a second time; if
// the winner never finalizes within the wait budget, Begin lets the caller
// proceed rather than blocking indefinitely.
func (s *Service) Begin(ctx context.Context, key, userID string) (*Replay, error) {
	for {
		rec, err := s.records.GetIdempotency(ctx, key, userID)
		if errors.Is(err, store.ErrNotFound) {
			err := s.claim(ctx, key, userID)
			if errors.Is(err, store.ErrDuplicateKey) {
				replay, retryNew, err := s.waitForCompletion(ctx, key, userID)
				if err != nil {
					return nil, err
				}
				if replay != nil {
					return replay, nil
				}
				if retryNew {
					continue
				}
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("failed to create idempotency record: %w", err)
			}
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency record: %w", err)
		}

		if !rec.ExpiresAt.After(s.now()) {
			if err := s.discard(ctx, key, userID); err != nil {
				return nil, err
			}
			continue
		}

		switch rec.Status {
		case store.IdempotencyCompleted:
			return replayFromRecord(rec), nil
		case store.IdempotencyFailed:
			if err := s.discard(ctx, key, userID); err != nil {
				return nil, err
			}
			continue
		default:
			replay, retryNew, err := s.waitForCompletion(ctx, key, userID)
			if err != nil {
				return nil, err
			}
			if replay != nil {
				return replay, nil
			}
			if retryNew {
				continue
			}
			return nil, nil
		}
	}
}

// Complete finalizes the record with the response to replay for duplicates.
func (s *Service) Complete(ctx context.Context, key, userID string, statusCode int, response []byte, headers map[string]string) error {
	rec, err := s.records.GetIdempotency(ctx, key, userID)
	if err != nil {
		return fmt.Errorf("failed to load idempotency record: %w", err)
	}
	rec.Status = store.IdempotencyCompleted
	rec.StatusCode = statusCode
	rec.Response = response
	rec.Headers = headers
	if err := s.records.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("failed to store idempotency result: %w", err)
	}
	return nil
}

// Fail marks the record failed so the next request with the same key retries.
func (s *Service) Fail(ctx context.Context, key, userID string) error {
	rec, err := s.records.GetIdempotency(ctx, key, userID)
	if err != nil {
		return fmt.Errorf("failed to load idempotency record: %w", err)
	}
	rec.Status = store.IdempotencyFailed
	if err := s.records.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("failed to mark idempotency record failed: %w", err)
	}
	return nil
}

// CleanupExpired sweeps expired records. Expired records are also rejected
// inline by Begin, so the sweep is storage hygiene, not correctness.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.records.DeleteExpiredIdempotency(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep idempotency records: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept expired idempotency records", "count", n)
	}
	return n, nil
}

// RunSweeper calls CleanupExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpired(ctx); err != nil {
				s.logger.Warn("idempotency sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) claim(ctx context.Context, key, userID string) error {
	now := s.now()
	return s.records.InsertIdempotency(ctx, &store.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		Status:    store.IdempotencyProcessing,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	})
}

func (s *Service) discard(ctx context.Context, key, userID string) error {
	err := s.records.DeleteIdempotency(ctx, key, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}

// waitForCompletion polls an in-flight record until it finalizes. It returns
// the replay for a completed record, retryNew=true when the record failed or
// vanished and the caller should claim the key again, and (nil, false, nil)
// when the poll budget ran out without resolution.
func (s *Service) waitForCompletion(ctx context.Context, key, userID string) (replay *Replay, retryNew bool, err error) {
	pollErr := retry.Do(
		func() error {
			rec, err := s.records.GetIdempotency(ctx, key, userID)
			if errors.Is(err, store.ErrNotFound) {
				retryNew = true
				return retry.Unrecoverable(err)
			}
			if err != nil {
				return retry.Unrecoverable(err)
			}
			switch rec.Status {
			case store.IdempotencyCompleted:
				replay = replayFromRecord(rec)
				return nil
			case store.IdempotencyFailed:
				retryNew = true
				return retry.Unrecoverable(errPriorAttemptFailed)
			default:
				return errStillProcessing
			}
		},
		retry.Context(ctx),
		retry.Attempts(s.waitAttempts),
		retry.Delay(s.waitDelay),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	switch {
	case pollErr == nil:
		return replay, false, nil
	case retryNew:
		return nil, true, nil
	case errors.Is(pollErr, errStillProcessing):
		s.logger.Warn("idempotency wait exhausted, proceeding", "key", key, "user_id", userID)
		return nil, false, nil
	case ctx.Err() != nil:
		return nil, false, ctx.Err()
	default:
		return nil, false, fmt.Errorf("failed to poll idempotency record: %w", pollErr)
	}
}

func replayFromRecord(rec *store.IdempotencyRecord) *Replay {
	return &Replay{
		StatusCode: rec.StatusCode,
		Response:   rec.Response,
		Headers:    rec.Headers,
	}
}
