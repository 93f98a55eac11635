// Package cost tracks per-stage spend and enforces the system-wide daily
// ceilings that dominate any per-stage allowance.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/millrace/millrace/internal/store"
)

// Limits caps system-wide daily processing. Zero values disable a ceiling.
type Limits struct {
	MaxDailyCostUSD   float64 `json:"maxDailyCostUsd"`
	MaxDailyDocuments int64   `json:"maxDailyDocuments"`
}

// Verdict is an admission answer. Denial is a result, not an error.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// StageSpend aggregates one stage's records for a day.
type StageSpend struct {
	CostUSD float64 `json:"costUsd"`
	Calls   int64   `json:"calls"`
	Tokens  int64   `json:"tokens"`
}

// Summary is one day's spend rollup.
type Summary struct {
	Date         string                `json:"date"`
	TotalCostUSD float64               `json:"totalCostUsd"`
	TotalTokens  int64                 `json:"totalTokens"`
	Documents    int64                 `json:"documents"`
	ByStage      map[string]StageSpend `json:"byStage"`
}

// Projection extrapolates today's spend to a full day.
type Projection struct {
	Date             string  `json:"date"`
	SpendSoFar       float64 `json:"spendSoFar"`
	ProjectedTotal   float64 `json:"projectedTotal"`
	BudgetUSD        float64 `json:"budgetUsd"`
	ProjectedPercent float64 `json:"projectedPercent"`
	Confidence       string  `json:"confidence"`
}

// Config assembles a Service.
type Config struct {
	Records store.CostRecords
	Limits  Limits
	// StageDailyLimits maps stage name to its daily budget, used for
	// per-stage utilization alerts.
	StageDailyLimits map[string]float64
	Logger           *slog.Logger
}

// Service answers spend queries and admission checks over the cost ledger.
type Service struct {
	records     store.CostRecords
	logger      *slog.Logger
	limits      Limits
	stageLimits map[string]float64
	now         func() time.Time
}

// NewService creates a Service from cfg.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		records:     cfg.Records,
		logger:      cfg.Logger.With("component", "cost"),
		limits:      cfg.Limits,
		stageLimits: cfg.StageDailyLimits,
		now:         time.Now,
	}
}

// NewServiceWithClock is NewService with an injected clock for tests.
func NewServiceWithClock(cfg Config, now func() time.Time) *Service {
	s := NewService(cfg)
	s.now = now
	return s
}

// Limits returns the configured system ceilings.
func (s *Service) Limits() Limits {
	return s.limits
}

// RecordStage appends one stage execution's cost to the ledger. Missing ID
// and CreatedAt fields are filled in.
func (s *Service) RecordStage(ctx context.Context, rec *store.CostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	if err := s.records.InsertCost(ctx, rec); err != nil {
		return fmt.Errorf("failed to record stage cost: %w", err)
	}
	s.logger.Debug("recorded stage cost",
		"stage", rec.Stage,
		"document_id", rec.DocumentID,
		"cost_usd", rec.CostUSD,
		"total_tokens", rec.TotalTokens)
	return nil
}

// DailySummary aggregates spend for the day containing day (UTC).
func (s *Service) DailySummary(ctx context.Context, day time.Time) (*Summary, error) {
	from, to := dayRange(day)
	records, err := s.records.CostsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost records: %w", err)
	}
	documents, err := s.records.CountDocumentsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}

	summary := &Summary{
		Date:      from.Format("2006-01-02"),
		Documents: documents,
		ByStage:   make(map[string]StageSpend),
	}
	for _, rec := range records {
		summary.TotalCostUSD += rec.CostUSD
		summary.TotalTokens += rec.TotalTokens
		spend := summary.ByStage[rec.Stage]
		spend.CostUSD += rec.CostUSD
		spend.Calls++
		spend.Tokens += rec.TotalTokens
		summary.ByStage[rec.Stage] = spend
	}
	return summary, nil
}

// Projection extrapolates today's spend linearly over 24 hours. Confidence
// grows with the share of the day already observed.
func (s *Service) Projection(ctx context.Context) (*Projection, error) {
	now := s.now()
	from, _ := dayRange(now)
	spend, err := s.records.SumCostInRange(ctx, from, now)
	if err != nil {
		return nil, fmt.Errorf("failed to sum today's spend: %w", err)
	}

	hours := now.Sub(from).Hours()
	projected := spend * 24
	if hours >= 1 {
		projected = spend / hours * 24
	}

	p := &Projection{
		Date:           from.Format("2006-01-02"),
		SpendSoFar:     spend,
		ProjectedTotal: projected,
		BudgetUSD:      s.limits.MaxDailyCostUSD,
		Confidence:     confidence(hours),
	}
	if s.limits.MaxDailyCostUSD > 0 {
		p.ProjectedPercent = projected / s.limits.MaxDailyCostUSD * 100
	}
	return p, nil
}

// CanProcessDocument checks one more document's estimated cost against the
// system-wide ceilings. Both ceilings dominate any per-stage allowance.
func (s *Service) CanProcessDocument(ctx context.Context, projectID string, estimatedCost float64) (Verdict, error) {
	now := s.now()
	from, to := dayRange(now)

	if s.limits.MaxDailyCostUSD > 0 {
		spend, err := s.records.SumCostInRange(ctx, from, to)
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to sum today's spend: %w", err)
		}
		if spend+estimatedCost > s.limits.MaxDailyCostUSD {
			s.logger.Warn("document rejected by daily cost ceiling",
				"project_id", projectID,
				"spend_usd", spend,
				"estimated_usd", estimatedCost,
				"ceiling_usd", s.limits.MaxDailyCostUSD)
			return Verdict{
				Reason: fmt.Sprintf("daily cost ceiling reached: $%.2f spent of $%.2f", spend, s.limits.MaxDailyCostUSD),
			}, nil
		}
	}

	if s.limits.MaxDailyDocuments > 0 {
		documents, err := s.records.CountDocumentsInRange(ctx, from, to)
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to count today's documents: %w", err)
		}
		if documents >= s.limits.MaxDailyDocuments {
			s.logger.Warn("document rejected by daily document ceiling",
				"project_id", projectID,
				"documents", documents,
				"ceiling", s.limits.MaxDailyDocuments)
			return Verdict{
				Reason: fmt.Sprintf("daily document ceiling reached: %d of %d", documents, s.limits.MaxDailyDocuments),
			}, nil
		}
	}

	return Verdict{Allowed: true}, nil
}

func confidence(hoursElapsed float64) string {
	switch {
	case hoursElapsed < 3:
		return "low"
	case hoursElapsed < 9:
		return "medium"
	default:
		return "high"
	}
}

func dayRange(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	from := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}
