package cost

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Alert severities.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert scopes.
const (
	ScopeSystem = "system"
	ScopeStage  = "stage"
	ScopeSpike  = "spike"
)

// Alert flags a budget running hot.
type Alert struct {
	Severity    Severity `json:"severity"`
	Scope       string   `json:"scope"`
	Stage       string   `json:"stage,omitempty"`
	Message     string   `json:"message"`
	Utilization float64  `json:"utilization,omitempty"`
}

const (
	warnUtilization     = 70
	criticalUtilization = 90
)

// CheckAlerts evaluates today's spend against the per-stage and system-wide
// budgets, and against yesterday's total for spikes. Alerts come back
// critical-first in a deterministic order.
func (s *Service) CheckAlerts(ctx context.Context) ([]Alert, error) {
	now := s.now()
	from, to := dayRange(now)

	records, err := s.records.CostsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load today's cost records: %w", err)
	}

	var total float64
	byStage := make(map[string]float64)
	for _, rec := range records {
		total += rec.CostUSD
		byStage[rec.Stage] += rec.CostUSD
	}

	var alerts []Alert

	if s.limits.MaxDailyCostUSD > 0 {
		if a, ok := utilizationAlert(total, s.limits.MaxDailyCostUSD, ScopeSystem, ""); ok {
			alerts = append(alerts, a)
		}
	}

	for stage, limit := range s.stageLimits {
		if limit <= 0 {
			continue
		}
		if a, ok := utilizationAlert(byStage[stage], limit, ScopeStage, stage); ok {
			alerts = append(alerts, a)
		}
	}

	yesterday, err := s.records.SumCostInRange(ctx, from.Add(-24*time.Hour), from)
	if err != nil {
		return nil, fmt.Errorf("failed to sum yesterday's spend: %w", err)
	}
	if yesterday > 0 && total > 2*yesterday {
		severity := SeverityWarning
		if total > 3*yesterday {
			severity = SeverityCritical
		}
		alerts = append(alerts, Alert{
			Severity: severity,
			Scope:    ScopeSpike,
			Message:  fmt.Sprintf("cost spike: today's $%.2f is %.1fx yesterday's $%.2f", total, total/yesterday, yesterday),
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity == SeverityCritical
		}
		if alerts[i].Scope != alerts[j].Scope {
			return scopeRank(alerts[i].Scope) < scopeRank(alerts[j].Scope)
		}
		return alerts[i].Stage < alerts[j].Stage
	})
	return alerts, nil
}

func utilizationAlert(spend, limit float64, scope, stage string) (Alert, bool) {
	utilization := spend / limit * 100
	if utilization < warnUtilization {
		return Alert{}, false
	}

	severity := SeverityWarning
	if utilization >= criticalUtilization {
		severity = SeverityCritical
	}
	subject := "daily budget"
	if scope == ScopeStage {
		subject = fmt.Sprintf("stage %s budget", stage)
	}
	return Alert{
		Severity:    severity,
		Scope:       scope,
		Stage:       stage,
		Message:     fmt.Sprintf("%s at %.0f%%: $%.2f of $%.2f", subject, utilization, spend, limit),
		Utilization: utilization,
	}, true
}

func scopeRank(scope string) int {
	switch scope {
	case ScopeSystem:
		return 0
	case ScopeStage:
		return 1
	default:
		return 2
	}
}
