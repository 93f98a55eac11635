package cost

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestService_CheckAlerts(t *testing.T) {
	svc, mem, clock := newTestService(
		Limits{MaxDailyCostUSD: 100},
		map[string]float64{"summarization": 50, "chunking": 10, "indexing": 25},
	)
	day := clock.Now()

	// chunking at 95% (critical), summarization at 72% (warning), indexing
	// quiet, system total 45.5% (no alert). Yesterday 20 makes today a >2x
	// spike but not >3x.
	addCost(t, mem, "summarization", "doc-1", 36, 200000, day.Add(-2*time.Hour))
	addCost(t, mem, "chunking", "doc-1", 9.5, 0, day.Add(-1*time.Hour))
	addCost(t, mem, "summarization", "doc-0", 20, 100000, day.Add(-26*time.Hour))

	alerts, err := svc.CheckAlerts(context.Background())
	if err != nil {
		t.Fatalf("CheckAlerts failed: %v", err)
	}
	if len(alerts) != 3 {
		t.Fatalf("got %d alerts, want 3: %+v", len(alerts), alerts)
	}

	if alerts[0].Severity != SeverityCritical || alerts[0].Stage != "chunking" {
		t.Errorf("alerts[0] = %+v, want critical chunking first", alerts[0])
	}
	if alerts[0].Utilization != 95 {
		t.Errorf("chunking utilization = %v, want 95", alerts[0].Utilization)
	}
	if alerts[1].Severity != SeverityWarning || alerts[1].Stage != "summarization" {
		t.Errorf("alerts[1] = %+v, want summarization warning", alerts[1])
	}
	if alerts[1].Utilization != 72 {
		t.Errorf("summarization utilization = %v, want 72", alerts[1].Utilization)
	}
	if alerts[2].Scope != ScopeSpike || alerts[2].Severity != SeverityWarning {
		t.Errorf("alerts[2] = %+v, want spike warning last", alerts[2])
	}
	if !strings.Contains(alerts[2].Message, "2.3x") {
		t.Errorf("spike message = %q, want the multiplier in it", alerts[2].Message)
	}
}

func TestService_CheckAlerts_SystemCritical(t *testing.T) {
	svc, mem, clock := newTestService(Limits{MaxDailyCostUSD: 100}, map[string]float64{"summarization": 200})
	day := clock.Now()

	addCost(t, mem, "summarization", "doc-1", 95, 500000, day.Add(-time.Hour))

	alerts, err := svc.CheckAlerts(context.Background())
	if err != nil {
		t.Fatalf("CheckAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1: %+v", len(alerts), alerts)
	}
	if alerts[0].Scope != ScopeSystem || alerts[0].Severity != SeverityCritical {
		t.Errorf("alert = %+v, want critical system alert", alerts[0])
	}
}

func TestService_CheckAlerts_CriticalSpike(t *testing.T) {
	svc, mem, clock := newTestService(Limits{}, nil)
	day := clock.Now()

	addCost(t, mem, "summarization", "doc-1", 70, 0, day.Add(-time.Hour))
	addCost(t, mem, "summarization", "doc-0", 20, 0, day.Add(-26*time.Hour))

	alerts, err := svc.CheckAlerts(context.Background())
	if err != nil {
		t.Fatalf("CheckAlerts failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1: %+v", len(alerts), alerts)
	}
	if alerts[0].Severity != SeverityCritical || alerts[0].Scope != ScopeSpike {
		t.Errorf("alert = %+v, want critical spike", alerts[0])
	}
}

func TestService_CheckAlerts_QuietDay(t *testing.T) {
	svc, mem, clock := newTestService(Limits{MaxDailyCostUSD: 100}, map[string]float64{"summarization": 50})
	day := clock.Now()

	addCost(t, mem, "summarization", "doc-1", 5, 30000, day.Add(-time.Hour))

	alerts, err := svc.CheckAlerts(context.Background())
	if err != nil {
		t.Fatalf("CheckAlerts failed: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("got %d alerts on a quiet day, want none: %+v", len(alerts), alerts)
	}
}
