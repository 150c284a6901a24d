package escalate

import (
	"testing"
	"time"

	"rimborso/internal/core"
)

func TestDueBy(t *testing.T) {
	s := New(DefaultConfig())
	since := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	due, ok := s.DueBy(core.StatusPendingSupervisor, since)
	if !ok || !due.Equal(since.Add(48*time.Hour)) {
		t.Errorf("supervisor deadline: got (%v, %v)", due, ok)
	}
	due, ok = s.DueBy(core.StatusPendingFinance, since)
	if !ok || !due.Equal(since.Add(72*time.Hour)) {
		t.Errorf("finance deadline: got (%v, %v)", due, ok)
	}
	if _, ok := s.DueBy(core.StatusDraft, since); ok {
		t.Error("non-pending statuses have no deadline")
	}
}

func TestOverdue(t *testing.T) {
	s := New(DefaultConfig())
	since := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	report := core.MonthlyReport{
		Status:       core.StatusPendingSupervisor,
		PendingSince: &since,
	}

	if s.Overdue(report, since.Add(47*time.Hour)) {
		t.Error("47h pending is within the 48h SLA")
	}
	if !s.Overdue(report, since.Add(49*time.Hour)) {
		t.Error("49h pending has blown the 48h SLA")
	}

	report.Status = core.StatusPendingFinance
	if s.Overdue(report, since.Add(71*time.Hour)) {
		t.Error("71h pending is within the 72h SLA")
	}
	if !s.Overdue(report, since.Add(73*time.Hour)) {
		t.Error("73h pending has blown the 72h SLA")
	}
}

func TestOverdueMissingPendingSince(t *testing.T) {
	s := New(DefaultConfig())
	report := core.MonthlyReport{Status: core.StatusPendingSupervisor}
	if s.Overdue(report, time.Now().Add(1000*time.Hour)) {
		t.Error("a report without a pending timestamp is never overdue")
	}
}

func TestAnnotate(t *testing.T) {
	s := New(Config{SupervisorSLA: time.Hour, FinanceSLA: 2 * time.Hour})
	since := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	now := since.Add(90 * time.Minute)

	reports := []core.MonthlyReport{
		{Status: core.StatusPendingSupervisor, PendingSince: &since}, // 90m > 1h: overdue
		{Status: core.StatusPendingFinance, PendingSince: &since},    // 90m < 2h: fine
		{Status: core.StatusDraft},                                   // no deadline
	}

	annotated := s.Annotate(reports, now)
	if len(annotated) != 3 {
		t.Fatalf("expected 3 annotations, got %d", len(annotated))
	}
	if !annotated[0].Overdue {
		t.Error("supervisor report should be overdue")
	}
	if annotated[1].Overdue {
		t.Error("finance report should not be overdue")
	}
	if annotated[2].Overdue || !annotated[2].DueBy.IsZero() {
		t.Errorf("draft has no deadline, got %+v", annotated[2])
	}
}

func TestConfigDefaults(t *testing.T) {
	s := New(Config{})
	if s.config.SupervisorSLA != 48*time.Hour || s.config.FinanceSLA != 72*time.Hour {
		t.Errorf("unexpected defaults %+v", s.config)
	}
}
