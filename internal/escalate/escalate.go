// Package escalate computes approval SLA deadlines. It never transitions
// state; it only flags overdue reports for the notifier and external
// reminder collaborators to surface.
package escalate

import (
	"time"

	"rimborso/internal/core"
)

// Config holds the per-stage SLA durations.
type Config struct {
	SupervisorSLA time.Duration
	FinanceSLA    time.Duration
}

// DefaultConfig returns the default deadlines: 48h for a supervisor
// decision, 72h for finance.
func DefaultConfig() Config {
	return Config{
		SupervisorSLA: 48 * time.Hour,
		FinanceSLA:    72 * time.Hour,
	}
}

type Scheduler struct {
	config Config
}

func New(config Config) *Scheduler {
	if config.SupervisorSLA <= 0 {
		config.SupervisorSLA = DefaultConfig().SupervisorSLA
	}
	if config.FinanceSLA <= 0 {
		config.FinanceSLA = DefaultConfig().FinanceSLA
	}
	return &Scheduler{config: config}
}

// DueBy returns the decision deadline for a report that entered the given
// pending status at since. ok is false for non-pending statuses.
func (s *Scheduler) DueBy(status core.ReportStatus, since time.Time) (time.Time, bool) {
	switch status {
	case core.StatusPendingSupervisor:
		return since.Add(s.config.SupervisorSLA), true
	case core.StatusPendingFinance:
		return since.Add(s.config.FinanceSLA), true
	}
	return time.Time{}, false
}

// Overdue reports whether the report has blown its SLA as of now. Reports
// that are not pending, or whose pending timestamp is missing, are never
// overdue.
func (s *Scheduler) Overdue(report core.MonthlyReport, now time.Time) bool {
	if report.PendingSince == nil {
		return false
	}
	due, ok := s.DueBy(report.Status, *report.PendingSince)
	if !ok {
		return false
	}
	return now.After(due)
}

// Annotated pairs a pending report with its SLA verdict.
type Annotated struct {
	Report  core.MonthlyReport `json:"report"`
	DueBy   time.Time          `json:"dueBy,omitempty"`
	Overdue bool               `json:"overdue"`
}

// Annotate computes deadlines for a pending set in one pass.
func (s *Scheduler) Annotate(reports []core.MonthlyReport, now time.Time) []Annotated {
	out := make([]Annotated, 0, len(reports))
	for _, r := range reports {
		a := Annotated{Report: r}
		if r.PendingSince != nil {
			if due, ok := s.DueBy(r.Status, *r.PendingSince); ok {
				a.DueBy = due
				a.Overdue = now.After(due)
			}
		}
		out = append(out, a)
	}
	return out
}
