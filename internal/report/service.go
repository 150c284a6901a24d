package report

import (
	"context"
	"log/slog"
	"time"

	"rimborso/internal/core"
	"rimborso/internal/escalate"
	"rimborso/internal/orgraph"
	"rimborso/internal/store"
)

// Notifier receives best-effort workflow events after a commit.
type Notifier interface {
	ReportStateChanged(ctx context.Context, key core.ReportKey, from, to core.ReportStatus, actorID string)
}

// Service applies workflow actions. Every action takes the acting identity
// explicitly; there is no ambient "current employee".
type Service struct {
	repo     *store.Repository
	resolver *orgraph.Resolver
	sched    *escalate.Scheduler
	notifier Notifier
	now      func() time.Time
}

func NewService(repo *store.Repository, resolver *orgraph.Resolver, sched *escalate.Scheduler, notifier Notifier) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		sched:    sched,
		notifier: notifier,
		now:      time.Now,
	}
}

// Submit moves a draft (or needs_revision) report into the approval queue.
// Only the owning employee may submit, the report needs at least one child
// record, and resubmission after needs_revision increments the revision
// counter. Routing past submitted is automatic: straight to finance when the
// employee has no supervisor.
func (s *Service) Submit(ctx context.Context, key core.ReportKey, actorID string) (core.MonthlyReport, error) {
	if err := key.Validate(); err != nil {
		return core.MonthlyReport{}, err
	}
	if actorID != key.EmployeeID {
		return core.MonthlyReport{}, core.PermissionDeniedf("only the owning employee may submit report %s", key)
	}

	employee, err := s.repo.GetEmployee(ctx, key.EmployeeID)
	if err != nil {
		return core.MonthlyReport{}, err
	}

	next := core.StatusPendingSupervisor
	if employee.SupervisorID == "" {
		next = core.StatusPendingFinance
	}

	var from core.ReportStatus
	err = s.repo.WithTx(ctx, func(q *store.Queries) error {
		rpt, err := q.GetReport(ctx, key)
		if err != nil {
			return err
		}
		from = rpt.Status

		if err := ValidateTransition(rpt.Status, core.StatusSubmitted); err != nil {
			return err
		}

		count, err := q.CountChildRecords(ctx, key)
		if err != nil {
			return err
		}
		if count == 0 {
			return core.Validationf("report %s has no records to submit", key)
		}

		now := s.now()
		revision := rpt.Revision
		if rpt.Status == core.StatusNeedsRevision {
			revision++
		}

		submitted := store.ReportUpdate{
			Status:      core.StatusSubmitted,
			SubmittedAt: &now,
			SubmittedBy: actorID,
			Revision:    revision,
		}
		if err := q.ApplyTransition(ctx, key, rpt.Status, submitted, actorID, ""); err != nil {
			return err
		}

		// Automatic routing, recorded as its own audit event.
		routed := submitted
		routed.Status = next
		routed.PendingSince = &now
		return q.ApplyTransition(ctx, key, core.StatusSubmitted, routed, actorID, "")
	})
	if err != nil {
		return core.MonthlyReport{}, err
	}

	s.broadcast(ctx, key, from, next, actorID)
	return s.repo.GetReport(ctx, key)
}

// Approve advances a pending report: a supervisor decision forwards it to
// finance, a finance decision approves it.
func (s *Service) Approve(ctx context.Context, key core.ReportKey, actorID string) (core.MonthlyReport, error) {
	return s.decide(ctx, key, actorID, "", decideApprove)
}

// Reject terminally rejects a pending report. A comment is required.
func (s *Service) Reject(ctx context.Context, key core.ReportKey, actorID, comment string) (core.MonthlyReport, error) {
	return s.decide(ctx, key, actorID, comment, decideReject)
}

// RequestRevision returns a pending report to the employee. A comment is
// required.
func (s *Service) RequestRevision(ctx context.Context, key core.ReportKey, actorID, comment string) (core.MonthlyReport, error) {
	return s.decide(ctx, key, actorID, comment, decideRevision)
}

type decision int

const (
	decideApprove decision = iota + 1
	decideReject
	decideRevision
)

func (s *Service) decide(ctx context.Context, key core.ReportKey, actorID, comment string, d decision) (core.MonthlyReport, error) {
	if err := key.Validate(); err != nil {
		return core.MonthlyReport{}, err
	}

	actor, err := s.repo.GetEmployee(ctx, actorID)
	if err != nil {
		return core.MonthlyReport{}, err
	}

	var from, to core.ReportStatus
	err = s.repo.WithTx(ctx, func(q *store.Queries) error {
		rpt, err := q.GetReport(ctx, key)
		if err != nil {
			return err
		}
		from = rpt.Status

		to, err = targetStatus(rpt.Status, d)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, actor, rpt); err != nil {
			return err
		}
		if err := requireComment(to, comment); err != nil {
			return err
		}

		now := s.now()
		upd := store.ReportUpdate{
			Status:          to,
			SubmittedAt:     rpt.SubmittedAt,
			SubmittedBy:     rpt.SubmittedBy,
			DecidedAt:       &now,
			DecidedBy:       actorID,
			ReviewerComment: comment,
			Revision:        rpt.Revision,
		}
		if to == core.StatusPendingFinance {
			// Supervisor approval: the finance SLA clock starts fresh.
			upd.DecidedAt = nil
			upd.DecidedBy = ""
			upd.PendingSince = &now
		}
		return q.ApplyTransition(ctx, key, rpt.Status, upd, actorID, comment)
	})
	if err != nil {
		return core.MonthlyReport{}, err
	}

	s.broadcast(ctx, key, from, to, actorID)
	return s.repo.GetReport(ctx, key)
}

func targetStatus(from core.ReportStatus, d decision) (core.ReportStatus, error) {
	var to core.ReportStatus
	switch d {
	case decideApprove:
		switch from {
		case core.StatusPendingSupervisor:
			to = core.StatusPendingFinance
		case core.StatusPendingFinance:
			to = core.StatusApproved
		default:
			return "", core.InvalidTransitionf("report is %s, not pending a decision", from)
		}
	case decideReject:
		to = core.StatusRejected
	case decideRevision:
		to = core.StatusNeedsRevision
	}
	return to, ValidateTransition(from, to)
}

// authorize enforces who may decide at each stage: the supervisor stage
// needs the actor to reach the employee through the supervision graph
// (admin/finance bypass built into the resolver), the finance stage needs
// the finance or admin role.
func (s *Service) authorize(ctx context.Context, actor core.Employee, rpt core.MonthlyReport) error {
	switch rpt.Status {
	case core.StatusPendingSupervisor:
		ok, err := s.resolver.CanActOn(ctx, actor.ID, rpt.Key.EmployeeID)
		if err != nil {
			return err
		}
		if !ok {
			return core.PermissionDeniedf("%s does not supervise %s", actor.ID, rpt.Key.EmployeeID)
		}
	case core.StatusPendingFinance:
		if !actor.IsFinance && !actor.IsAdmin {
			return core.PermissionDeniedf("%s lacks the finance role", actor.ID)
		}
	default:
		return core.InvalidTransitionf("report is %s, not pending a decision", rpt.Status)
	}
	return nil
}

// GetPending lists the pending reports the actor may act on, annotated with
// SLA deadlines and overdue flags.
func (s *Service) GetPending(ctx context.Context, actorID string) ([]escalate.Annotated, error) {
	actor, err := s.repo.GetEmployee(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var ids []string // nil = unrestricted
	if !actor.IsAdmin && !actor.IsFinance {
		set, err := s.resolver.ReachableSet(ctx, actorID)
		if err != nil {
			return nil, err
		}
		ids = make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
	}

	pending, err := s.repo.ListPendingReports(ctx, ids)
	if err != nil {
		return nil, err
	}
	return s.sched.Annotate(pending, s.now()), nil
}

// Get returns one report with its cached totals.
func (s *Service) Get(ctx context.Context, key core.ReportKey) (core.MonthlyReport, error) {
	if err := key.Validate(); err != nil {
		return core.MonthlyReport{}, err
	}
	return s.repo.GetReport(ctx, key)
}

// OverrideTotals is the audited administrative escape hatch; only admins may
// detach cached totals from the aggregation.
func (s *Service) OverrideTotals(ctx context.Context, key core.ReportKey, totals core.Totals, actorID, reason string) error {
	actor, err := s.repo.GetEmployee(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsAdmin {
		return core.PermissionDeniedf("%s lacks the admin role", actorID)
	}
	if err := key.Validate(); err != nil {
		return err
	}
	if reason == "" {
		return core.Validationf("an override reason is required")
	}
	return s.repo.WithTx(ctx, func(q *store.Queries) error {
		return q.OverrideTotals(ctx, key, totals, actorID, reason)
	})
}

func (s *Service) broadcast(ctx context.Context, key core.ReportKey, from, to core.ReportStatus, actorID string) {
	slog.InfoContext(ctx, "Report transitioned",
		"report", key.String(),
		"from", string(from),
		"to", string(to),
		"actor", actorID)
	if s.notifier != nil {
		s.notifier.ReportStateChanged(ctx, key, from, to, actorID)
	}
}
