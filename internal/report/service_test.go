package report

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rimborso/internal/aggregate"
	"rimborso/internal/core"
	"rimborso/internal/escalate"
	"rimborso/internal/orgraph"
	"rimborso/internal/store"
)

type capturingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *capturingNotifier) ReportStateChanged(ctx context.Context, key core.ReportKey, from, to core.ReportStatus, actorID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, string(from)+"->"+string(to))
}

type fixture struct {
	repo     *store.Repository
	service  *Service
	notifier *capturingNotifier
	key      core.ReportKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := store.Open(filepath.Join(t.TempDir(), "backend.db"))
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	notifier := &capturingNotifier{}
	svc := NewService(repo, orgraph.New(repo), escalate.New(escalate.DefaultConfig()), notifier)

	f := &fixture{
		repo:     repo,
		service:  svc,
		notifier: notifier,
		key:      core.ReportKey{EmployeeID: "emp", Year: 2025, Month: 3},
	}

	f.seedEmployee(t, core.Employee{ID: "emp", Name: "Emp", SupervisorID: "sup", CostCenters: []string{"CC-100"}})
	f.seedEmployee(t, core.Employee{ID: "sup", Name: "Sup", IsSupervisor: true, CostCenters: []string{"CC-100"}})
	f.seedEmployee(t, core.Employee{ID: "fin", Name: "Fin", IsFinance: true, CostCenters: []string{"CC-100"}})
	f.seedEmployee(t, core.Employee{ID: "adm", Name: "Adm", IsAdmin: true, CostCenters: []string{"CC-100"}})
	f.seedEmployee(t, core.Employee{ID: "peer", Name: "Peer", IsSupervisor: true, CostCenters: []string{"CC-100"}})
	return f
}

func (f *fixture) seedEmployee(t *testing.T, e core.Employee) {
	t.Helper()
	if err := f.repo.UpsertEmployee(context.Background(), e, e.NaturalKey(), "seed"); err != nil {
		t.Fatalf("seed employee %s: %v", e.ID, err)
	}
}

func (f *fixture) seedMileage(t *testing.T, day int, miles float64) {
	t.Helper()
	m := core.MileageEntry{
		ID:         "seed",
		EmployeeID: f.key.EmployeeID,
		Date:       core.Date{Year: f.key.Year, Month: f.key.Month, Day: day},
		CostCenter: "CC-100",
		Miles:      miles,
		From:       "Office",
		To:         "Client",
	}
	err := f.repo.WithTx(context.Background(), func(q *store.Queries) error {
		if err := q.UpsertMileageEntry(context.Background(), m, m.NaturalKey(), m.NaturalKey()); err != nil {
			return err
		}
		_, err := aggregate.Recompute(context.Background(), q, f.key)
		return err
	})
	if err != nil {
		t.Fatalf("seed mileage: %v", err)
	}
}

// The full cycle: three entries totaling 60 miles, submission routed to the
// supervisor, a revision round with a mandatory comment, resubmission with a
// bumped revision counter, then approval through finance.
func TestApprovalCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)
	f.seedMileage(t, 11, 20)
	f.seedMileage(t, 12, 30)

	rpt, err := f.service.Submit(ctx, f.key, "emp")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rpt.Status != core.StatusPendingSupervisor {
		t.Fatalf("expected pending_supervisor, got %s", rpt.Status)
	}
	if rpt.Totals.Miles != 60 {
		t.Errorf("expected 60 total miles, got %d", rpt.Totals.Miles)
	}
	if rpt.SubmittedAt == nil || rpt.SubmittedBy != "emp" {
		t.Error("submission metadata missing")
	}
	if rpt.PendingSince == nil {
		t.Error("pending clock must start on routing")
	}
	if rpt.Revision != 0 {
		t.Errorf("first submission is revision 0, got %d", rpt.Revision)
	}

	// Revision requires a comment.
	if _, err := f.service.RequestRevision(ctx, f.key, "sup", ""); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("comment is mandatory, got %v", err)
	}
	rpt, err = f.service.RequestRevision(ctx, f.key, "sup", "missing client name on day 12")
	if err != nil {
		t.Fatalf("request revision: %v", err)
	}
	if rpt.Status != core.StatusNeedsRevision {
		t.Fatalf("expected needs_revision, got %s", rpt.Status)
	}
	if rpt.ReviewerComment == "" {
		t.Error("reviewer comment must be stored")
	}

	// Resubmit: revision counter increments.
	rpt, err = f.service.Submit(ctx, f.key, "emp")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if rpt.Revision != 1 {
		t.Errorf("expected revision 1 after resubmit, got %d", rpt.Revision)
	}
	if rpt.Status != core.StatusPendingSupervisor {
		t.Fatalf("expected pending_supervisor, got %s", rpt.Status)
	}

	// Supervisor approval forwards to finance with a fresh pending clock.
	rpt, err = f.service.Approve(ctx, f.key, "sup")
	if err != nil {
		t.Fatalf("supervisor approve: %v", err)
	}
	if rpt.Status != core.StatusPendingFinance {
		t.Fatalf("expected pending_finance, got %s", rpt.Status)
	}
	if rpt.DecidedAt != nil {
		t.Error("forwarding to finance is not the final decision")
	}

	rpt, err = f.service.Approve(ctx, f.key, "fin")
	if err != nil {
		t.Fatalf("finance approve: %v", err)
	}
	if rpt.Status != core.StatusApproved {
		t.Fatalf("expected approved, got %s", rpt.Status)
	}
	if rpt.DecidedAt == nil || rpt.DecidedBy != "fin" {
		t.Error("decision metadata missing")
	}

	// Terminal: nothing else applies.
	if _, err := f.service.Submit(ctx, f.key, "emp"); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("approved is terminal, got %v", err)
	}

	events, err := f.repo.ListReportEvents(ctx, f.key)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	// submit+route, revision, resubmit+route, two approvals: 7 audit rows.
	if len(events) != 7 {
		t.Errorf("expected 7 audit events, got %d", len(events))
	}
}

func TestSubmitGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No child records: nothing to submit.
	f.seedEmployee(t, core.Employee{ID: "other", Name: "Other", CostCenters: []string{"CC-100"}})
	if err := f.repo.EnsureReport(ctx, f.key); err != nil {
		t.Fatalf("ensure report: %v", err)
	}
	if _, err := f.service.Submit(ctx, f.key, "emp"); !errors.Is(err, core.ErrValidation) {
		t.Errorf("empty report must not submit, got %v", err)
	}

	f.seedMileage(t, 10, 10)

	// Only the owner submits.
	if _, err := f.service.Submit(ctx, f.key, "other"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("non-owner submit must be denied, got %v", err)
	}
	if _, err := f.service.Submit(ctx, f.key, "emp"); err != nil {
		t.Errorf("owner submit failed: %v", err)
	}

	// Double submission is an invalid transition.
	if _, err := f.service.Submit(ctx, f.key, "emp"); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("double submit must fail, got %v", err)
	}
}

func TestSubmitRoutesToFinanceWithoutSupervisor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedEmployee(t, core.Employee{ID: "solo", Name: "Solo", CostCenters: []string{"CC-100"}})

	key := core.ReportKey{EmployeeID: "solo", Year: 2025, Month: 3}
	m := core.MileageEntry{
		ID: "s1", EmployeeID: "solo",
		Date:       core.Date{Year: 2025, Month: 3, Day: 10},
		CostCenter: "CC-100", Miles: 5, From: "A", To: "B",
	}
	err := f.repo.WithTx(ctx, func(q *store.Queries) error {
		if err := q.UpsertMileageEntry(ctx, m, m.NaturalKey(), "h"); err != nil {
			return err
		}
		_, err := aggregate.Recompute(ctx, q, key)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rpt, err := f.service.Submit(ctx, key, "solo")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rpt.Status != core.StatusPendingFinance {
		t.Errorf("no supervisor: expected pending_finance, got %s", rpt.Status)
	}
}

func TestDecisionPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)
	if _, err := f.service.Submit(ctx, f.key, "emp"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A supervisor with no path to the employee is denied.
	if _, err := f.service.Approve(ctx, f.key, "peer"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("unrelated supervisor must be denied, got %v", err)
	}
	// The employee cannot approve their own report.
	if _, err := f.service.Approve(ctx, f.key, "emp"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("self-approval must be denied, got %v", err)
	}
	// Admin bypasses the graph at the supervisor stage.
	rpt, err := f.service.Approve(ctx, f.key, "adm")
	if err != nil {
		t.Fatalf("admin approve: %v", err)
	}
	if rpt.Status != core.StatusPendingFinance {
		t.Fatalf("expected pending_finance, got %s", rpt.Status)
	}

	// The finance stage needs the finance (or admin) role.
	if _, err := f.service.Approve(ctx, f.key, "sup"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("supervisor lacks the finance role, got %v", err)
	}
	if _, err := f.service.Approve(ctx, f.key, "fin"); err != nil {
		t.Errorf("finance approve: %v", err)
	}
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)
	if _, err := f.service.Submit(ctx, f.key, "emp"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.service.Reject(ctx, f.key, "sup", ""); !errors.Is(err, core.ErrValidation) {
		t.Fatalf("rejection requires a comment, got %v", err)
	}
	rpt, err := f.service.Reject(ctx, f.key, "sup", "not a business trip")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rpt.Status != core.StatusRejected {
		t.Fatalf("expected rejected, got %s", rpt.Status)
	}

	if _, err := f.service.Submit(ctx, f.key, "emp"); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("rejected is terminal, got %v", err)
	}
}

func TestGetPendingVisibilityAndSLA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)
	if _, err := f.service.Submit(ctx, f.key, "emp"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pending, err := f.service.GetPending(ctx, "sup")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Report.Key != f.key {
		t.Fatalf("supervisor should see their report, got %+v", pending)
	}
	if pending[0].Overdue {
		t.Error("freshly submitted report is not overdue")
	}

	// An unrelated supervisor sees nothing; finance sees everything.
	peerPending, err := f.service.GetPending(ctx, "peer")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(peerPending) != 0 {
		t.Errorf("peer should see nothing, got %+v", peerPending)
	}
	finPending, err := f.service.GetPending(ctx, "fin")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(finPending) != 1 {
		t.Errorf("finance should see all pending, got %+v", finPending)
	}

	// 49 hours later the supervisor SLA is blown.
	f.service.now = func() time.Time { return time.Now().Add(49 * time.Hour) }
	pending, err = f.service.GetPending(ctx, "sup")
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(pending) != 1 || !pending[0].Overdue {
		t.Errorf("expected an overdue report, got %+v", pending)
	}
}

func TestOverrideTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)

	totals := core.Totals{Miles: 42, Cents: 0, Minutes: 0}
	if err := f.service.OverrideTotals(ctx, f.key, totals, "sup", "correction"); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("only admins override, got %v", err)
	}
	if err := f.service.OverrideTotals(ctx, f.key, totals, "adm", ""); !errors.Is(err, core.ErrValidation) {
		t.Errorf("a reason is required, got %v", err)
	}
	if err := f.service.OverrideTotals(ctx, f.key, totals, "adm", "odometer dispute resolved manually"); err != nil {
		t.Fatalf("override: %v", err)
	}

	rpt, err := f.service.Get(ctx, f.key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rpt.Totals.Miles != 42 {
		t.Errorf("expected overridden totals, got %+v", rpt.Totals)
	}
}

func TestTransitionsBroadcast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedMileage(t, 10, 10)

	if _, err := f.service.Submit(ctx, f.key, "emp"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.Approve(ctx, f.key, "sup"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	want := []string{"draft->pending_supervisor", "pending_supervisor->pending_finance"}
	if len(f.notifier.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), f.notifier.events)
	}
	for i, ev := range want {
		if f.notifier.events[i] != ev {
			t.Errorf("event %d: expected %s, got %s", i, ev, f.notifier.events[i])
		}
	}
}
