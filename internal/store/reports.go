package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"rimborso/internal/core"
)

// GetReport fetches one monthly report.
func (q *Queries) GetReport(ctx context.Context, key core.ReportKey) (core.MonthlyReport, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT employee_id, report_year, report_month, status,
		       total_miles, total_cents, total_minutes,
		       submitted_at_ms, submitted_by, decided_at_ms, decided_by,
		       reviewer_comment, revision, pending_since_ms
		FROM monthly_reports
		WHERE employee_id = ? AND report_year = ? AND report_month = ?`,
		key.EmployeeID, key.Year, key.Month)

	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return core.MonthlyReport{}, fmt.Errorf("%w: report %s", core.ErrNotFound, key)
	}
	if err != nil {
		return core.MonthlyReport{}, fmt.Errorf("get report: %w", err)
	}
	return r, nil
}

// EnsureReport lazily creates the draft report for a key. The insert is a
// no-op when the row exists: exactly one report per (employee, year, month).
func (q *Queries) EnsureReport(ctx context.Context, key core.ReportKey) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO monthly_reports (employee_id, report_year, report_month, status)
		VALUES (?, ?, ?, 'draft')`,
		key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return fmt.Errorf("ensure report: %w", err)
	}
	return nil
}

// SetReportTotals writes a freshly aggregated totals snapshot.
func (q *Queries) SetReportTotals(ctx context.Context, key core.ReportKey, t core.Totals) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE monthly_reports
		SET total_miles = ?, total_cents = ?, total_minutes = ?
		WHERE employee_id = ? AND report_year = ? AND report_month = ?`,
		t.Miles, t.Cents, t.Minutes, key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return fmt.Errorf("set report totals: %w", err)
	}
	return nil
}

// SumChildRecords aggregates raw totals for a report key: exact miles,
// cents and minutes straight from the child rows.
func (q *Queries) SumChildRecords(ctx context.Context, key core.ReportKey) (miles float64, cents, minutes int64, err error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT
		  COALESCE((SELECT SUM(miles)        FROM mileage_entries WHERE employee_id = ? AND entry_year = ? AND entry_month = ?), 0),
		  COALESCE((SELECT SUM(amount_cents) FROM receipts        WHERE employee_id = ? AND entry_year = ? AND entry_month = ?), 0),
		  COALESCE((SELECT SUM(minutes)      FROM time_entries    WHERE employee_id = ? AND entry_year = ? AND entry_month = ?), 0)`,
		key.EmployeeID, key.Year, key.Month,
		key.EmployeeID, key.Year, key.Month,
		key.EmployeeID, key.Year, key.Month)
	if err = row.Scan(&miles, &cents, &minutes); err != nil {
		return 0, 0, 0, fmt.Errorf("sum child records: %w", err)
	}
	return miles, cents, minutes, nil
}

// ReportUpdate is the transition outcome written by the state machine.
type ReportUpdate struct {
	Status          core.ReportStatus
	SubmittedAt     *time.Time
	SubmittedBy     string
	DecidedAt       *time.Time
	DecidedBy       string
	ReviewerComment string
	Revision        int
	PendingSince    *time.Time
}

// ApplyTransition updates the report row and appends the audit event in one
// statement pair; the caller wraps both in a transaction.
func (q *Queries) ApplyTransition(ctx context.Context, key core.ReportKey, from core.ReportStatus, upd ReportUpdate, actorID, comment string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE monthly_reports
		SET status = ?, submitted_at_ms = ?, submitted_by = ?,
		    decided_at_ms = ?, decided_by = ?, reviewer_comment = ?,
		    revision = ?, pending_since_ms = ?
		WHERE employee_id = ? AND report_year = ? AND report_month = ? AND status = ?`,
		string(upd.Status), msPtr(upd.SubmittedAt), upd.SubmittedBy,
		msPtr(upd.DecidedAt), upd.DecidedBy, upd.ReviewerComment,
		upd.Revision, msPtr(upd.PendingSince),
		key.EmployeeID, key.Year, key.Month, string(from))
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// The guard re-checks the from-status at write time, so a racing
		// transition loses cleanly instead of double-applying.
		return core.InvalidTransitionf("report %s no longer in %s", key, from)
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO report_events (employee_id, report_year, report_month, actor_id, from_status, to_status, comment, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.EmployeeID, key.Year, key.Month, actorID, string(from), string(upd.Status), comment, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert report event: %w", err)
	}
	return nil
}

// ReportEvent is one row of the workflow audit trail.
type ReportEvent struct {
	ID         int64
	Key        core.ReportKey
	ActorID    string
	FromStatus core.ReportStatus
	ToStatus   core.ReportStatus
	Comment    string
	CreatedAt  time.Time
}

// ListReportEvents returns the audit trail for a report, oldest first.
func (q *Queries) ListReportEvents(ctx context.Context, key core.ReportKey) ([]ReportEvent, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, actor_id, from_status, to_status, comment, created_at_ms
		FROM report_events
		WHERE employee_id = ? AND report_year = ? AND report_month = ?
		ORDER BY id`,
		key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return nil, fmt.Errorf("list report events: %w", err)
	}
	defer rows.Close()

	var out []ReportEvent
	for rows.Next() {
		var (
			ev       ReportEvent
			from, to string
			ms       int64
		)
		if err := rows.Scan(&ev.ID, &ev.ActorID, &from, &to, &ev.Comment, &ms); err != nil {
			return nil, fmt.Errorf("scan report event: %w", err)
		}
		ev.Key = key
		ev.FromStatus = core.ReportStatus(from)
		ev.ToStatus = core.ReportStatus(to)
		ev.CreatedAt = time.UnixMilli(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListPendingReports returns reports in pending_supervisor or
// pending_finance, optionally restricted to a set of employee ids. A nil
// set means no restriction (admin/finance view).
func (q *Queries) ListPendingReports(ctx context.Context, employeeIDs []string) ([]core.MonthlyReport, error) {
	query := `
		SELECT employee_id, report_year, report_month, status,
		       total_miles, total_cents, total_minutes,
		       submitted_at_ms, submitted_by, decided_at_ms, decided_by,
		       reviewer_comment, revision, pending_since_ms
		FROM monthly_reports
		WHERE status IN ('pending_supervisor', 'pending_finance')`
	args := []any{}
	if employeeIDs != nil {
		if len(employeeIDs) == 0 {
			return nil, nil
		}
		query += ` AND employee_id IN (?` + strings.Repeat(",?", len(employeeIDs)-1) + `)`
		for _, id := range employeeIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY pending_since_ms`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending reports: %w", err)
	}
	defer rows.Close()

	var out []core.MonthlyReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OverrideTotals is the explicit administrative escape hatch: it replaces
// the cached totals and records who did it, why, and what was there before.
func (q *Queries) OverrideTotals(ctx context.Context, key core.ReportKey, t core.Totals, actorID, reason string) error {
	prev, err := q.GetReport(ctx, key)
	if err != nil {
		return err
	}

	if err := q.SetReportTotals(ctx, key, t); err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO totals_overrides
		(employee_id, report_year, report_month, actor_id,
		 prev_miles, prev_cents, prev_minutes, new_miles, new_cents, new_minutes,
		 reason, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.EmployeeID, key.Year, key.Month, actorID,
		prev.Totals.Miles, prev.Totals.Cents, prev.Totals.Minutes,
		t.Miles, t.Cents, t.Minutes, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert totals override: %w", err)
	}
	return nil
}

func scanReport(s rowScanner) (core.MonthlyReport, error) {
	var (
		r                             core.MonthlyReport
		status                        string
		submittedMs, decidedMs, pendMs sql.NullInt64
	)
	err := s.Scan(&r.Key.EmployeeID, &r.Key.Year, &r.Key.Month, &status,
		&r.Totals.Miles, &r.Totals.Cents, &r.Totals.Minutes,
		&submittedMs, &r.SubmittedBy, &decidedMs, &r.DecidedBy,
		&r.ReviewerComment, &r.Revision, &pendMs)
	if err != nil {
		return core.MonthlyReport{}, err
	}
	r.Status = core.ReportStatus(status)
	r.SubmittedAt = timePtr(submittedMs)
	r.DecidedAt = timePtr(decidedMs)
	r.PendingSince = timePtr(pendMs)
	return r, nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
