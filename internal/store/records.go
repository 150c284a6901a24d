package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rimborso/internal/core"
	"rimborso/internal/entity"
)

// RecordMeta is the stored identity of a record: enough to decide whether an
// incoming operation is a replay, a newer version, or a conflict.
type RecordMeta struct {
	NaturalKey  string
	PayloadHash string
	UpdatedAtMs int64
}

func tableForKind(kind entity.Kind) (string, error) {
	switch kind {
	case entity.KindMileageEntry:
		return "mileage_entries", nil
	case entity.KindReceipt:
		return "receipts", nil
	case entity.KindTimeEntry:
		return "time_entries", nil
	case entity.KindEmployee:
		return "employees", nil
	}
	return "", core.SchemaMismatchf("no table for kind %v", kind)
}

// GetRecordMeta fetches the stored hash and timestamp for a natural key.
// found is false when the key has never been written.
func (q *Queries) GetRecordMeta(ctx context.Context, kind entity.Kind, naturalKey string) (RecordMeta, bool, error) {
	table, err := tableForKind(kind)
	if err != nil {
		return RecordMeta{}, false, err
	}
	row := q.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT natural_key, payload_hash, updated_at_ms FROM %s WHERE natural_key = ?`, table),
		naturalKey)

	var meta RecordMeta
	if err := row.Scan(&meta.NaturalKey, &meta.PayloadHash, &meta.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return RecordMeta{}, false, nil
		}
		return RecordMeta{}, false, fmt.Errorf("get record meta: %w", err)
	}
	return meta, true, nil
}

// UpsertMileageEntry writes (or replaces) a mileage entry under its natural
// key. Replacement policy is decided by the reconciler, not here.
func (q *Queries) UpsertMileageEntry(ctx context.Context, m core.MileageEntry, naturalKey, hash string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO mileage_entries
		(natural_key, client_id, employee_id, entry_date, entry_year, entry_month,
		 cost_center, miles, from_location, to_location, purpose, payload_hash, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		naturalKey, m.ID, m.EmployeeID, m.Date.String(), m.Date.Year, m.Date.Month,
		m.CostCenter, m.Miles, m.From, m.To, m.Purpose, hash, m.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert mileage entry: %w", err)
	}
	return nil
}

func (q *Queries) UpsertReceipt(ctx context.Context, r core.Receipt, naturalKey, hash string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO receipts
		(natural_key, client_id, employee_id, entry_date, entry_year, entry_month,
		 cost_center, amount_cents, vendor, category, description, image_ref, payload_hash, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		naturalKey, r.ID, r.EmployeeID, r.Date.String(), r.Date.Year, r.Date.Month,
		r.CostCenter, r.AmountCents, r.Vendor, r.Category, r.Description, r.ImageRef, hash, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert receipt: %w", err)
	}
	return nil
}

func (q *Queries) UpsertTimeEntry(ctx context.Context, t core.TimeEntry, naturalKey, hash string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO time_entries
		(natural_key, client_id, employee_id, entry_date, entry_year, entry_month,
		 cost_center, minutes, description, payload_hash, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		naturalKey, t.ID, t.EmployeeID, t.Date.String(), t.Date.Year, t.Date.Month,
		t.CostCenter, t.Minutes, t.Description, hash, t.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert time entry: %w", err)
	}
	return nil
}

func (q *Queries) UpsertEmployee(ctx context.Context, e core.Employee, naturalKey, hash string) error {
	costCenters, err := json.Marshal(e.CostCenters)
	if err != nil {
		return fmt.Errorf("marshal cost centers: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO employees
		(id, natural_key, name, email, supervisor_id, cost_centers,
		 is_supervisor, is_finance, is_admin, payload_hash, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, naturalKey, e.Name, e.Email, e.SupervisorID, string(costCenters),
		boolToInt(e.IsSupervisor), boolToInt(e.IsFinance), boolToInt(e.IsAdmin), hash, e.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert employee: %w", err)
	}
	return nil
}

// DeletedRecord identifies what a delete removed, so the caller can
// recompute the affected monthly report.
type DeletedRecord struct {
	EmployeeID string
	Year       int
	Month      int
}

// DeleteRecord removes a record by natural key. found is false when the key
// was not present (a replayed delete is a no-op).
func (q *Queries) DeleteRecord(ctx context.Context, kind entity.Kind, naturalKey string) (DeletedRecord, bool, error) {
	table, err := tableForKind(kind)
	if err != nil {
		return DeletedRecord{}, false, err
	}

	var del DeletedRecord
	if kind == entity.KindEmployee {
		res, err := q.db.ExecContext(ctx, `DELETE FROM employees WHERE natural_key = ?`, naturalKey)
		if err != nil {
			return DeletedRecord{}, false, fmt.Errorf("delete employee: %w", err)
		}
		n, _ := res.RowsAffected()
		return DeletedRecord{}, n > 0, nil
	}

	row := q.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT employee_id, entry_year, entry_month FROM %s WHERE natural_key = ?`, table),
		naturalKey)
	if err := row.Scan(&del.EmployeeID, &del.Year, &del.Month); err != nil {
		if err == sql.ErrNoRows {
			return DeletedRecord{}, false, nil
		}
		return DeletedRecord{}, false, fmt.Errorf("lookup record for delete: %w", err)
	}

	if _, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE natural_key = ?`, table), naturalKey); err != nil {
		return DeletedRecord{}, false, fmt.Errorf("delete record: %w", err)
	}
	return del, true, nil
}

// CountChildRecords counts mileage, receipt and time rows belonging to a
// report key. Submission requires at least one.
func (q *Queries) CountChildRecords(ctx context.Context, key core.ReportKey) (int64, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM mileage_entries WHERE employee_id = ? AND entry_year = ? AND entry_month = ?) +
		  (SELECT COUNT(*) FROM receipts        WHERE employee_id = ? AND entry_year = ? AND entry_month = ?) +
		  (SELECT COUNT(*) FROM time_entries    WHERE employee_id = ? AND entry_year = ? AND entry_month = ?)`,
		key.EmployeeID, key.Year, key.Month,
		key.EmployeeID, key.Year, key.Month,
		key.EmployeeID, key.Year, key.Month)

	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count child records: %w", err)
	}
	return n, nil
}

// ListMileageEntries returns the mileage rows for a report key, used by
// read-only export consumers.
func (q *Queries) ListMileageEntries(ctx context.Context, key core.ReportKey) ([]core.MileageEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT client_id, employee_id, entry_date, cost_center, miles,
		       from_location, to_location, purpose, updated_at_ms
		FROM mileage_entries
		WHERE employee_id = ? AND entry_year = ? AND entry_month = ?
		ORDER BY entry_date`,
		key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return nil, fmt.Errorf("list mileage entries: %w", err)
	}
	defer rows.Close()

	var out []core.MileageEntry
	for rows.Next() {
		var m core.MileageEntry
		var date string
		if err := rows.Scan(&m.ID, &m.EmployeeID, &date, &m.CostCenter, &m.Miles,
			&m.From, &m.To, &m.Purpose, &m.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan mileage entry: %w", err)
		}
		if m.Date, err = core.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListReceipts returns the receipt rows for a report key.
func (q *Queries) ListReceipts(ctx context.Context, key core.ReportKey) ([]core.Receipt, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT client_id, employee_id, entry_date, cost_center, amount_cents,
		       vendor, category, description, image_ref, updated_at_ms
		FROM receipts
		WHERE employee_id = ? AND entry_year = ? AND entry_month = ?
		ORDER BY entry_date`,
		key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []core.Receipt
	for rows.Next() {
		var r core.Receipt
		var date string
		if err := rows.Scan(&r.ID, &r.EmployeeID, &date, &r.CostCenter, &r.AmountCents,
			&r.Vendor, &r.Category, &r.Description, &r.ImageRef, &r.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		if r.Date, err = core.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTimeEntries returns the time rows for a report key.
func (q *Queries) ListTimeEntries(ctx context.Context, key core.ReportKey) ([]core.TimeEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT client_id, employee_id, entry_date, cost_center, minutes, description, updated_at_ms
		FROM time_entries
		WHERE employee_id = ? AND entry_year = ? AND entry_month = ?
		ORDER BY entry_date`,
		key.EmployeeID, key.Year, key.Month)
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	defer rows.Close()

	var out []core.TimeEntry
	for rows.Next() {
		var t core.TimeEntry
		var date string
		if err := rows.Scan(&t.ID, &t.EmployeeID, &date, &t.CostCenter, &t.Minutes,
			&t.Description, &t.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		if t.Date, err = core.ParseDate(date); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
