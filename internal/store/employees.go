package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"rimborso/internal/core"
)

// GetEmployee fetches one employee by id.
func (q *Queries) GetEmployee(ctx context.Context, id string) (core.Employee, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, name, email, supervisor_id, cost_centers,
		       is_supervisor, is_finance, is_admin, updated_at_ms
		FROM employees WHERE id = ?`, id)

	e, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return core.Employee{}, fmt.Errorf("%w: employee %s", core.ErrNotFound, id)
	}
	if err != nil {
		return core.Employee{}, fmt.Errorf("get employee: %w", err)
	}
	return e, nil
}

// ListEmployees returns all employees. The supervision graph resolver works
// on this snapshot; supervisor edges live in supervisor_id.
func (q *Queries) ListEmployees(ctx context.Context) ([]core.Employee, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, name, email, supervisor_id, cost_centers,
		       is_supervisor, is_finance, is_admin, updated_at_ms
		FROM employees ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}
	defer rows.Close()

	var out []core.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan employee: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(s rowScanner) (core.Employee, error) {
	var (
		e                            core.Employee
		costCenters                  string
		isSupervisor, isFin, isAdmin int
	)
	err := s.Scan(&e.ID, &e.Name, &e.Email, &e.SupervisorID, &costCenters,
		&isSupervisor, &isFin, &isAdmin, &e.UpdatedAtMs)
	if err != nil {
		return core.Employee{}, err
	}
	if err := json.Unmarshal([]byte(costCenters), &e.CostCenters); err != nil {
		return core.Employee{}, fmt.Errorf("unmarshal cost centers: %w", err)
	}
	e.IsSupervisor = isSupervisor != 0
	e.IsFinance = isFin != 0
	e.IsAdmin = isAdmin != 0
	return e, nil
}
