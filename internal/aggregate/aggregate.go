// Package aggregate recomputes monthly report totals from child records.
// It runs inside the same store transaction as the write that triggered it,
// so a report is never observably inconsistent with its child rows.
package aggregate

import (
	"context"
	"math"

	"rimborso/internal/core"
	"rimborso/internal/store"
)

// Recompute rebuilds the totals snapshot for a report key, creating the
// draft report lazily on the first child record. Miles are rounded to the
// nearest whole mile here, at total time, so rounding error never compounds
// across many small entries; cents and minutes keep full precision.
func Recompute(ctx context.Context, q *store.Queries, key core.ReportKey) (core.Totals, error) {
	if err := key.Validate(); err != nil {
		return core.Totals{}, err
	}
	if err := q.EnsureReport(ctx, key); err != nil {
		return core.Totals{}, err
	}

	miles, cents, minutes, err := q.SumChildRecords(ctx, key)
	if err != nil {
		return core.Totals{}, err
	}

	totals := core.Totals{
		Miles:   int64(math.Round(miles)),
		Cents:   cents,
		Minutes: minutes,
	}
	if err := q.SetReportTotals(ctx, key, totals); err != nil {
		return core.Totals{}, err
	}
	return totals, nil
}
