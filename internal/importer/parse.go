package importer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"rimborso/internal/core"
	"rimborso/internal/oplog"
)

// Expected header columns. Kind selects the record type; the remaining
// columns are read per kind and extra columns are ignored.
const (
	colKind        = "Kind"
	colEmployee    = "Employee"
	colDate        = "Date"
	colCostCenter  = "Cost Center"
	colMiles       = "Miles"
	colFrom        = "From"
	colTo          = "To"
	colPurpose     = "Purpose"
	colAmount      = "Amount"
	colVendor      = "Vendor"
	colCategory    = "Category"
	colMinutes     = "Minutes"
	colDescription = "Description"
)

// Row is one parsed sheet row, ready to enqueue.
type Row struct {
	Row    int
	Intent string
	Record oplog.Record
}

// RowError names a row that could not be parsed. Row numbers are 1-based as
// shown in the spreadsheet UI.
type RowError struct {
	Row int
	Err error
}

// parseRows converts a values matrix (as returned by the Sheets API) into
// enqueueable records. The first row must be the header.
func parseRows(values [][]interface{}) ([]Row, []RowError) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := toStrings(values[0])
	col := func(name string) int { return indexOf(headers, name) }

	var rows []Row
	var errs []RowError
	for i := 1; i < len(values); i++ {
		row := toStrings(values[i])
		if isBlank(row) {
			continue
		}

		rowNum := i + 1
		parsed, intent, err := parseRow(row, col)
		if err != nil {
			errs = append(errs, RowError{Row: rowNum, Err: err})
			continue
		}
		rows = append(rows, Row{Row: rowNum, Intent: intent, Record: parsed})
	}
	return rows, errs
}

func parseRow(row []string, col func(string) int) (oplog.Record, string, error) {
	kind := strings.ToLower(strings.TrimSpace(safeGet(row, col(colKind))))

	employeeID := strings.TrimSpace(safeGet(row, col(colEmployee)))
	if employeeID == "" {
		return nil, "", fmt.Errorf("missing employee")
	}
	date, err := core.ParseDate(strings.TrimSpace(safeGet(row, col(colDate))))
	if err != nil {
		return nil, "", fmt.Errorf("invalid date: %w", err)
	}
	costCenter := strings.TrimSpace(safeGet(row, col(colCostCenter)))

	switch kind {
	case "mileage":
		miles, err := strconv.ParseFloat(strings.TrimSpace(safeGet(row, col(colMiles))), 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid miles: %w", err)
		}
		rec := core.MileageEntry{
			ID:         uuid.New().String(),
			EmployeeID: employeeID,
			Date:       date,
			CostCenter: costCenter,
			Miles:      miles,
			From:       strings.TrimSpace(safeGet(row, col(colFrom))),
			To:         strings.TrimSpace(safeGet(row, col(colTo))),
			Purpose:    strings.TrimSpace(safeGet(row, col(colPurpose))),
		}
		if err := rec.Validate(); err != nil {
			return nil, "", err
		}
		return rec, "createMileageEntry", nil
	case "receipt":
		cents, err := core.ParseDecimalToCents(strings.TrimSpace(safeGet(row, col(colAmount))))
		if err != nil {
			return nil, "", fmt.Errorf("invalid amount: %w", err)
		}
		rec := core.Receipt{
			ID:          uuid.New().String(),
			EmployeeID:  employeeID,
			Date:        date,
			CostCenter:  costCenter,
			AmountCents: cents,
			Vendor:      strings.TrimSpace(safeGet(row, col(colVendor))),
			Category:    strings.TrimSpace(safeGet(row, col(colCategory))),
			Description: strings.TrimSpace(safeGet(row, col(colDescription))),
		}
		if err := rec.Validate(); err != nil {
			return nil, "", err
		}
		return rec, "createReceipt", nil
	case "time":
		minutes, err := strconv.ParseInt(strings.TrimSpace(safeGet(row, col(colMinutes))), 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid minutes: %w", err)
		}
		rec := core.TimeEntry{
			ID:          uuid.New().String(),
			EmployeeID:  employeeID,
			Date:        date,
			CostCenter:  costCenter,
			Minutes:     minutes,
			Description: strings.TrimSpace(safeGet(row, col(colDescription))),
		}
		if err := rec.Validate(); err != nil {
			return nil, "", err
		}
		return rec, "createTimeEntry", nil
	default:
		return nil, "", fmt.Errorf("unknown kind %q", kind)
	}
}

func toStrings(row []interface{}) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func indexOf(headers []string, name string) int {
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}

func safeGet(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
