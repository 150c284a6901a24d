package core

import (
	"fmt"
	"strings"
	"time"
)

// Report lifecycle states. Approved and Rejected are terminal; a rejected or
// approved report is only revisited through a fresh submitted cycle after
// needs_revision.
const (
	StatusDraft             ReportStatus = "draft"
	StatusSubmitted         ReportStatus = "submitted"
	StatusPendingSupervisor ReportStatus = "pending_supervisor"
	StatusPendingFinance    ReportStatus = "pending_finance"
	StatusApproved          ReportStatus = "approved"
	StatusNeedsRevision     ReportStatus = "needs_revision"
	StatusRejected          ReportStatus = "rejected"
)

type (
	ReportStatus string

	// Employee owns child records. SupervisorID is a weak reference that
	// should form a forest but is defensively treated as a general graph.
	Employee struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Email        string   `json:"email"`
		SupervisorID string   `json:"supervisorId,omitempty"`
		CostCenters  []string `json:"costCenters"`
		IsSupervisor bool     `json:"isSupervisor"`
		IsFinance    bool     `json:"isFinance"`
		IsAdmin      bool     `json:"isAdmin"`
		UpdatedAtMs  int64    `json:"updatedAtMs,omitempty"`
	}

	// MileageEntry is an append-only financial record; duplicates with
	// different content are a conflict, never an overwrite.
	MileageEntry struct {
		ID          string  `json:"id"`
		EmployeeID  string  `json:"employeeId"`
		Date        Date    `json:"date"`
		CostCenter  string  `json:"costCenter"`
		Miles       float64 `json:"miles"`
		From        string  `json:"from"`
		To          string  `json:"to"`
		Purpose     string  `json:"purpose,omitempty"`
		UpdatedAtMs int64   `json:"updatedAtMs,omitempty"`
	}

	// Receipt is an append-only financial record. ImageRef points at an
	// externally resolved capture; it is never interpreted here.
	Receipt struct {
		ID          string `json:"id"`
		EmployeeID  string `json:"employeeId"`
		Date        Date   `json:"date"`
		CostCenter  string `json:"costCenter"`
		AmountCents int64  `json:"amountCents"`
		Vendor      string `json:"vendor"`
		Category    string `json:"category,omitempty"`
		Description string `json:"description,omitempty"`
		ImageRef    string `json:"imageRef,omitempty"`
		UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
	}

	// TimeEntry records worked minutes for one employee and day. There is at
	// most one per (employee, day); later versions merge by latest timestamp.
	TimeEntry struct {
		ID          string `json:"id"`
		EmployeeID  string `json:"employeeId"`
		Date        Date   `json:"date"`
		CostCenter  string `json:"costCenter"`
		Minutes     int64  `json:"minutes"`
		Description string `json:"description,omitempty"`
		UpdatedAtMs int64  `json:"updatedAtMs,omitempty"`
	}

	// Totals is the aggregated snapshot attached to a monthly report. Miles
	// are rounded to the nearest whole mile at total computation time; cents
	// and minutes keep full precision.
	Totals struct {
		Miles   int64 `json:"miles"`
		Cents   int64 `json:"cents"`
		Minutes int64 `json:"minutes"`
	}

	// ReportKey is the natural key of a monthly report.
	ReportKey struct {
		EmployeeID string `json:"employeeId"`
		Year       int    `json:"year"`
		Month      int    `json:"month"`
	}

	// MonthlyReport is derived entirely from child records; totals are a
	// cached aggregation, invalidated on any child mutation.
	MonthlyReport struct {
		Key             ReportKey    `json:"key"`
		Status          ReportStatus `json:"status"`
		Totals          Totals       `json:"totals"`
		SubmittedAt     *time.Time   `json:"submittedAt,omitempty"`
		SubmittedBy     string       `json:"submittedBy,omitempty"`
		DecidedAt       *time.Time   `json:"decidedAt,omitempty"`
		DecidedBy       string       `json:"decidedBy,omitempty"`
		ReviewerComment string       `json:"reviewerComment,omitempty"`
		Revision        int          `json:"revision"`
		PendingSince    *time.Time   `json:"pendingSince,omitempty"`
	}
)

func (s ReportStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPendingSupervisor,
		StatusPendingFinance, StatusApproved, StatusNeedsRevision, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether the status ends the lifecycle.
func (s ReportStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Pending reports whether the report is waiting on a reviewer.
func (s ReportStatus) Pending() bool {
	return s == StatusPendingSupervisor || s == StatusPendingFinance
}

func (k ReportKey) Validate() error {
	if strings.TrimSpace(k.EmployeeID) == "" {
		return ErrEmptyEmployeeID
	}
	if k.Year < 1970 || k.Year > 9999 {
		return Validationf("year %d out of range", k.Year)
	}
	if k.Month < 1 || k.Month > 12 {
		return Validationf("month %d out of range", k.Month)
	}
	return nil
}

func (k ReportKey) String() string {
	return fmt.Sprintf("%s/%04d-%02d", k.EmployeeID, k.Year, k.Month)
}

func (e Employee) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return Validationf("employee id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return Validationf("employee name is required")
	}
	if len(e.CostCenters) == 0 {
		return ErrEmptyCostCenter
	}
	for _, cc := range e.CostCenters {
		if strings.TrimSpace(cc) == "" {
			return ErrEmptyCostCenter
		}
	}
	return nil
}

// DefaultCostCenter returns the first cost center; the set is non-empty for
// any validated employee.
func (e Employee) DefaultCostCenter() string {
	if len(e.CostCenters) == 0 {
		return ""
	}
	return e.CostCenters[0]
}

func (m MileageEntry) Validate() error {
	if strings.TrimSpace(m.EmployeeID) == "" {
		return ErrEmptyEmployeeID
	}
	if err := m.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(m.CostCenter) == "" {
		return ErrEmptyCostCenter
	}
	if m.Miles <= 0 {
		return ErrInvalidMiles
	}
	if strings.TrimSpace(m.From) == "" || strings.TrimSpace(m.To) == "" {
		return Validationf("mileage entry requires from and to locations")
	}
	return nil
}

func (r Receipt) Validate() error {
	if strings.TrimSpace(r.EmployeeID) == "" {
		return ErrEmptyEmployeeID
	}
	if err := r.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.CostCenter) == "" {
		return ErrEmptyCostCenter
	}
	if r.AmountCents <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.Vendor) == "" {
		return Validationf("receipt requires a vendor")
	}
	return nil
}

func (t TimeEntry) Validate() error {
	if strings.TrimSpace(t.EmployeeID) == "" {
		return ErrEmptyEmployeeID
	}
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.CostCenter) == "" {
		return ErrEmptyCostCenter
	}
	if t.Minutes <= 0 || t.Minutes > 24*60 {
		return ErrInvalidMinutes
	}
	return nil
}

// Natural keys deduplicate records independent of storage ids. Child records
// derive theirs from domain fields so that the same entry captured on two
// devices collapses into one canonical record.

func (m MileageEntry) NaturalKey() string {
	return fmt.Sprintf("mileageEntry|%s|%s|%s|%s", m.EmployeeID, m.Date, m.From, m.To)
}

func (r Receipt) NaturalKey() string {
	return fmt.Sprintf("receipt|%s|%s|%s|%d", r.EmployeeID, r.Date, r.Vendor, r.AmountCents)
}

func (t TimeEntry) NaturalKey() string {
	return fmt.Sprintf("timeEntry|%s|%s", t.EmployeeID, t.Date)
}

func (e Employee) NaturalKey() string {
	return "employee|" + e.ID
}

// ReportKeyForDate returns the monthly report a child record on the given
// date belongs to.
func ReportKeyForDate(employeeID string, d Date) ReportKey {
	return ReportKey{EmployeeID: employeeID, Year: d.Year, Month: d.Month}
}
