package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"rimborso/internal/core"
	"rimborso/internal/escalate"
	"rimborso/internal/report"
	"rimborso/internal/store"
	"rimborso/internal/wire"
)

const actorHeader = "X-Actor-ID"

// Ingestor is the reconciler surface the sync endpoint needs.
type Ingestor interface {
	Ingest(ctx context.Context, batch wire.BatchRequest) (*wire.BatchResponse, error)
}

type Handler struct {
	reconciler Ingestor
	reports    *report.Service
	repo       *store.Repository
}

func NewHandler(reconciler Ingestor, reports *report.Service, repo *store.Repository) *Handler {
	return &Handler{reconciler: reconciler, reports: reports, repo: repo}
}

// Ingest accepts a sync batch. A batch carrying an unrecognized top-level
// key is rejected in its entirety with 400; per-record outcomes otherwise
// come back in the 200 response body.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var batch wire.BatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	if err := dec.Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, core.Validationf("malformed batch: %v", err))
		return
	}

	resp, err := h.reconciler.Ingest(r.Context(), batch)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, key core.ReportKey, actorID string, _ transitionBody) (core.MonthlyReport, error) {
		return h.reports.Submit(ctx, key, actorID)
	})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, key core.ReportKey, actorID string, _ transitionBody) (core.MonthlyReport, error) {
		return h.reports.Approve(ctx, key, actorID)
	})
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, key core.ReportKey, actorID string, body transitionBody) (core.MonthlyReport, error) {
		return h.reports.Reject(ctx, key, actorID, body.Comment)
	})
}

func (h *Handler) RequestRevision(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, key core.ReportKey, actorID string, body transitionBody) (core.MonthlyReport, error) {
		return h.reports.RequestRevision(ctx, key, actorID, body.Comment)
	})
}

type transitionBody struct {
	Comment string `json:"comment"`
}

type transitionFunc func(ctx context.Context, key core.ReportKey, actorID string, body transitionBody) (core.MonthlyReport, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	key, err := reportKeyFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, core.PermissionDeniedf("missing %s header", actorHeader))
		return
	}

	var body transitionBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, core.Validationf("malformed body: %v", err))
			return
		}
	}

	rpt, err := fn(r.Context(), key, actorID, body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rpt)
}

// GetReport returns a report with its cached totals and child records; the
// PDF/XLSX export collaborators consume this read-only view.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	key, err := reportKeyFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	rpt, err := h.reports.Get(ctx, key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	mileage, err := h.repo.ListMileageEntries(ctx, key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	receipts, err := h.repo.ListReceipts(ctx, key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	timeEntries, err := h.repo.ListTimeEntries(ctx, key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, reportView{
		Report:         rpt,
		MileageEntries: mileage,
		Receipts:       receipts,
		TimeEntries:    timeEntries,
	})
}

type reportView struct {
	Report         core.MonthlyReport  `json:"report"`
	MileageEntries []core.MileageEntry `json:"mileageEntries"`
	Receipts       []core.Receipt      `json:"receipts"`
	TimeEntries    []core.TimeEntry    `json:"timeEntries"`
}

// GetPending lists the actor's actionable pending reports with SLA flags.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, core.PermissionDeniedf("missing %s header", actorHeader))
		return
	}

	pending, err := h.reports.GetPending(r.Context(), actorID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if pending == nil {
		pending = []escalate.Annotated{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type overrideBody struct {
	Totals core.Totals `json:"totals"`
	Reason string      `json:"reason"`
}

// OverrideTotals is the audited admin escape hatch for report totals.
func (h *Handler) OverrideTotals(w http.ResponseWriter, r *http.Request) {
	key, err := reportKeyFromURL(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actorID := r.Header.Get(actorHeader)
	if actorID == "" {
		writeError(w, http.StatusUnauthorized, core.PermissionDeniedf("missing %s header", actorHeader))
		return
	}

	var body overrideBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, core.Validationf("malformed body: %v", err))
		return
	}

	if err := h.reports.OverrideTotals(r.Context(), key, body.Totals, actorID, body.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rpt, err := h.reports.Get(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rpt)
}

func reportKeyFromURL(r *http.Request) (core.ReportKey, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return core.ReportKey{}, core.Validationf("invalid year")
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return core.ReportKey{}, core.Validationf("invalid month")
	}
	key := core.ReportKey{
		EmployeeID: chi.URLParam(r, "employeeID"),
		Year:       year,
		Month:      month,
	}
	return key, key.Validate()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSchemaMismatch), errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, wire.ErrorResponse{Error: err.Error()})
}
