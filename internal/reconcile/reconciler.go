// Package reconcile is the backend's ingest path. It accepts sync batches
// keyed strictly by canonical wire keys, performs idempotent upserts by
// natural key, applies the per-kind duplicate policy, and recomputes the
// affected monthly report inside the same transaction as the write.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"rimborso/internal/aggregate"
	"rimborso/internal/core"
	"rimborso/internal/entity"
	"rimborso/internal/store"
	"rimborso/internal/wire"
)

// Notifier receives best-effort change events after a commit. Delivery is
// not guaranteed; clients fall back to periodic full resync.
type Notifier interface {
	SyncApplied(ctx context.Context, kind, opType, naturalKey string)
}

type Reconciler struct {
	repo     *store.Repository
	notifier Notifier
	locks    *keyLock
}

func New(repo *store.Repository, notifier Notifier) *Reconciler {
	return &Reconciler{
		repo:     repo,
		notifier: notifier,
		locks:    newKeyLock(),
	}
}

// Ingest validates and applies one batch. An unknown top-level wire key
// fails the entire batch before any record is touched: the earlier failure
// mode this replaces was a backend that swallowed unknown keys and silently
// dropped the records under them.
func (r *Reconciler) Ingest(ctx context.Context, batch wire.BatchRequest) (*wire.BatchResponse, error) {
	kinds := make(map[string]entity.Kind, len(batch))
	for wireKey := range batch {
		kind, err := entity.KindFromWireKey(wireKey)
		if err != nil {
			return nil, err
		}
		kinds[wireKey] = kind
	}

	// Stable key order keeps result ordering deterministic across replays.
	wireKeys := make([]string, 0, len(batch))
	for k := range batch {
		wireKeys = append(wireKeys, k)
	}
	sort.Strings(wireKeys)

	resp := &wire.BatchResponse{}
	for _, wireKey := range wireKeys {
		kind := kinds[wireKey]
		for _, env := range batch[wireKey] {
			res := r.applyOperation(ctx, kind, env)
			resp.Results = append(resp.Results, res)
		}
	}
	return resp, nil
}

func (r *Reconciler) applyOperation(ctx context.Context, kind entity.Kind, env wire.OperationEnvelope) wire.Result {
	opType := entity.OpType(env.OpType)
	if !opType.Valid() {
		return rejected(env.OpID, "", core.Validationf("unknown op type %q", env.OpType))
	}

	rec, err := parseRecord(kind, env.Record)
	if err != nil {
		return rejected(env.OpID, "", err)
	}
	if err := rec.Validate(); err != nil {
		return rejected(env.OpID, rec.NaturalKey(), fmt.Errorf("%w: %s", core.ErrValidation, err))
	}

	naturalKey := rec.NaturalKey()
	unlock := r.locks.Lock(naturalKey)
	defer unlock()

	var status string
	err = r.repo.WithTx(ctx, func(q *store.Queries) error {
		var txErr error
		if opType == entity.OpDelete {
			status, txErr = r.applyDelete(ctx, q, kind, naturalKey)
		} else {
			status, txErr = r.applyUpsert(ctx, q, kind, rec, naturalKey)
		}
		return txErr
	})
	if err != nil {
		if errors.Is(err, core.ErrConflict) {
			slog.WarnContext(ctx, "Sync conflict",
				"kind", kind.String(), "natural_key", naturalKey, "error", err)
			return wire.Result{OpID: env.OpID, NaturalKey: naturalKey, Status: wire.StatusConflict, Error: err.Error()}
		}
		if core.IsTerminal(err) {
			return rejected(env.OpID, naturalKey, err)
		}
		slog.ErrorContext(ctx, "Ingest failed",
			"kind", kind.String(), "natural_key", naturalKey, "error", err)
		return rejected(env.OpID, naturalKey, core.Validationf("internal: %v", err))
	}

	if status == wire.StatusApplied && r.notifier != nil {
		r.notifier.SyncApplied(ctx, kind.String(), string(opType), naturalKey)
	}

	return wire.Result{OpID: env.OpID, NaturalKey: naturalKey, Status: status}
}

// applyUpsert performs the idempotent upsert: a replay of identical content
// is a no-op success, different content falls to the kind's duplicate
// policy, and any applied change recomputes the owning report in this same
// transaction.
func (r *Reconciler) applyUpsert(ctx context.Context, q *store.Queries, kind entity.Kind, rec record, naturalKey string) (string, error) {
	hash := contentHash(rec)

	meta, found, err := q.GetRecordMeta(ctx, kind, naturalKey)
	if err != nil {
		return "", err
	}

	if found {
		if meta.PayloadHash == hash {
			return wire.StatusDuplicate, nil
		}
		switch kind.Policy() {
		case entity.PolicyConflict:
			return "", core.Conflictf("record %s already exists with different content", naturalKey)
		case entity.PolicyMergeLatest:
			if rec.timestamp() < meta.UpdatedAtMs {
				// Stored version is newer; the stale write is dropped but
				// still acknowledged so the client stops re-sending it.
				return wire.StatusDuplicate, nil
			}
		}
	}

	if err := writeRecord(ctx, q, kind, rec, naturalKey, hash); err != nil {
		return "", err
	}

	if key, ok := rec.reportKey(); ok {
		if _, err := aggregate.Recompute(ctx, q, key); err != nil {
			return "", err
		}
	}
	return wire.StatusApplied, nil
}

func (r *Reconciler) applyDelete(ctx context.Context, q *store.Queries, kind entity.Kind, naturalKey string) (string, error) {
	del, found, err := q.DeleteRecord(ctx, kind, naturalKey)
	if err != nil {
		return "", err
	}
	if !found {
		// Replayed delete: the end state is already what was asked for.
		return wire.StatusDuplicate, nil
	}
	if del.EmployeeID != "" {
		key := core.ReportKey{EmployeeID: del.EmployeeID, Year: del.Year, Month: del.Month}
		if _, err := aggregate.Recompute(ctx, q, key); err != nil {
			return "", err
		}
	}
	return wire.StatusApplied, nil
}

func rejected(opID, naturalKey string, err error) wire.Result {
	return wire.Result{OpID: opID, NaturalKey: naturalKey, Status: wire.StatusRejected, Error: err.Error()}
}

// record is the reconciler's view of a parsed payload.
type record interface {
	NaturalKey() string
	Validate() error
	timestamp() int64
	reportKey() (core.ReportKey, bool)
	// canonical returns a copy with the client id and timestamp zeroed; the
	// content hash must not depend on which device stamped the record or
	// when, or a replay after an ambiguous timeout (or the same entry from a
	// second device) would look like a conflict.
	canonical() any
}

type mileageRecord struct{ core.MileageEntry }
type receiptRecord struct{ core.Receipt }
type timeRecord struct{ core.TimeEntry }
type employeeRecord struct{ core.Employee }

func (m mileageRecord) timestamp() int64 { return m.UpdatedAtMs }
func (m mileageRecord) reportKey() (core.ReportKey, bool) {
	return core.ReportKeyForDate(m.EmployeeID, m.Date), true
}
func (m mileageRecord) canonical() any {
	c := m.MileageEntry
	c.ID = ""
	c.UpdatedAtMs = 0
	return c
}

func (r receiptRecord) timestamp() int64 { return r.UpdatedAtMs }
func (r receiptRecord) reportKey() (core.ReportKey, bool) {
	return core.ReportKeyForDate(r.EmployeeID, r.Date), true
}
func (r receiptRecord) canonical() any {
	c := r.Receipt
	c.ID = ""
	c.UpdatedAtMs = 0
	return c
}

func (t timeRecord) timestamp() int64 { return t.UpdatedAtMs }
func (t timeRecord) reportKey() (core.ReportKey, bool) {
	return core.ReportKeyForDate(t.EmployeeID, t.Date), true
}
func (t timeRecord) canonical() any {
	c := t.TimeEntry
	c.ID = ""
	c.UpdatedAtMs = 0
	return c
}

func (e employeeRecord) timestamp() int64                  { return e.UpdatedAtMs }
func (e employeeRecord) reportKey() (core.ReportKey, bool) { return core.ReportKey{}, false }
func (e employeeRecord) canonical() any {
	c := e.Employee
	c.UpdatedAtMs = 0
	return c
}

func parseRecord(kind entity.Kind, raw json.RawMessage) (record, error) {
	switch kind {
	case entity.KindMileageEntry:
		var m core.MileageEntry
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, core.Validationf("malformed mileage entry: %v", err)
		}
		if m.UpdatedAtMs == 0 {
			m.UpdatedAtMs = time.Now().UnixMilli()
		}
		return mileageRecord{m}, nil
	case entity.KindReceipt:
		var r core.Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, core.Validationf("malformed receipt: %v", err)
		}
		if r.UpdatedAtMs == 0 {
			r.UpdatedAtMs = time.Now().UnixMilli()
		}
		return receiptRecord{r}, nil
	case entity.KindTimeEntry:
		var t core.TimeEntry
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, core.Validationf("malformed time entry: %v", err)
		}
		if t.UpdatedAtMs == 0 {
			t.UpdatedAtMs = time.Now().UnixMilli()
		}
		return timeRecord{t}, nil
	case entity.KindEmployee:
		var e core.Employee
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, core.Validationf("malformed employee: %v", err)
		}
		if e.UpdatedAtMs == 0 {
			e.UpdatedAtMs = time.Now().UnixMilli()
		}
		return employeeRecord{e}, nil
	}
	return nil, core.SchemaMismatchf("no parser for kind %v", kind)
}

func writeRecord(ctx context.Context, q *store.Queries, kind entity.Kind, rec record, naturalKey, hash string) error {
	switch v := rec.(type) {
	case mileageRecord:
		return q.UpsertMileageEntry(ctx, v.MileageEntry, naturalKey, hash)
	case receiptRecord:
		return q.UpsertReceipt(ctx, v.Receipt, naturalKey, hash)
	case timeRecord:
		return q.UpsertTimeEntry(ctx, v.TimeEntry, naturalKey, hash)
	case employeeRecord:
		return q.UpsertEmployee(ctx, v.Employee, naturalKey, hash)
	}
	return core.SchemaMismatchf("no writer for kind %v", kind)
}

// contentHash fingerprints a record by re-marshaling the parsed struct, so
// field order and whitespace in the client payload do not matter.
func contentHash(rec record) string {
	b, err := json.Marshal(rec.canonical())
	if err != nil {
		// Marshal of our own domain structs cannot fail at runtime.
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
