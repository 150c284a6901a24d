package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"rimborso/internal/core"
	"rimborso/internal/entity"
	"rimborso/internal/oplog"
	"rimborso/internal/wire"
)

// fakeIngestor scripts backend responses per call.
type fakeIngestor struct {
	mu      sync.Mutex
	batches []wire.BatchRequest
	respond func(batch wire.BatchRequest) (*wire.BatchResponse, error)
}

func (f *fakeIngestor) SendBatch(ctx context.Context, batch wire.BatchRequest) (*wire.BatchResponse, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	return f.respond(batch)
}

func (f *fakeIngestor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func ackAll(batch wire.BatchRequest) (*wire.BatchResponse, error) {
	var resp wire.BatchResponse
	for _, envs := range batch {
		for _, env := range envs {
			resp.Results = append(resp.Results, wire.Result{OpID: env.OpID, Status: wire.StatusApplied})
		}
	}
	return &resp, nil
}

func openTestLog(t *testing.T) *oplog.Log {
	t.Helper()
	l, err := oplog.Open(filepath.Join(t.TempDir(), "oplog.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func enqueueMileage(t *testing.T, l *oplog.Log, day int) string {
	t.Helper()
	id, err := l.Enqueue(context.Background(), "createMileageEntry", core.MileageEntry{
		EmployeeID: "emp-1",
		Date:       core.Date{Year: 2025, Month: 3, Day: day},
		CostCenter: "CC-100",
		Miles:      10,
		From:       "Office",
		To:         "Client",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestDispatchOnceAcksApplied(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: ackAll}
	d := New(l, ingestor, Config{})

	d.DispatchOnce(context.Background())

	op, err := l.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Status != oplog.StatusAcked {
		t.Errorf("expected acked, got %s", op.Status)
	}
	if ingestor.calls() != 1 {
		t.Errorf("expected 1 batch, got %d", ingestor.calls())
	}
}

func TestDispatchOnceBatchesByKind(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	enqueueMileage(t, l, 14)
	if _, err := l.Enqueue(ctx, "createReceipt", core.Receipt{
		EmployeeID:  "emp-1",
		Date:        core.Date{Year: 2025, Month: 3, Day: 14},
		CostCenter:  "CC-100",
		AmountCents: 500,
		Vendor:      "Cafe",
	}); err != nil {
		t.Fatalf("enqueue receipt: %v", err)
	}

	ingestor := &fakeIngestor{respond: ackAll}
	d := New(l, ingestor, Config{})
	d.DispatchOnce(ctx)

	if ingestor.calls() != 2 {
		t.Fatalf("expected one batch per kind, got %d", ingestor.calls())
	}
	for _, batch := range ingestor.batches {
		if len(batch) != 1 {
			t.Errorf("a batch must carry exactly one wire key, got %d", len(batch))
		}
		for key := range batch {
			if key != entity.WireMileageEntries && key != entity.WireReceipts {
				t.Errorf("unexpected wire key %q", key)
			}
		}
	}
}

func TestDispatchDuplicateIsAcked(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		return &wire.BatchResponse{Results: []wire.Result{{OpID: id, Status: wire.StatusDuplicate}}}, nil
	}}
	d := New(l, ingestor, Config{})

	d.DispatchOnce(context.Background())

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusAcked {
		t.Errorf("duplicate means already applied: expected acked, got %s", op.Status)
	}
}

func TestDispatchConflictFailsTerminally(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		return &wire.BatchResponse{Results: []wire.Result{{
			OpID:   id,
			Status: wire.StatusConflict,
			Error:  "content differs for natural key",
		}}}, nil
	}}
	d := New(l, ingestor, Config{})

	d.DispatchOnce(context.Background())

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusFailed {
		t.Fatalf("expected failed, got %s", op.Status)
	}
	if !strings.HasPrefix(op.LastError, "conflict:") {
		t.Errorf("conflicts must stay distinguishable from rejections, got %q", op.LastError)
	}

	// Terminal: never re-sent.
	d.DispatchOnce(context.Background())
	if ingestor.calls() != 1 {
		t.Errorf("failed op must not be re-dispatched, got %d calls", ingestor.calls())
	}
}

func TestDispatchTransientRetriesWithBackoff(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		return nil, core.Transientf("connection refused")
	}}
	d := New(l, ingestor, Config{BackoffBase: time.Hour})

	d.DispatchOnce(context.Background())

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusPending {
		t.Fatalf("expected pending after transient failure, got %s", op.Status)
	}
	if op.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", op.Attempts)
	}
	if !op.NextAttemptAt.After(time.Now().Add(30 * time.Minute)) {
		t.Errorf("expected a backoff deadline well in the future, got %v", op.NextAttemptAt)
	}

	// Backed off: the next cycle must not touch it.
	d.DispatchOnce(context.Background())
	if ingestor.calls() != 1 {
		t.Errorf("backed-off op re-dispatched: %d calls", ingestor.calls())
	}
}

func TestDispatchTerminalSendErrorFails(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		return nil, core.SchemaMismatchf("unknown wire key")
	}}
	d := New(l, ingestor, Config{})

	d.DispatchOnce(context.Background())

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusFailed {
		t.Errorf("schema mismatch is terminal: expected failed, got %s", op.Status)
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		return nil, core.Transientf("connection refused")
	}}
	// BackoffBase of -1 is replaced with the default; keep retries instantly
	// eligible instead via a tiny base.
	d := New(l, ingestor, Config{MaxAttempts: 3, BackoffBase: time.Nanosecond})

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		d.DispatchOnce(context.Background())
	}

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusFailed {
		t.Fatalf("expected failed after exhausted retries, got %s", op.Status)
	}
	if !strings.Contains(op.LastError, "not synced after 3 attempts") {
		t.Errorf("failure reason must name the attempt count, got %q", op.LastError)
	}
}

func TestDispatchMissingResultRetries(t *testing.T) {
	l := openTestLog(t)
	id := enqueueMileage(t, l, 14)
	ingestor := &fakeIngestor{respond: func(batch wire.BatchRequest) (*wire.BatchResponse, error) {
		// Backend reports nothing for the op: ambiguous, treated as timeout.
		return &wire.BatchResponse{}, nil
	}}
	d := New(l, ingestor, Config{BackoffBase: time.Hour})

	d.DispatchOnce(context.Background())

	op, _ := l.Get(context.Background(), id)
	if op.Status != oplog.StatusPending {
		t.Errorf("unreported op must be retried, got %s", op.Status)
	}
}

func TestStartStop(t *testing.T) {
	l := openTestLog(t)
	ingestor := &fakeIngestor{respond: ackAll}
	d := New(l, ingestor, Config{PollInterval: 50 * time.Millisecond})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.IsRunning() {
		t.Error("expected running after Start")
	}
	if err := d.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if d.IsRunning() {
		t.Error("expected stopped after Stop")
	}

	// Stop when not running is a no-op.
	if err := d.Stop(stopCtx); err != nil {
		t.Errorf("stop when stopped: %v", err)
	}
}

func TestStartRecoversStaleSent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	id := enqueueMileage(t, l, 14)
	if err := l.MarkSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	ingestor := &fakeIngestor{respond: ackAll}
	d := New(l, ingestor, Config{PollInterval: time.Hour})
	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		d.Stop(stopCtx)
	}()

	// The startup cycle should pick the recovered op up and ack it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		op, err := l.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if op.Status == oplog.StatusAcked {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stale sent operation was not recovered and acked")
}

func TestBackoffCapped(t *testing.T) {
	d := New(nil, nil, Config{BackoffBase: time.Second, BackoffMax: 10 * time.Second})
	if got := d.backoff(0); got != time.Second {
		t.Errorf("attempt 0: expected 1s, got %v", got)
	}
	if got := d.backoff(2); got != 4*time.Second {
		t.Errorf("attempt 2: expected 4s, got %v", got)
	}
	if got := d.backoff(10); got != 10*time.Second {
		t.Errorf("attempt 10: expected cap, got %v", got)
	}
	if got := d.backoff(63); got != 10*time.Second {
		t.Errorf("overflow must clamp to cap, got %v", got)
	}
}
