// Package dispatch drains the local operation log on a fixed interval and
// delivers batches to the backend. It is the only component that moves an
// operation past pending: acked on explicit backend confirmation, failed on
// terminal rejection or exhausted retries, otherwise retried with
// exponential backoff.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rimborso/internal/core"
	"rimborso/internal/entity"
	"rimborso/internal/oplog"
	"rimborso/internal/wire"
)

// Ingestor delivers one batch to the backend.
type Ingestor interface {
	SendBatch(ctx context.Context, batch wire.BatchRequest) (*wire.BatchResponse, error)
}

// Config holds dispatcher tuning.
type Config struct {
	// PollInterval is how often the log is drained (default: 10s).
	PollInterval time.Duration

	// BatchSize is the max operations per entity kind per cycle (default: 25).
	BatchSize int

	// MaxAttempts bounds transient retries before an operation is marked
	// failed and surfaced as "not synced" (default: 5).
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt up to
	// BackoffMax (defaults: 5s, 5m).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// CleanupInterval / CleanupAge control pruning of old acked operations
	// (defaults: 1h, 24h).
	CleanupInterval time.Duration
	CleanupAge      time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		BatchSize:       25,
		MaxAttempts:     5,
		BackoffBase:     5 * time.Second,
		BackoffMax:      5 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		CleanupAge:      24 * time.Hour,
	}
}

// Dispatcher owns the timer-driven dispatch loop.
type Dispatcher struct {
	log      *oplog.Log
	ingestor Ingestor
	config   Config

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func New(log *oplog.Log, ingestor Ingestor, config Config) *Dispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultConfig().BackoffBase
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = DefaultConfig().BackoffMax
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	if config.CleanupAge <= 0 {
		config.CleanupAge = DefaultConfig().CleanupAge
	}
	return &Dispatcher{log: log, ingestor: ingestor, config: config}
}

// Start begins the dispatch loop. Returns an error if already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	// Operations stuck in sent from a previous crash are assumed not
	// applied; return them to pending and rely on upsert idempotence.
	if _, err := d.log.ResetStaleSent(ctx); err != nil {
		slog.WarnContext(ctx, "Failed to reset stale in-flight operations", "error", err)
	}

	go d.runLoop(ctx)

	slog.InfoContext(ctx, "Sync dispatcher started",
		"poll_interval", d.config.PollInterval,
		"batch_size", d.config.BatchSize,
		"max_attempts", d.config.MaxAttempts)

	return nil
}

// Stop gracefully stops the dispatcher and waits for the loop to exit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	close(d.stopCh)

	select {
	case <-d.doneCh:
		slog.InfoContext(ctx, "Sync dispatcher stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Sync dispatcher stop timed out")
		return ctx.Err()
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	return nil
}

// IsRunning reports whether the loop is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats exposes queue counts for the client UI.
func (d *Dispatcher) Stats(ctx context.Context) (oplog.Stats, error) {
	return d.log.Stats(ctx)
}

func (d *Dispatcher) runLoop(ctx context.Context) {
	defer close(d.doneCh)

	pollTicker := time.NewTicker(d.config.PollInterval)
	defer pollTicker.Stop()

	cleanupTicker := time.NewTicker(d.config.CleanupInterval)
	defer cleanupTicker.Stop()

	// Dispatch immediately on startup
	d.DispatchOnce(ctx)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			d.DispatchOnce(ctx)
		case <-cleanupTicker.C:
			d.cleanup(ctx)
		}
	}
}

// DispatchOnce runs a single drain cycle: one batch per entity kind, sent
// concurrently. Batches for different kinds may be in flight at the same
// time; ordering per natural key is preserved because the log never hands
// out a key with an operation already in flight.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range entity.Kinds() {
		g.Go(func() error {
			d.dispatchKind(gctx, kind)
			return nil
		})
	}
	// Send failures are absorbed per kind; the group only propagates
	// context cancellation.
	_ = g.Wait()
}

func (d *Dispatcher) dispatchKind(ctx context.Context, kind entity.Kind) {
	ops, err := d.log.PeekBatch(ctx, kind, d.config.BatchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to peek batch", "kind", kind.String(), "error", err)
		return
	}
	if len(ops) == 0 {
		return
	}

	envelopes := make([]wire.OperationEnvelope, len(ops))
	ids := make([]string, len(ops))
	byID := make(map[string]oplog.Operation, len(ops))
	for i, op := range ops {
		envelopes[i] = wire.OperationEnvelope{
			OpID:   op.ID,
			OpType: string(op.Op),
			Record: op.Payload,
		}
		ids[i] = op.ID
		byID[op.ID] = op
	}

	if err := d.log.MarkSent(ctx, ids...); err != nil {
		slog.ErrorContext(ctx, "Failed to mark operations sent", "kind", kind.String(), "error", err)
		return
	}

	slog.DebugContext(ctx, "Dispatching batch", "kind", kind.String(), "count", len(ops))

	resp, err := d.ingestor.SendBatch(ctx, wire.BatchRequest{kind.WireKey(): envelopes})
	if err != nil {
		d.handleBatchFailure(ctx, ops, err)
		return
	}

	for _, res := range resp.Results {
		op, ok := byID[res.OpID]
		if !ok {
			slog.WarnContext(ctx, "Backend acked unknown operation", "op_id", res.OpID)
			continue
		}
		d.applyResult(ctx, op, res)
		delete(byID, res.OpID)
	}

	// Operations the backend did not report on are treated like a timeout:
	// not applied, eligible for re-send.
	for _, op := range byID {
		d.retryOrFail(ctx, op, core.Transientf("no result for operation"))
	}
}

func (d *Dispatcher) applyResult(ctx context.Context, op oplog.Operation, res wire.Result) {
	switch res.Status {
	case wire.StatusApplied, wire.StatusDuplicate:
		if err := d.log.MarkAcked(ctx, op.ID); err != nil {
			slog.ErrorContext(ctx, "Failed to mark operation acked", "id", op.ID, "error", err)
		}
	case wire.StatusConflict:
		// Terminal and distinct from a validation rejection: the record
		// needs manual reconciliation, not a fix-and-retry.
		d.fail(ctx, op, "conflict: "+res.Error)
	case wire.StatusRejected:
		d.fail(ctx, op, "rejected: "+res.Error)
	default:
		d.retryOrFail(ctx, op, core.Transientf("unknown result status %q", res.Status))
	}
}

func (d *Dispatcher) handleBatchFailure(ctx context.Context, ops []oplog.Operation, sendErr error) {
	slog.WarnContext(ctx, "Batch send failed",
		"count", len(ops),
		"transient", errors.Is(sendErr, core.ErrTransient),
		"error", sendErr)

	for _, op := range ops {
		if core.IsTerminal(sendErr) {
			d.fail(ctx, op, sendErr.Error())
			continue
		}
		d.retryOrFail(ctx, op, sendErr)
	}
}

// retryOrFail schedules a transient retry with exponential backoff, or marks
// the operation failed once attempts are exhausted. Exhausted operations are
// never silently dropped; they stay queryable as "not synced".
func (d *Dispatcher) retryOrFail(ctx context.Context, op oplog.Operation, cause error) {
	if op.Attempts+1 >= d.config.MaxAttempts {
		d.fail(ctx, op, fmt.Sprintf("not synced after %d attempts: %v", op.Attempts+1, cause))
		return
	}

	delay := d.backoff(op.Attempts)
	if err := d.log.MarkRetry(ctx, op.ID, cause.Error(), time.Now().Add(delay)); err != nil {
		slog.ErrorContext(ctx, "Failed to schedule retry", "id", op.ID, "error", err)
		return
	}
	slog.DebugContext(ctx, "Operation scheduled for retry",
		"id", op.ID,
		"attempt", op.Attempts+1,
		"delay", delay)
}

func (d *Dispatcher) fail(ctx context.Context, op oplog.Operation, reason string) {
	if err := d.log.MarkFailed(ctx, op.ID, reason); err != nil {
		slog.ErrorContext(ctx, "Failed to mark operation failed", "id", op.ID, "error", err)
		return
	}
	slog.ErrorContext(ctx, "Operation failed permanently",
		"id", op.ID,
		"kind", op.Kind.String(),
		"natural_key", op.NaturalKey,
		"reason", reason)
}

func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.config.BackoffBase << uint(attempts)
	if delay <= 0 || delay > d.config.BackoffMax {
		return d.config.BackoffMax
	}
	return delay
}

func (d *Dispatcher) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-d.config.CleanupAge)
	if _, err := d.log.CleanupAcked(ctx, cutoff); err != nil {
		slog.ErrorContext(ctx, "Failed to clean up acked operations", "error", err)
	}
}
