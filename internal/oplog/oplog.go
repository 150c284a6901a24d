// Package oplog is the client's durable operation log: an append-only,
// SQLite-backed queue of pending mutations. Enqueue is synchronous and
// durable; an app restart between enqueue and the next dispatch cycle loses
// nothing. Operations against the same natural key leave the log in enqueue
// order; different keys may be reordered freely.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"rimborso/internal/core"
	"rimborso/internal/entity"
)

// Operation statuses. Only the dispatcher moves an operation past pending.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
)

// Record is any domain record that can be enqueued: it knows its natural key
// and can validate itself before hitting the wire.
type Record interface {
	NaturalKey() string
	Validate() error
}

// Operation is one persisted queue entry.
type Operation struct {
	ID            string
	Kind          entity.Kind
	Op            entity.OpType
	NaturalKey    string
	Payload       json.RawMessage
	Attempts      int
	Status        string
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

// Stats summarizes the queue so the client can answer "is this record saved
// to the server?" truthfully.
type Stats struct {
	Pending int64
	Sent    int64
	Acked   int64
	Failed  int64
}

// Log is the SQLite-backed operation log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the operation log at dbPath and runs its
// migrations.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Log{db: db}, nil
}

func (l *Log) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Enqueue normalizes the intent, validates the record and durably appends an
// operation. It returns the operation id once the row is committed.
func (l *Log) Enqueue(ctx context.Context, intent string, rec Record) (string, error) {
	kind, op, err := entity.Normalize(intent)
	if err != nil {
		return "", err
	}
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %s", core.ErrValidation, err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO operations (id, entity_kind, op_type, natural_key, payload, status, created_at_ms, next_attempt_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind.String(), string(op), rec.NaturalKey(), string(payload), StatusPending, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue operation: %w", err)
	}

	slog.DebugContext(ctx, "Operation enqueued",
		"id", id,
		"kind", kind.String(),
		"op", string(op),
		"natural_key", rec.NaturalKey())

	return id, nil
}

// PeekBatch returns up to max dispatchable operations of the given kind,
// oldest first. At most one operation per natural key is returned, and keys
// with an operation already in flight are skipped entirely, so the backend
// sees each key as a single ordered stream.
func (l *Log) PeekBatch(ctx context.Context, kind entity.Kind, max int) ([]Operation, error) {
	now := time.Now().UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT o.id, o.entity_kind, o.op_type, o.natural_key, o.payload,
		       o.attempts, o.status, o.last_error, o.created_at_ms, o.next_attempt_ms
		FROM operations o
		WHERE o.status = 'pending'
		  AND o.entity_kind = ?
		  AND o.next_attempt_ms <= ?
		  AND NOT EXISTS (
		      SELECT 1 FROM operations s
		      WHERE s.natural_key = o.natural_key AND s.status = 'sent')
		  AND o.rowid = (
		      SELECT MIN(p.rowid) FROM operations p
		      WHERE p.natural_key = o.natural_key AND p.status = 'pending')
		ORDER BY o.rowid
		LIMIT ?`,
		kind.String(), now, max)
	if err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkSent flags operations as in flight.
func (l *Log) MarkSent(ctx context.Context, ids ...string) error {
	return l.setStatus(ctx, StatusSent, "", ids...)
}

// MarkAcked flags an operation as durably applied by the backend.
func (l *Log) MarkAcked(ctx context.Context, id string) error {
	return l.setStatus(ctx, StatusAcked, "", id)
}

// MarkFailed terminally fails an operation. The reason is kept so the client
// can distinguish a validation rejection from exhausted retries.
func (l *Log) MarkFailed(ctx context.Context, id, reason string) error {
	return l.setStatus(ctx, StatusFailed, reason, id)
}

// MarkRetry returns an operation to pending, recording the failed attempt
// and the backoff deadline before it may be sent again.
func (l *Log) MarkRetry(ctx context.Context, id, reason string, nextAttempt time.Time) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE operations
		SET status = 'pending', attempts = attempts + 1, last_error = ?, next_attempt_ms = ?
		WHERE id = ?`,
		reason, nextAttempt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return requireOneRow(res, id)
}

// ResetStaleSent returns operations stuck in sent (a crash mid-dispatch) to
// pending. An ambiguous in-flight batch is assumed not applied; the
// idempotent upsert on the backend makes the re-send safe.
func (l *Log) ResetStaleSent(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE operations SET status = 'pending' WHERE status = 'sent'`)
	if err != nil {
		return 0, fmt.Errorf("reset stale sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.InfoContext(ctx, "Reset stale in-flight operations", "count", n)
	}
	return n, nil
}

// Get returns a single operation by id.
func (l *Log) Get(ctx context.Context, id string) (*Operation, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, entity_kind, op_type, natural_key, payload,
		       attempts, status, last_error, created_at_ms, next_attempt_ms
		FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: operation %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Stats counts operations per status.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM operations GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case StatusPending:
			s.Pending = n
		case StatusSent:
			s.Sent = n
		case StatusAcked:
			s.Acked = n
		case StatusFailed:
			s.Failed = n
		}
	}
	return s, rows.Err()
}

// CleanupAcked removes acked operations older than the cutoff.
func (l *Log) CleanupAcked(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM operations WHERE status = 'acked' AND created_at_ms < ?`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup acked: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *Log) setStatus(ctx context.Context, status, reason string, ids ...string) error {
	for _, id := range ids {
		res, err := l.db.ExecContext(ctx,
			`UPDATE operations SET status = ?, last_error = ? WHERE id = ?`,
			status, reason, id)
		if err != nil {
			return fmt.Errorf("mark %s: %w", status, err)
		}
		if err := requireOneRow(res, id); err != nil {
			return err
		}
	}
	return nil
}

func requireOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: operation %s", core.ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (Operation, error) {
	var (
		op                   Operation
		kindName, opType     string
		payload              string
		createdMs, attemptMs int64
	)
	err := s.Scan(&op.ID, &kindName, &opType, &op.NaturalKey, &payload,
		&op.Attempts, &op.Status, &op.LastError, &createdMs, &attemptMs)
	if err != nil {
		return Operation{}, err
	}
	kind, err := entity.ParseKind(kindName)
	if err != nil {
		return Operation{}, err
	}
	op.Kind = kind
	op.Op = entity.OpType(opType)
	op.Payload = json.RawMessage(payload)
	op.CreatedAt = time.UnixMilli(createdMs)
	op.NextAttemptAt = time.UnixMilli(attemptMs)
	return op, nil
}
