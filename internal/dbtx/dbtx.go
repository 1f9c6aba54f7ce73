// Package dbtx lets the escrow manager run a ledger mutation and an escrow
// record transition as one unit of work.
//
// With PostgreSQL both stores share a *sql.DB, so the unit is a single SQL
// transaction carried in the context. With the in-memory stores the unit is
// serialized by the MemoryRunner and undone through compensations registered
// with OnRollback.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/charitycoin/coinescrow/internal/retry"
)

// Runner executes fn as one atomic unit. If fn returns an error, every effect
// made through the unit is discarded.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}
type journalKey struct{}

// Exec returns the SQL transaction carried by ctx, or db when there is none.
func Exec(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InSQLTx reports whether ctx carries an open SQL transaction.
func InSQLTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// SQLRunner runs units of work in PostgreSQL transactions. Serialization
// failures and deadlocks are retried with backoff; any other error is final.
type SQLRunner struct {
	db     *sql.DB
	policy retry.Policy
}

// NewSQLRunner creates a runner over db.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{
		db: db,
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
			Retryable:   IsSerializationFailure,
		},
	}
}

// InTx implements Runner. A nested call joins the outer transaction.
func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InSQLTx(ctx) {
		return fn(ctx)
	}

	return r.policy.Do(ctx, func() error {
		// Read committed is enough: contended rows are written by conditional
		// UPDATEs or read FOR UPDATE, so the retry mostly catches deadlocks.
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
			_ = tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// IsSerializationFailure reports whether err is a PostgreSQL serialization
// failure (40001) or deadlock (40P01).
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// IsCheckViolation reports whether err is a CHECK constraint violation (23514).
func IsCheckViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23514"
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation (23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// MemoryRunner serializes units of work against the in-memory stores and
// replays registered compensations, newest first, when a unit fails.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a runner for the in-memory stores.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

type journal struct {
	undo []func()
}

// InTx implements Runner. A nested call joins the outer unit.
func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(journalKey{}).(*journal); ok {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j := &journal{}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		return err
	}
	return nil
}

// OnRollback registers undo to run if the unit of work carried by ctx fails.
// It is a no-op outside a MemoryRunner unit.
func OnRollback(ctx context.Context, undo func()) {
	if j, ok := ctx.Value(journalKey{}).(*journal); ok {
		j.undo = append(j.undo, undo)
	}
}
