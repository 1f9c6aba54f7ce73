package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/charitycoin/coinescrow/internal/dbtx"
)

// PostgresStore persists escrow transactions in PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	runner *dbtx.SQLRunner
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, runner: dbtx.NewSQLRunner(db)}
}

const txColumns = `id, buyer_id, agent_id, quantity, price_per_coin_snapshot, total_price,
		       bonus_coins, state, payment_method, cancelled_by,
		       created_at, updated_at, expires_at, completed_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := dbtx.Exec(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.BuyerID, t.AgentID, t.Quantity, t.PricePerCoinSnapshot, t.TotalPrice,
		t.BonusCoins, string(t.State), nullString(string(t.PaymentMethod)), nullString(t.CancelledBy),
		t.CreatedAt, t.UpdatedAt, t.ExpiresAt, nullTime(t.CompletedAt), nullTime(t.ResolvedAt),
	)
	if dbtx.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := dbtx.Exec(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// CompareAndTransition locks the row, checks the expected state and writes
// the transition. Under READ COMMITTED the FOR UPDATE read returns the latest
// committed version, so two racing transitions cannot both see expected.
func (p *PostgresStore) CompareAndTransition(ctx context.Context, id string, expected, next State, mutate func(*Transaction)) (*Transaction, error) {
	var result *Transaction
	err := p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		current, err := scanTransaction(ex.QueryRowContext(ctx,
			`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if current.State != expected {
			return ErrStateMismatch
		}

		updated := clone(current)
		if mutate != nil {
			mutate(updated)
		}
		restoreImmutable(updated, current)
		updated.State = next

		res, err := ex.ExecContext(ctx, `
			UPDATE escrow_transactions SET
				state          = $3,
				payment_method = $4,
				cancelled_by   = $5,
				updated_at     = $6,
				completed_at   = $7,
				resolved_at    = $8
			WHERE id = $1 AND state = $2`,
			id, string(expected), string(next),
			nullString(string(updated.PaymentMethod)), nullString(updated.CancelledBy),
			updated.UpdatedAt, nullTime(updated.CompletedAt), nullTime(updated.ResolvedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to transition %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStateMismatch
		}
		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	rows, err := dbtx.Exec(ctx, p.db).QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE state IN ('requested', 'payment_confirmed')
		  AND expires_at <= $1
		ORDER BY expires_at ASC, id ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerID string, filter ListFilter) ([]*Transaction, error) {
	return p.list(ctx, "buyer_id", buyerID, filter)
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentID string, filter ListFilter) ([]*Transaction, error) {
	return p.list(ctx, "agent_id", agentID, filter)
}

func (p *PostgresStore) SumOpenByAgent(ctx context.Context) (map[string]int64, error) {
	rows, err := dbtx.Exec(ctx, p.db).QueryContext(ctx, `
		SELECT agent_id, COALESCE(SUM(quantity), 0)
		FROM escrow_transactions
		WHERE state IN ('requested', 'payment_confirmed')
		GROUP BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	sums := make(map[string]int64)
	for rows.Next() {
		var agentID string
		var total int64
		if err := rows.Scan(&agentID, &total); err != nil {
			return nil, err
		}
		sums[agentID] = total
	}
	return sums, rows.Err()
}

func (p *PostgresStore) CountOpenByBuyer(ctx context.Context, buyerID string) (int, error) {
	var n int
	err := dbtx.Exec(ctx, p.db).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_transactions
		WHERE buyer_id = $1 AND state IN ('requested', 'payment_confirmed')`, buyerID,
	).Scan(&n)
	return n, err
}

// list builds a keyset-paginated, newest-first listing. column is one of
// the two constants passed by ListByBuyer and ListByAgent.
func (p *PostgresStore) list(ctx context.Context, column, id string, filter ListFilter) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM escrow_transactions WHERE ` + column + ` = $1` // #nosec G202 -- column is a constant
	args := []any{id}

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = string(s)
		}
		args = append(args, pq.Array(states))
		query += fmt.Sprintf(` AND state = ANY($%d)`, len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := dbtx.Exec(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		state         string
		paymentMethod sql.NullString
		cancelledBy   sql.NullString
		completedAt   sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &t.AgentID, &t.Quantity, &t.PricePerCoinSnapshot, &t.TotalPrice,
		&t.BonusCoins, &state, &paymentMethod, &cancelledBy,
		&t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt, &completedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = State(state)
	t.PaymentMethod = PaymentMethod(paymentMethod.String)
	t.CancelledBy = cancelledBy.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
