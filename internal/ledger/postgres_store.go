package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/charitycoin/coinescrow/internal/dbtx"
	"github.com/charitycoin/coinescrow/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Balance mutations are single
// conditional UPDATE statements, so the row lock taken by the UPDATE is what
// serializes concurrent TryLock/Release/Finalize calls for the same agent.
// CHECK constraints (0 <= locked_balance <= total_balance) back this up.
type PostgresStore struct {
	db     *sql.DB
	runner *dbtx.SQLRunner
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, runner: dbtx.NewSQLRunner(db)}
}

const offerColumns = `agent_id, total_balance, locked_balance, price_per_coin, verified, active, created_at, updated_at`

func (p *PostgresStore) CreateOffer(ctx context.Context, o *Offer) error {
	_, err := dbtx.Exec(ctx, p.db).ExecContext(ctx, `
		INSERT INTO agent_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		o.AgentID, o.TotalBalance, o.LockedBalance, o.PricePerCoin,
		o.Verified, o.Active, o.CreatedAt, o.UpdatedAt,
	)
	if dbtx.IsUniqueViolation(err) {
		return ErrOfferExists
	}
	return err
}

func (p *PostgresStore) GetOffer(ctx context.Context, agentID string) (*Offer, error) {
	row := dbtx.Exec(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM agent_offers WHERE agent_id = $1`, agentID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOffers(ctx context.Context, sellableOnly bool, limit int) ([]*Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM agent_offers`
	if sellableOnly {
		query += ` WHERE active AND verified`
	}
	query += ` ORDER BY agent_id LIMIT $1`

	rows, err := dbtx.Exec(ctx, p.db).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) TryLock(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	return p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		res, err := ex.ExecContext(ctx, `
			UPDATE agent_offers SET
				locked_balance = locked_balance + $2,
				updated_at     = NOW()
			WHERE agent_id = $1
			  AND active
			  AND total_balance - locked_balance >= $2`,
			agentID, quantity)
		if err != nil {
			return fmt.Errorf("failed to lock coins: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return p.explainNoRows(ctx, ex, agentID)
		}
		return insertEntry(ctx, ex, agentID, EntryLock, quantity, "", reference)
	})
}

func (p *PostgresStore) Release(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	return p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		res, err := ex.ExecContext(ctx, `
			UPDATE agent_offers SET
				locked_balance = locked_balance - $2,
				updated_at     = NOW()
			WHERE agent_id = $1
			  AND locked_balance >= $2`,
			agentID, quantity)
		if err != nil {
			return fmt.Errorf("failed to release coins: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := p.GetOffer(ctx, agentID); err != nil {
				return err
			}
			return ErrLockUnderflow
		}
		return insertEntry(ctx, ex, agentID, EntryRelease, quantity, "", reference)
	})
}

func (p *PostgresStore) Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error {
	if quantity <= 0 || bonus < 0 {
		return ErrInvalidQuantity
	}
	return p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		res, err := ex.ExecContext(ctx, `
			UPDATE agent_offers SET
				total_balance  = total_balance  - $2,
				locked_balance = locked_balance - $2,
				updated_at     = NOW()
			WHERE agent_id = $1
			  AND locked_balance >= $2`,
			agentID, quantity)
		if err != nil {
			return fmt.Errorf("failed to finalize agent inventory: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := p.GetOffer(ctx, agentID); err != nil {
				return err
			}
			return ErrLockUnderflow
		}

		_, err = ex.ExecContext(ctx, `
			INSERT INTO buyer_balances (buyer_id, balance, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (buyer_id) DO UPDATE SET
				balance    = buyer_balances.balance + $2,
				updated_at = NOW()`,
			buyerID, quantity+bonus)
		if err != nil {
			return fmt.Errorf("failed to credit buyer: %w", err)
		}

		if err := insertEntry(ctx, ex, agentID, EntryFinalize, quantity, buyerID, reference); err != nil {
			return err
		}
		if err := insertEntry(ctx, ex, buyerID, EntryCredit, quantity, agentID, reference); err != nil {
			return err
		}
		if bonus == 0 {
			return nil
		}

		if _, err := ex.ExecContext(ctx,
			`UPDATE platform_pool SET bonus_issued = bonus_issued + $1 WHERE id = 1`, bonus); err != nil {
			return fmt.Errorf("failed to debit bonus pool: %w", err)
		}
		return insertEntry(ctx, ex, buyerID, EntryBonus, bonus, "platform", reference)
	})
}

func (p *PostgresStore) Deposit(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	return p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		res, err := ex.ExecContext(ctx, `
			UPDATE agent_offers SET
				total_balance = total_balance + $2,
				updated_at    = NOW()
			WHERE agent_id = $1`,
			agentID, quantity)
		if err != nil {
			return fmt.Errorf("failed to deposit coins: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOfferNotFound
		}
		return insertEntry(ctx, ex, agentID, EntryDeposit, quantity, "", reference)
	})
}

func (p *PostgresStore) Withdraw(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	return p.runner.InTx(ctx, func(ctx context.Context) error {
		ex := dbtx.Exec(ctx, p.db)
		res, err := ex.ExecContext(ctx, `
			UPDATE agent_offers SET
				total_balance = total_balance - $2,
				updated_at    = NOW()
			WHERE agent_id = $1
			  AND total_balance - locked_balance >= $2`,
			agentID, quantity)
		if err != nil {
			return fmt.Errorf("failed to withdraw coins: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := p.GetOffer(ctx, agentID); err != nil {
				return err
			}
			return ErrInsufficientBalance
		}
		return insertEntry(ctx, ex, agentID, EntryWithdraw, quantity, "", reference)
	})
}

func (p *PostgresStore) SetPrice(ctx context.Context, agentID string, price decimal.Decimal) error {
	return p.updateOffer(ctx, `price_per_coin = $2`, agentID, price)
}

func (p *PostgresStore) SetVerified(ctx context.Context, agentID string, verified bool) error {
	return p.updateOffer(ctx, `verified = $2`, agentID, verified)
}

func (p *PostgresStore) Deactivate(ctx context.Context, agentID string) error {
	return p.updateOffer(ctx, `active = $2`, agentID, false)
}

func (p *PostgresStore) GetBuyerBalance(ctx context.Context, buyerID string) (*BuyerBalance, error) {
	b := &BuyerBalance{BuyerID: buyerID}
	err := dbtx.Exec(ctx, p.db).QueryRowContext(ctx,
		`SELECT balance, updated_at FROM buyer_balances WHERE buyer_id = $1`, buyerID,
	).Scan(&b.Balance, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := dbtx.Exec(ctx, p.db).QueryContext(ctx, `
		SELECT id, account_id, type, quantity, COALESCE(counterparty, ''), COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Quantity, &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) BonusIssued(ctx context.Context) (int64, error) {
	var issued int64
	err := dbtx.Exec(ctx, p.db).QueryRowContext(ctx,
		`SELECT bonus_issued FROM platform_pool WHERE id = 1`).Scan(&issued)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return issued, err
}

func (p *PostgresStore) updateOffer(ctx context.Context, set, agentID string, value any) error {
	res, err := dbtx.Exec(ctx, p.db).ExecContext(ctx,
		`UPDATE agent_offers SET `+set+`, updated_at = NOW() WHERE agent_id = $1`, agentID, value) // #nosec G202 -- set is a constant from this file
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOfferNotFound
	}
	return nil
}

// explainNoRows works out why a conditional lock UPDATE matched nothing.
func (p *PostgresStore) explainNoRows(ctx context.Context, ex dbtx.Executor, agentID string) error {
	var active bool
	err := ex.QueryRowContext(ctx, `SELECT active FROM agent_offers WHERE agent_id = $1`, agentID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOfferNotFound
	}
	if err != nil {
		return err
	}
	if !active {
		return ErrOfferInactive
	}
	return ErrInsufficientBalance
}

func insertEntry(ctx context.Context, ex dbtx.Executor, accountID, typ string, quantity int64, counterparty, reference string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, quantity, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		idgen.New(), accountID, typ, quantity, nullString(counterparty), nullString(reference))
	if err != nil {
		return fmt.Errorf("failed to record %s entry: %w", typ, err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOffer(s scanner) (*Offer, error) {
	o := &Offer{}
	err := s.Scan(&o.AgentID, &o.TotalBalance, &o.LockedBalance, &o.PricePerCoin,
		&o.Verified, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
