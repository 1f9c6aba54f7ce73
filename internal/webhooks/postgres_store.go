package webhooks

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/charitycoin/coinescrow/internal/escrow"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, identity_id, url, secret, events, active, created_at,
		       last_success, last_error, consecutive_fails`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, identity_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.IdentityID, sub.URL, sub.Secret, pq.Array(eventStrings(sub.Events)), sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByIdentity(ctx context.Context, identityID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+`
		FROM webhook_subscriptions WHERE identity_id = $1 ORDER BY created_at DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			active            = $1,
			last_success      = $2,
			last_error        = $3,
			consecutive_fails = $4
		WHERE id = $5
	`, sub.Active, sub.LastSuccess, sql.NullString{String: sub.LastError, Valid: sub.LastError != ""}, sub.ConsecutiveFails, sub.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var events []string
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := s.Scan(
		&sub.ID, &sub.IdentityID, &sub.URL, &sub.Secret, pq.Array(&events),
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFails,
	); err != nil {
		return nil, err
	}

	sub.Events = make([]escrow.EventType, 0, len(events))
	for _, e := range events {
		sub.Events = append(sub.Events, escrow.EventType(e))
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func eventStrings(events []escrow.EventType) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}
	return out
}
