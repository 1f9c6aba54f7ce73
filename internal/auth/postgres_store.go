package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, key_hash, identity_id, name, created_at, last_used, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, identity_id, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.IdentityID, key.Name, key.CreatedAt, key.Revoked)
	return err
}

// GetByHash retrieves an unrevoked API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE key_hash = $1 AND revoked = FALSE
	`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// ListByIdentity retrieves all API keys for an identity, newest first
func (p *PostgresStore) ListByIdentity(ctx context.Context, identityID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE identity_id = $1 ORDER BY created_at DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update writes last-used and revocation. Revocation is sticky.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $1, revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var name sql.NullString
	var lastUsed sql.NullTime
	if err := s.Scan(&key.ID, &key.Hash, &key.IdentityID, &name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	key.Name = name.String
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}
