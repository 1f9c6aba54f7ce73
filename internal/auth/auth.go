// Package auth maps API keys to platform identities.
//
// Authentication model:
//   - Marketplace reads (agent listing, offers) need no key
//   - Purchase operations need a key; the key's identity is the actor
//   - Per-identity resources (/buyers/:id, /agents/:id, /identities/:id) need
//     a key owned by :id
//   - Operator routes need the X-Admin-Secret header
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charitycoin/coinescrow/internal/idgen"
	"github.com/charitycoin/coinescrow/internal/validation"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or revoked API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix marks raw keys issued by this service.
const KeyPrefix = "ck_"

// APIKey is the stored half of an issued key. The raw key is never stored.
type APIKey struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"`
	IdentityID string     `json:"identityId"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByIdentity(ctx context.Context, identityID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
}

// Manager handles authentication
type Manager struct {
	store Store
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for identityID.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, identityID, name string) (rawKey string, key *APIKey, err error) {
	rawKey = KeyPrefix + idgen.Hex(32)
	key = &APIKey{
		ID:         idgen.WithPrefix("ak_"),
		Hash:       hashKey(rawKey),
		IdentityID: validation.SanitizeIdentity(identityID),
		Name:       name,
		CreatedAt:  time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a raw key (optionally "Bearer "-prefixed) to its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = strings.TrimSpace(strings.TrimPrefix(rawKey, "Bearer "))
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil || key.Revoked {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is advisory; the request does not wait for it.
	touched := *key
	now := time.Now()
	touched.LastUsed = &now
	go func() {
		_ = m.store.Update(context.WithoutCancel(ctx), &touched)
	}()

	return key, nil
}

// ListKeys returns all keys for an identity
func (m *Manager) ListKeys(ctx context.Context, identityID string) ([]*APIKey, error) {
	return m.store.ListByIdentity(ctx, validation.SanitizeIdentity(identityID))
}

// RevokeKey revokes one of identityID's keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, identityID string) error {
	keys, err := m.ListKeys(ctx, identityID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID && !k.Revoked {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) ListByIdentity(ctx context.Context, identityID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.IdentityID == identityID {
			cp := *k
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Update persists LastUsed and Revoked. A revocation is never undone by a
// late last-used write.
func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.keys[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	cur.LastUsed = key.LastUsed
	cur.Revoked = cur.Revoked || key.Revoked
	return nil
}
