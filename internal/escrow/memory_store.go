package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charitycoin/coinescrow/internal/dbtx"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Writes register compensations with dbtx.OnRollback so a failed unit of
// work leaves records untouched.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return ErrConflict
	}
	m.txs[tx.ID] = clone(tx)

	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.txs, tx.ID)
	})
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return clone(tx), nil
}

func (m *MemoryStore) CompareAndTransition(ctx context.Context, id string, expected, next State, mutate func(*Transaction)) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if current.State != expected {
		return nil, ErrStateMismatch
	}

	updated := clone(current)
	if mutate != nil {
		mutate(updated)
	}
	restoreImmutable(updated, current)
	updated.State = next
	m.txs[id] = updated

	previous := current
	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.txs[id] = previous
	})
	return clone(updated), nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.State.IsOpen() && !tx.ExpiresAt.After(now) {
			result = append(result, clone(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerID string, filter ListFilter) ([]*Transaction, error) {
	return m.list(func(tx *Transaction) bool { return tx.BuyerID == buyerID }, filter), nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentID string, filter ListFilter) ([]*Transaction, error) {
	return m.list(func(tx *Transaction) bool { return tx.AgentID == agentID }, filter), nil
}

func (m *MemoryStore) SumOpenByAgent(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	for _, tx := range m.txs {
		if tx.State.IsOpen() {
			sums[tx.AgentID] += tx.Quantity
		}
	}
	return sums, nil
}

func (m *MemoryStore) CountOpenByBuyer(ctx context.Context, buyerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, tx := range m.txs {
		if tx.BuyerID == buyerID && tx.State.IsOpen() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) list(match func(*Transaction) bool, filter ListFilter) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if !match(tx) || !stateIn(tx.State, filter.States) {
			continue
		}
		if !filter.Cursor.Admits(tx.CreatedAt, tx.ID) {
			continue
		}
		result = append(result, clone(tx))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func stateIn(s State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers never share pointers with the store.
func clone(tx *Transaction) *Transaction {
	cp := *tx
	if tx.CompletedAt != nil {
		t := *tx.CompletedAt
		cp.CompletedAt = &t
	}
	if tx.ResolvedAt != nil {
		t := *tx.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// restoreImmutable puts back every field a transition may not change.
func restoreImmutable(dst, src *Transaction) {
	dst.ID = src.ID
	dst.BuyerID = src.BuyerID
	dst.AgentID = src.AgentID
	dst.Quantity = src.Quantity
	dst.PricePerCoinSnapshot = src.PricePerCoinSnapshot
	dst.TotalPrice = src.TotalPrice
	dst.BonusCoins = src.BonusCoins
	dst.CreatedAt = src.CreatedAt
	dst.ExpiresAt = src.ExpiresAt
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
