package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charitycoin/coinescrow/internal/dbtx"
	"github.com/charitycoin/coinescrow/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// Mutations register compensations with dbtx.OnRollback so a failed unit of
// work leaves balances untouched.
type MemoryStore struct {
	offers      map[string]*Offer
	buyers      map[string]*BuyerBalance
	entries     []*Entry
	bonusIssued int64
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:  make(map[string]*Offer),
		buyers:  make(map[string]*BuyerBalance),
		entries: make([]*Entry, 0),
	}
}

func (m *MemoryStore) CreateOffer(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.offers[offer.AgentID]; ok {
		return ErrOfferExists
	}
	cp := *offer
	m.offers[offer.AgentID] = &cp
	return nil
}

func (m *MemoryStore) GetOffer(ctx context.Context, agentID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	cp := *offer
	return &cp, nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, sellableOnly bool, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Offer, 0, len(m.offers))
	for _, o := range m.offers {
		if sellableOnly && !o.Sellable() {
			continue
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) TryLock(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	if !offer.Active {
		return ErrOfferInactive
	}
	if offer.Available() < quantity {
		return ErrInsufficientBalance
	}

	offer.LockedBalance += quantity
	offer.UpdatedAt = time.Now()
	undoEntry := m.appendEntry(agentID, EntryLock, quantity, "", reference)

	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		offer.LockedBalance -= quantity
		undoEntry()
	})
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.LockedBalance < quantity {
		return ErrLockUnderflow
	}

	offer.LockedBalance -= quantity
	offer.UpdatedAt = time.Now()
	undoEntry := m.appendEntry(agentID, EntryRelease, quantity, "", reference)

	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		offer.LockedBalance += quantity
		undoEntry()
	})
	return nil
}

func (m *MemoryStore) Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error {
	if quantity <= 0 || bonus < 0 {
		return ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.LockedBalance < quantity || offer.TotalBalance < quantity {
		return ErrLockUnderflow
	}

	now := time.Now()
	offer.TotalBalance -= quantity
	offer.LockedBalance -= quantity
	offer.UpdatedAt = now

	buyer, ok := m.buyers[buyerID]
	if !ok {
		buyer = &BuyerBalance{BuyerID: buyerID}
		m.buyers[buyerID] = buyer
	}
	buyer.Balance += quantity + bonus
	buyer.UpdatedAt = now
	m.bonusIssued += bonus

	undoFinalize := m.appendEntry(agentID, EntryFinalize, quantity, buyerID, reference)
	undoCredit := m.appendEntry(buyerID, EntryCredit, quantity, agentID, reference)
	undoBonus := func() {}
	if bonus > 0 {
		undoBonus = m.appendEntry(buyerID, EntryBonus, bonus, "platform", reference)
	}

	dbtx.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		offer.TotalBalance += quantity
		offer.LockedBalance += quantity
		buyer.Balance -= quantity + bonus
		m.bonusIssued -= bonus
		undoBonus()
		undoCredit()
		undoFinalize()
	})
	return nil
}

func (m *MemoryStore) Deposit(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	offer.TotalBalance += quantity
	offer.UpdatedAt = time.Now()
	m.appendEntry(agentID, EntryDeposit, quantity, "", reference)
	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, agentID string, quantity int64, reference string) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.Available() < quantity {
		return ErrInsufficientBalance
	}
	offer.TotalBalance -= quantity
	offer.UpdatedAt = time.Now()
	m.appendEntry(agentID, EntryWithdraw, quantity, "", reference)
	return nil
}

func (m *MemoryStore) SetPrice(ctx context.Context, agentID string, price decimal.Decimal) error {
	return m.mutateOffer(agentID, func(o *Offer) { o.PricePerCoin = price })
}

func (m *MemoryStore) SetVerified(ctx context.Context, agentID string, verified bool) error {
	return m.mutateOffer(agentID, func(o *Offer) { o.Verified = verified })
}

func (m *MemoryStore) Deactivate(ctx context.Context, agentID string) error {
	return m.mutateOffer(agentID, func(o *Offer) { o.Active = false })
}

func (m *MemoryStore) GetBuyerBalance(ctx context.Context, buyerID string) (*BuyerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.buyers[buyerID]; ok {
		cp := *b
		return &cp, nil
	}
	return &BuyerBalance{BuyerID: buyerID, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].AccountID == accountID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) BonusIssued(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bonusIssued, nil
}

func (m *MemoryStore) mutateOffer(agentID string, fn func(*Offer)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[agentID]
	if !ok {
		return ErrOfferNotFound
	}
	fn(offer)
	offer.UpdatedAt = time.Now()
	return nil
}

// appendEntry records an audit entry and returns a func that removes it.
// Caller must hold m.mu; the returned func must also be called with m.mu held.
func (m *MemoryStore) appendEntry(accountID, typ string, quantity int64, counterparty, reference string) func() {
	e := &Entry{
		ID:           idgen.New(),
		AccountID:    accountID,
		Type:         typ,
		Quantity:     quantity,
		Counterparty: counterparty,
		Reference:    reference,
		CreatedAt:    time.Now(),
	}
	m.entries = append(m.entries, e)
	return func() {
		for i := len(m.entries) - 1; i >= 0; i-- {
			if m.entries[i] == e {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
				return
			}
		}
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
