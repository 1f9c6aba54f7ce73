// Package ledger tracks agent coin inventory and buyer coin balances.
//
// Flow:
//  1. Identity registers as an agent → an Offer is created (price, no coins)
//  2. Agent deposits coin inventory → TotalBalance grows
//  3. Escrow manager locks coins for a purchase → LockedBalance grows
//  4. Purchase completes → coins leave TotalBalance/LockedBalance, buyer is credited
//  5. Purchase expires or is cancelled → LockedBalance shrinks, coins are sellable again
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrOfferNotFound       = errors.New("agent offer not found")
	ErrOfferExists         = errors.New("agent offer already exists")
	ErrOfferInactive       = errors.New("agent offer is deactivated")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrLockUnderflow       = errors.New("locked balance would become negative")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidPrice        = errors.New("price per coin must be positive")
)

// Entry types recorded in the audit trail.
const (
	EntryDeposit  = "deposit"
	EntryWithdraw = "withdraw"
	EntryLock     = "lock"
	EntryRelease  = "release"
	EntryFinalize = "finalize"
	EntryCredit   = "credit"
	EntryBonus    = "bonus"
)

// Offer is one agent's sellable coin inventory.
type Offer struct {
	AgentID       string          `json:"agentId"`
	TotalBalance  int64           `json:"totalBalance"`
	LockedBalance int64           `json:"lockedBalance"`
	PricePerCoin  decimal.Decimal `json:"pricePerCoin"`
	Verified      bool            `json:"verified"`
	Active        bool            `json:"active"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Available is the quantity that can still be locked by new purchases.
func (o *Offer) Available() int64 {
	return o.TotalBalance - o.LockedBalance
}

// Sellable reports whether buyers may open purchases against the offer.
func (o *Offer) Sellable() bool {
	return o.Active && o.Verified
}

// BuyerBalance is the coin balance credited to a buyer by completed purchases.
type BuyerBalance struct {
	BuyerID   string    `json:"buyerId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is an audit row. Summing lock/release/finalize quantities per reference
// shows that every hold was resolved exactly once.
type Entry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"accountId"` // agent for inventory moves, buyer for credits
	Type         string    `json:"type"`
	Quantity     int64     `json:"quantity"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists ledger data. TryLock, Release and Finalize must be atomic and
// serializable per agent; they join the unit of work carried by ctx (see dbtx).
type Store interface {
	CreateOffer(ctx context.Context, offer *Offer) error
	GetOffer(ctx context.Context, agentID string) (*Offer, error)
	ListOffers(ctx context.Context, sellableOnly bool, limit int) ([]*Offer, error)

	TryLock(ctx context.Context, agentID string, quantity int64, reference string) error
	Release(ctx context.Context, agentID string, quantity int64, reference string) error
	Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error

	Deposit(ctx context.Context, agentID string, quantity int64, reference string) error
	Withdraw(ctx context.Context, agentID string, quantity int64, reference string) error
	SetPrice(ctx context.Context, agentID string, price decimal.Decimal) error
	SetVerified(ctx context.Context, agentID string, verified bool) error
	Deactivate(ctx context.Context, agentID string) error

	GetBuyerBalance(ctx context.Context, buyerID string) (*BuyerBalance, error)
	History(ctx context.Context, accountID string, limit int) ([]*Entry, error)
	BonusIssued(ctx context.Context) (int64, error)
}

// Ledger validates inventory management requests before they reach the store.
type Ledger struct {
	store Store
	now   func() time.Time
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Store exposes the underlying store to the escrow manager adapter.
func (l *Ledger) Store() Store {
	return l.store
}

// RegisterAgent creates the offer for a new agent. Offers start unverified.
func (l *Ledger) RegisterAgent(ctx context.Context, agentID string, price decimal.Decimal) (*Offer, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	now := l.now()
	offer := &Offer{
		AgentID:      normalizeID(agentID),
		PricePerCoin: price,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// GetOffer returns an agent's offer
func (l *Ledger) GetOffer(ctx context.Context, agentID string) (*Offer, error) {
	return l.store.GetOffer(ctx, normalizeID(agentID))
}

// ListMarketplace returns offers buyers can purchase from.
func (l *Ledger) ListMarketplace(ctx context.Context, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListOffers(ctx, true, limit)
}

// ListAll returns every offer, including deactivated ones.
func (l *Ledger) ListAll(ctx context.Context, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 1000
	}
	return l.store.ListOffers(ctx, false, limit)
}

// Deposit adds coins to an agent's inventory
func (l *Ledger) Deposit(ctx context.Context, agentID string, quantity int64, reference string) (*Offer, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	id := normalizeID(agentID)
	if err := l.store.Deposit(ctx, id, quantity, reference); err != nil {
		return nil, err
	}
	return l.store.GetOffer(ctx, id)
}

// Withdraw removes unlocked coins from an agent's inventory
func (l *Ledger) Withdraw(ctx context.Context, agentID string, quantity int64, reference string) (*Offer, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	id := normalizeID(agentID)
	if err := l.store.Withdraw(ctx, id, quantity, reference); err != nil {
		return nil, err
	}
	return l.store.GetOffer(ctx, id)
}

// SetPrice changes the advertised price. Open escrows keep their snapshot.
func (l *Ledger) SetPrice(ctx context.Context, agentID string, price decimal.Decimal) (*Offer, error) {
	if !price.IsPositive() {
		return nil, ErrInvalidPrice
	}
	id := normalizeID(agentID)
	if err := l.store.SetPrice(ctx, id, price); err != nil {
		return nil, err
	}
	return l.store.GetOffer(ctx, id)
}

// Verify marks an agent as verified (or revokes verification)
func (l *Ledger) Verify(ctx context.Context, agentID string, verified bool) (*Offer, error) {
	id := normalizeID(agentID)
	if err := l.store.SetVerified(ctx, id, verified); err != nil {
		return nil, err
	}
	return l.store.GetOffer(ctx, id)
}

// Deactivate stops new purchases against the agent. Open escrows still
// complete, expire or cancel normally.
func (l *Ledger) Deactivate(ctx context.Context, agentID string) (*Offer, error) {
	id := normalizeID(agentID)
	if err := l.store.Deactivate(ctx, id); err != nil {
		return nil, err
	}
	return l.store.GetOffer(ctx, id)
}

// GetBuyerBalance returns a buyer's coin balance (zero if never credited)
func (l *Ledger) GetBuyerBalance(ctx context.Context, buyerID string) (*BuyerBalance, error) {
	return l.store.GetBuyerBalance(ctx, normalizeID(buyerID))
}

// History returns an account's audit entries, newest first
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, normalizeID(accountID), limit)
}

// BonusIssued returns the total bonus coins the platform pool has funded.
func (l *Ledger) BonusIssued(ctx context.Context) (int64, error) {
	return l.store.BonusIssued(ctx)
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
