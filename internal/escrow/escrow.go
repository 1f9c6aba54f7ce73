// Package escrow holds agent coins while a buyer pays off-platform.
//
// Flow:
//  1. Buyer requests coins from a verified agent → agent's coins locked, record Requested
//  2. Buyer pays the agent (mobile money, bank transfer or cash) and confirms → PaymentConfirmed
//  3. Agent confirms receipt → coins move from agent to buyer, plus bonus from the platform pool → Completed
//  4. Either party cancels before completion → lock released → Cancelled
//  5. Window elapses without completion → scheduler releases the lock → Expired
package escrow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/charitycoin/coinescrow/internal/pagination"
)

var (
	ErrInvalidQuantity          = errors.New("quantity outside allowed purchase range")
	ErrInvalidParticipant       = errors.New("buyer and agent must be distinct identities")
	ErrInsufficientAgentBalance = errors.New("agent does not have enough available coins")
	ErrAgentNotFound            = errors.New("agent not found or not accepting purchases")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrExpired                  = errors.New("transaction has expired")
	ErrInvalidState             = errors.New("invalid transaction state for this operation")
	ErrNotAuthorized            = errors.New("not authorized for this transaction")
	ErrInvalidPaymentMethod     = errors.New("unsupported payment method")
	ErrStateMismatch            = errors.New("transaction state changed concurrently")
	ErrConflict                 = errors.New("transaction id already exists")
	ErrTooManyOpen              = errors.New("buyer has too many open purchases")
)

// Error kinds used for logging, metrics labels and HTTP mapping.
const (
	KindValidation          = "validation"
	KindConcurrencyConflict = "concurrency_conflict"
	KindResourceExhausted   = "resource_exhausted"
	KindExpired             = "expired"
	KindNotFound            = "not_found"
	KindNotAuthorized       = "not_authorized"
	KindInvalidState        = "invalid_state"
	KindInternal            = "internal"
)

// Kind classifies err into one of the Kind* constants.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidParticipant),
		errors.Is(err, ErrInvalidPaymentMethod), errors.Is(err, pagination.ErrInvalidCursor):
		return KindValidation
	case errors.Is(err, ErrStateMismatch), errors.Is(err, ErrConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrInsufficientAgentBalance), errors.Is(err, ErrTooManyOpen):
		return KindResourceExhausted
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrAgentNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotAuthorized):
		return KindNotAuthorized
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	}
	return KindInternal
}

// State is the stored lifecycle state of a transaction.
type State string

const (
	StateRequested        State = "requested"         // Coins locked, waiting for the buyer to pay
	StatePaymentConfirmed State = "payment_confirmed" // Buyer says they paid, waiting for the agent
	StateCompleted        State = "completed"         // Coins delivered to the buyer
	StateExpired          State = "expired"           // Window elapsed, lock released
	StateCancelled        State = "cancelled"         // Cancelled by buyer or agent, lock released
)

// StateAwaitingPayment is how a Requested transaction is shown to clients.
// It is never stored.
const StateAwaitingPayment State = "awaiting_payment"

// IsOpen reports whether the transaction still holds a lock on agent coins.
func (s State) IsOpen() bool {
	return s == StateRequested || s == StatePaymentConfirmed
}

// IsTerminal returns true if the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Display maps a stored state to the one shown to clients.
func (s State) Display() State {
	if s == StateRequested {
		return StateAwaitingPayment
	}
	return s
}

// OpenStates lists the non-terminal states.
var OpenStates = []State{StateRequested, StatePaymentConfirmed}

// PaymentMethod is how the buyer paid the agent off-platform.
type PaymentMethod string

const (
	PaymentMobileMoney  PaymentMethod = "mobile_money"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCash         PaymentMethod = "cash"
)

// PaymentMethods lists the accepted payment methods.
var PaymentMethods = []PaymentMethod{PaymentMobileMoney, PaymentBankTransfer, PaymentCash}

// ParsePaymentMethod validates a client-supplied payment method.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	pm := PaymentMethod(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range PaymentMethods {
		if pm == known {
			return pm, nil
		}
	}
	return "", ErrInvalidPaymentMethod
}

// Transaction is one coin purchase held in escrow.
type Transaction struct {
	ID                   string          `json:"id"`
	BuyerID              string          `json:"buyerId"`
	AgentID              string          `json:"agentId"`
	Quantity             int64           `json:"quantity"`
	PricePerCoinSnapshot decimal.Decimal `json:"pricePerCoinSnapshot"`
	TotalPrice           decimal.Decimal `json:"totalPrice"`
	BonusCoins           int64           `json:"bonusCoins"`
	State                State           `json:"state"`
	PaymentMethod        PaymentMethod   `json:"paymentMethod,omitempty"`
	CancelledBy          string          `json:"cancelledBy,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	ExpiresAt            time.Time       `json:"expiresAt"`
	CompletedAt          *time.Time      `json:"completedAt,omitempty"`
	ResolvedAt           *time.Time      `json:"resolvedAt,omitempty"`
}

// IsParticipant reports whether identityID is the buyer or the agent.
func (t *Transaction) IsParticipant(identityID string) bool {
	id := normalizeID(identityID)
	return id != "" && (id == t.BuyerID || id == t.AgentID)
}

// Policy holds the purchase rules.
type Policy struct {
	Window          time.Duration
	MinQuantity     int64
	MaxQuantity     int64
	BonusThreshold  int64
	BonusPercent    int64
	MaxOpenPerBuyer int // 0 disables the limit
}

// DefaultPolicy returns the standard purchase rules.
func DefaultPolicy() Policy {
	return Policy{
		Window:          30 * time.Minute,
		MinQuantity:     10,
		MaxQuantity:     10000,
		BonusThreshold:  1000,
		BonusPercent:    10,
		MaxOpenPerBuyer: 0,
	}
}

// Bonus returns the platform bonus for a purchase of quantity coins,
// rounded down.
func (p Policy) Bonus(quantity int64) int64 {
	if p.BonusThreshold <= 0 || quantity < p.BonusThreshold {
		return 0
	}
	return quantity * p.BonusPercent / 100
}

// ListFilter narrows a listing. Zero values mean "any".
type ListFilter struct {
	States []State
	Cursor *pagination.Cursor
	Limit  int
}

// Store persists escrow transactions. CompareAndTransition is the only way
// to change a stored state; it joins the unit of work carried by ctx.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// CompareAndTransition moves id from expected to next only if the stored
	// state still equals expected, applying mutate to the stored copy first.
	// Immutable fields are restored after mutate runs.
	CompareAndTransition(ctx context.Context, id string, expected, next State, mutate func(*Transaction)) (*Transaction, error)
	// ListExpirable returns open transactions with ExpiresAt <= now, oldest first.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)
	// ListByBuyer and ListByAgent return newest first.
	ListByBuyer(ctx context.Context, buyerID string, filter ListFilter) ([]*Transaction, error)
	ListByAgent(ctx context.Context, agentID string, filter ListFilter) ([]*Transaction, error)
	// SumOpenByAgent returns the total quantity held by open transactions per agent.
	SumOpenByAgent(ctx context.Context) (map[string]int64, error)
	CountOpenByBuyer(ctx context.Context, buyerID string) (int, error)
}

// OfferSnapshot is the part of an agent offer the manager needs.
type OfferSnapshot struct {
	AgentID      string
	Available    int64
	PricePerCoin decimal.Decimal
	Verified     bool
	Active       bool
}

// LedgerStore abstracts the coin ledger so escrow doesn't import ledger.
// Implementations translate their errors to ErrAgentNotFound and
// ErrInsufficientAgentBalance, and join the unit of work carried by ctx.
type LedgerStore interface {
	GetOffer(ctx context.Context, agentID string) (*OfferSnapshot, error)
	TryLock(ctx context.Context, agentID string, quantity int64, reference string) error
	Release(ctx context.Context, agentID string, quantity int64, reference string) error
	Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error
}

// Clock abstracts time so expiry can be tested without waiting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// PurchaseRequest contains the parameters for RequestPurchase.
type PurchaseRequest struct {
	BuyerID  string `json:"buyerId"`
	AgentID  string `json:"agentId" binding:"required"`
	Quantity int64  `json:"quantity"` // range checked by the manager
}

// HistoryQuery selects a page of one identity's transactions.
type HistoryQuery struct {
	BuyerID string
	AgentID string
	States  []State
	Cursor  string
	Limit   int
}

// Page is one page of a listing.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
