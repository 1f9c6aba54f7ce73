package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/charitycoin/coinescrow/internal/dbtx"
	"github.com/charitycoin/coinescrow/internal/idgen"
	"github.com/charitycoin/coinescrow/internal/logging"
	"github.com/charitycoin/coinescrow/internal/metrics"
	"github.com/charitycoin/coinescrow/internal/pagination"
	"github.com/charitycoin/coinescrow/internal/syncutil"
	"github.com/charitycoin/coinescrow/internal/traces"
)

// maxCancelAttempts bounds re-reads when a cancel races a payment confirmation.
const maxCancelAttempts = 3

// Manager runs the purchase state machine. Every transition that touches the
// ledger runs as one unit of work: the record transition is the deciding
// step, and if it or the ledger effect fails, neither is kept.
type Manager struct {
	store  Store
	ledger LedgerStore
	runner dbtx.Runner
	policy Policy
	clock  Clock
	events EventEmitter
	logger *slog.Logger

	// buyerLocks makes the open-transaction limit check and the insert
	// atomic per buyer within this process.
	buyerLocks *syncutil.KeyLock
}

// NewManager creates a new escrow manager.
func NewManager(store Store, ledger LedgerStore, runner dbtx.Runner, policy Policy) *Manager {
	return &Manager{
		store:  store,
		ledger: ledger,
		runner: runner,
		policy: policy,
		clock:  SystemClock,
		events: NoopEmitter{},
		logger: slog.Default(),

		buyerLocks: syncutil.NewKeyLock(),
	}
}

// WithClock replaces the wall clock.
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// WithEmitter sets where committed transitions are published.
func (m *Manager) WithEmitter(e EventEmitter) *Manager {
	m.events = e
	return m
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Policy returns the purchase rules in force.
func (m *Manager) Policy() Policy {
	return m.policy
}

// RequestPurchase locks quantity coins of the agent's inventory and opens a
// transaction priced at the agent's current price.
func (m *Manager) RequestPurchase(ctx context.Context, req PurchaseRequest) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestPurchase",
		traces.BuyerID(req.BuyerID), traces.AgentID(req.AgentID), traces.Quantity(req.Quantity))
	defer m.finish(span, "request_purchase", time.Now(), &err)

	// Bounds first: a request outside them never reaches the ledger.
	if req.Quantity < m.policy.MinQuantity || req.Quantity > m.policy.MaxQuantity {
		return nil, ErrInvalidQuantity
	}
	buyerID, agentID := normalizeID(req.BuyerID), normalizeID(req.AgentID)
	if buyerID == "" || agentID == "" || buyerID == agentID {
		return nil, ErrInvalidParticipant
	}

	// The open-purchase limit needs count and insert to be atomic per buyer,
	// so the buyer's lock is held across the store calls. Without a limit
	// no in-process lock is taken.
	if m.policy.MaxOpenPerBuyer > 0 {
		unlock, err := m.buyerLocks.Lock(ctx, buyerID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	offer, err := m.ledger.GetOffer(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !offer.Verified || !offer.Active {
		return nil, ErrAgentNotFound
	}
	if offer.Available < req.Quantity {
		return nil, ErrInsufficientAgentBalance
	}

	now := m.clock.Now()
	tx := &Transaction{
		ID:                   idgen.TimeOrdered("ptx_"),
		BuyerID:              buyerID,
		AgentID:              agentID,
		Quantity:             req.Quantity,
		PricePerCoinSnapshot: offer.PricePerCoin,
		TotalPrice:           offer.PricePerCoin.Mul(decimal.NewFromInt(req.Quantity)),
		BonusCoins:           m.policy.Bonus(req.Quantity),
		State:                StateRequested,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpiresAt:            now.Add(m.policy.Window),
	}

	err = m.runner.InTx(ctx, func(ctx context.Context) error {
		if m.policy.MaxOpenPerBuyer > 0 {
			open, err := m.store.CountOpenByBuyer(ctx, buyerID)
			if err != nil {
				return err
			}
			if open >= m.policy.MaxOpenPerBuyer {
				return ErrTooManyOpen
			}
		}
		if err := m.ledger.TryLock(ctx, agentID, tx.Quantity, tx.ID); err != nil {
			return err
		}
		return m.store.Create(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(traces.TransactionID(tx.ID))
	m.transitioned(ctx, EventTransactionCreated, tx)
	return tx, nil
}

// ConfirmPayment records that the buyer paid the agent. Confirming an
// already confirmed transaction returns it unchanged.
func (m *Manager) ConfirmPayment(ctx context.Context, id, method string) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmPayment", traces.TransactionID(id))
	defer m.finish(span, "confirm_payment", time.Now(), &err)

	pm, err := ParsePaymentMethod(method)
	if err != nil {
		return nil, err
	}

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != StateRequested {
		return paymentOutcome(current)
	}

	now := m.clock.Now()
	if !now.Before(current.ExpiresAt) {
		return nil, ErrExpired
	}

	updated, err := m.store.CompareAndTransition(ctx, id, StateRequested, StatePaymentConfirmed, func(t *Transaction) {
		t.PaymentMethod = pm
		t.UpdatedAt = now
	})
	if errors.Is(err, ErrStateMismatch) {
		latest, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return paymentOutcome(latest)
	}
	if err != nil {
		return nil, err
	}

	m.transitioned(ctx, EventPaymentConfirmed, updated)
	return updated, nil
}

// paymentOutcome classifies a transaction that is no longer Requested.
func paymentOutcome(tx *Transaction) (*Transaction, error) {
	switch tx.State {
	case StatePaymentConfirmed:
		return tx, nil
	case StateExpired:
		return nil, ErrExpired
	case StateRequested:
		return nil, ErrStateMismatch
	}
	return nil, ErrInvalidState
}

// ConfirmReceipt is the agent acknowledging payment. The agent's coins move
// to the buyer together with any bonus. If a concurrent expiry or cancel
// wins, nothing is credited and the resolved transaction is returned
// without error; callers read its State.
func (m *Manager) ConfirmReceipt(ctx context.Context, id, actorID string) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmReceipt", traces.TransactionID(id))
	defer m.finish(span, "confirm_receipt", time.Now(), &err)

	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != "" && normalizeID(actorID) != current.AgentID {
		return nil, ErrNotAuthorized
	}
	switch current.State {
	case StateCompleted:
		return current, nil
	case StatePaymentConfirmed:
	default:
		return nil, ErrInvalidState
	}

	now := m.clock.Now()
	var completed *Transaction
	err = m.runner.InTx(ctx, func(ctx context.Context) error {
		updated, err := m.store.CompareAndTransition(ctx, id, StatePaymentConfirmed, StateCompleted, func(t *Transaction) {
			t.CompletedAt = &now
			t.ResolvedAt = &now
			t.UpdatedAt = now
		})
		if err != nil {
			return err
		}
		if err := m.ledger.Finalize(ctx, updated.AgentID, updated.BuyerID, updated.Quantity, updated.BonusCoins, updated.ID); err != nil {
			return fmt.Errorf("failed to finalize %s: %w", id, err)
		}
		completed = updated
		return nil
	})
	if errors.Is(err, ErrStateMismatch) {
		latest, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		m.log(ctx, id).Info("receipt confirmation lost race", "state", latest.State)
		return latest, nil
	}
	if err != nil {
		return nil, err
	}

	m.transitioned(ctx, EventTransactionCompleted, completed)
	return completed, nil
}

// CancelTransaction releases the lock at the buyer's or agent's request.
// Once the buyer has confirmed payment only the agent may cancel.
func (m *Manager) CancelTransaction(ctx context.Context, id, actorID string) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CancelTransaction", traces.TransactionID(id))
	defer m.finish(span, "cancel", time.Now(), &err)

	actor := normalizeID(actorID)
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !current.IsParticipant(actor) {
			return nil, ErrNotAuthorized
		}
		if current.State.IsTerminal() {
			return nil, ErrInvalidState
		}
		if current.State == StatePaymentConfirmed && actor != current.AgentID {
			return nil, ErrNotAuthorized
		}

		now := m.clock.Now()
		var cancelled *Transaction
		err = m.runner.InTx(ctx, func(ctx context.Context) error {
			updated, err := m.store.CompareAndTransition(ctx, id, current.State, StateCancelled, func(t *Transaction) {
				t.CancelledBy = actor
				t.ResolvedAt = &now
				t.UpdatedAt = now
			})
			if err != nil {
				return err
			}
			if err := m.ledger.Release(ctx, updated.AgentID, updated.Quantity, updated.ID); err != nil {
				return fmt.Errorf("failed to release %s: %w", id, err)
			}
			cancelled = updated
			return nil
		})
		if errors.Is(err, ErrStateMismatch) {
			continue
		}
		if err != nil {
			return nil, err
		}

		m.transitioned(ctx, EventTransactionCancelled, cancelled)
		return cancelled, nil
	}
	return nil, ErrStateMismatch
}

// Expire releases the lock of an open transaction whose window has passed.
// It reports false without error when tx is not due or was resolved by
// someone else first.
func (m *Manager) Expire(ctx context.Context, tx *Transaction) (resolved bool, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Expire", traces.TransactionID(tx.ID), traces.State(string(tx.State)))
	defer m.finish(span, "expire", time.Now(), &err)

	if !tx.State.IsOpen() {
		return false, nil
	}
	now := m.clock.Now()
	if now.Before(tx.ExpiresAt) {
		return false, nil
	}

	var expired *Transaction
	err = m.runner.InTx(ctx, func(ctx context.Context) error {
		updated, err := m.store.CompareAndTransition(ctx, tx.ID, tx.State, StateExpired, func(t *Transaction) {
			t.ResolvedAt = &now
			t.UpdatedAt = now
		})
		if err != nil {
			return err
		}
		if err := m.ledger.Release(ctx, updated.AgentID, updated.Quantity, updated.ID); err != nil {
			return fmt.Errorf("failed to release %s: %w", tx.ID, err)
		}
		expired = updated
		return nil
	})
	if errors.Is(err, ErrStateMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.transitioned(ctx, EventTransactionExpired, expired)
	return true, nil
}

// GetTransaction returns a transaction by ID.
func (m *Manager) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return m.store.Get(ctx, id)
}

// ListPendingForBuyer returns the buyer's open transactions, newest first.
func (m *Manager) ListPendingForBuyer(ctx context.Context, buyerID string) ([]*Transaction, error) {
	return m.store.ListByBuyer(ctx, normalizeID(buyerID), ListFilter{States: OpenStates, Limit: 100})
}

// ListHistory returns one page of a buyer's or an agent's transactions.
func (m *Manager) ListHistory(ctx context.Context, q HistoryQuery) (*Page, error) {
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	filter := ListFilter{States: q.States, Cursor: cursor, Limit: limit + 1}

	var txs []*Transaction
	switch {
	case q.BuyerID != "":
		txs, err = m.store.ListByBuyer(ctx, normalizeID(q.BuyerID), filter)
	case q.AgentID != "":
		txs, err = m.store.ListByAgent(ctx, normalizeID(q.AgentID), filter)
	default:
		return nil, ErrInvalidParticipant
	}
	if err != nil {
		return nil, err
	}

	items, next, more := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if items == nil {
		items = []*Transaction{}
	}
	return &Page{Transactions: items, NextCursor: next, HasMore: more}, nil
}

// transitioned records metrics and publishes the event for a committed transition.
func (m *Manager) transitioned(ctx context.Context, typ EventType, tx *Transaction) {
	metrics.EscrowTransitionsTotal.WithLabelValues(strings.TrimPrefix(string(typ), "transaction.")).Inc()
	if tx.State.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(tx.State)).Observe(tx.UpdatedAt.Sub(tx.CreatedAt).Seconds())
	}
	if tx.State == StateCompleted {
		metrics.CoinsSoldTotal.Add(float64(tx.Quantity))
		metrics.BonusCoinsIssuedTotal.Add(float64(tx.BonusCoins))
	}

	m.log(ctx, tx.ID).Info("escrow transition",
		"event", typ,
		"state", tx.State,
		"buyer", tx.BuyerID,
		"agent", tx.AgentID,
		"quantity", tx.Quantity,
	)
	m.events.Emit(ctx, NewEvent(typ, tx, tx.UpdatedAt))
}

// finish closes the span and records latency and failures for one operation.
func (m *Manager) finish(span trace.Span, op string, start time.Time, errp *error) {
	metrics.EscrowOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err := *errp; err != nil {
		kind := Kind(err)
		metrics.EscrowRejectedTotal.WithLabelValues(op, kind).Inc()
		if kind == KindInternal {
			traces.RecordError(span, err)
		}
	}
	span.End()
}

func (m *Manager) log(ctx context.Context, txID string) *slog.Logger {
	ctx = logging.WithLogger(logging.WithTransaction(ctx, txID), m.logger)
	return logging.L(ctx)
}
