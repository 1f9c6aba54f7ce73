package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charitycoin/coinescrow/internal/dbtx"
)

// --- test doubles ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeOffer struct {
	total    int64
	locked   int64
	price    decimal.Decimal
	verified bool
	active   bool
}

// fakeLedger is a minimal LedgerStore that honours dbtx.OnRollback.
type fakeLedger struct {
	mu          sync.Mutex
	offers      map[string]*fakeOffer
	credits     map[string]int64
	bonusIssued int64
	getCalls    int
	finalizeErr error
	releaseErr  error
	failRelease map[string]bool // by transaction id
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		offers:  make(map[string]*fakeOffer),
		credits: make(map[string]int64),
	}
}

func (f *fakeLedger) addAgent(id string, total int64, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers[id] = &fakeOffer{total: total, price: decimal.RequireFromString(price), verified: true, active: true}
}

func (f *fakeLedger) offer(id string) fakeOffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.offers[id]
}

func (f *fakeLedger) credit(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credits[id]
}

func (f *fakeLedger) GetOffer(ctx context.Context, agentID string) (*OfferSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	o, ok := f.offers[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &OfferSnapshot{
		AgentID:      agentID,
		Available:    o.total - o.locked,
		PricePerCoin: o.price,
		Verified:     o.verified,
		Active:       o.active,
	}, nil
}

func (f *fakeLedger) TryLock(ctx context.Context, agentID string, quantity int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[agentID]
	if !ok || !o.active {
		return ErrAgentNotFound
	}
	if o.total-o.locked < quantity {
		return ErrInsufficientAgentBalance
	}
	o.locked += quantity
	dbtx.OnRollback(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		o.locked -= quantity
	})
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, agentID string, quantity int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.releaseErr != nil {
		return f.releaseErr
	}
	if f.failRelease[reference] {
		return errors.New("release failed for " + reference)
	}
	o := f.offers[agentID]
	if o.locked < quantity {
		return errors.New("lock underflow")
	}
	o.locked -= quantity
	dbtx.OnRollback(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		o.locked += quantity
	})
	return nil
}

func (f *fakeLedger) Finalize(ctx context.Context, agentID, buyerID string, quantity, bonus int64, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	o := f.offers[agentID]
	if o.locked < quantity {
		return errors.New("lock underflow")
	}
	o.locked -= quantity
	o.total -= quantity
	f.credits[buyerID] += quantity + bonus
	f.bonusIssued += bonus
	dbtx.OnRollback(ctx, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		o.locked += quantity
		o.total += quantity
		f.credits[buyerID] -= quantity + bonus
		f.bonusIssued -= bonus
	})
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	mgr    *Manager
	store  *MemoryStore
	ledger *fakeLedger
	clock  *fakeClock
	events *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		ledger: newFakeLedger(),
		clock:  newFakeClock(),
		events: &recordingEmitter{},
	}
	f.ledger.addAgent("agent1", 500, "100")
	f.mgr = NewManager(f.store, f.ledger, dbtx.NewMemoryRunner(), DefaultPolicy()).
		WithClock(f.clock).
		WithEmitter(f.events)
	return f
}

func (f *fixture) request(t *testing.T, buyer string, qty int64) *Transaction {
	t.Helper()
	tx, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: buyer, AgentID: "agent1", Quantity: qty})
	require.NoError(t, err)
	return tx
}

func (f *fixture) paid(t *testing.T, buyer string, qty int64) *Transaction {
	t.Helper()
	tx := f.request(t, buyer, qty)
	tx, err := f.mgr.ConfirmPayment(context.Background(), tx.ID, "mobile_money")
	require.NoError(t, err)
	return tx
}

// --- RequestPurchase ---

func TestRequestPurchase_LocksAndSnapshotsPrice(t *testing.T) {
	f := newFixture(t)

	tx := f.request(t, "buyer1", 200)

	assert.Equal(t, StateRequested, tx.State)
	assert.Equal(t, "buyer1", tx.BuyerID)
	assert.Equal(t, "agent1", tx.AgentID)
	assert.Equal(t, int64(200), tx.Quantity)
	assert.True(t, tx.PricePerCoinSnapshot.Equal(decimal.NewFromInt(100)))
	assert.True(t, tx.TotalPrice.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, int64(0), tx.BonusCoins)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), tx.ExpiresAt)
	assert.Contains(t, tx.ID, "ptx_")

	assert.Equal(t, int64(200), f.ledger.offer("agent1").locked)
	assert.Equal(t, int64(500), f.ledger.offer("agent1").total)
	assert.Equal(t, []EventType{EventTransactionCreated}, f.events.types())

	stored, err := f.store.Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, stored.ID)
}

func TestRequestPurchase_PriceChangeDoesNotAffectSnapshot(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	f.ledger.mu.Lock()
	f.ledger.offers["agent1"].price = decimal.NewFromInt(250)
	f.ledger.mu.Unlock()

	stored, err := f.mgr.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.PricePerCoinSnapshot.Equal(decimal.NewFromInt(100)))
	assert.True(t, stored.TotalPrice.Equal(decimal.NewFromInt(10000)))
}

func TestRequestPurchase_InsufficientBalance(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 1000})
	assert.ErrorIs(t, err, ErrInsufficientAgentBalance)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
	assert.Empty(t, f.events.types())
}

func TestRequestPurchase_QuantityBoundsCheckedBeforeLedger(t *testing.T) {
	f := newFixture(t)

	for _, q := range []int64{0, -5, 9, 10001} {
		_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: q})
		assert.ErrorIs(t, err, ErrInvalidQuantity, "quantity %d", q)
	}
	assert.Equal(t, 0, f.ledger.getCalls)
}

func TestRequestPurchase_BoundaryQuantities(t *testing.T) {
	f := newFixture(t)
	f.ledger.addAgent("agent1", 20000, "1")

	low := f.request(t, "buyer1", 10)
	assert.Equal(t, int64(10), low.Quantity)

	high := f.request(t, "buyer2", 10000)
	assert.Equal(t, int64(1000), high.BonusCoins)
}

func TestRequestPurchase_Bonus(t *testing.T) {
	tests := []struct {
		qty   int64
		bonus int64
	}{
		{999, 0},
		{1000, 100},
		{1005, 100},
		{2500, 250},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.ledger.addAgent("agent1", 5000, "10")
		tx := f.request(t, "buyer1", tt.qty)
		assert.Equal(t, tt.bonus, tx.BonusCoins, "quantity %d", tt.qty)
	}
}

func TestRequestPurchase_InvalidParticipants(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "agent1", AgentID: "agent1", Quantity: 50})
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: " AGENT1 ", AgentID: "agent1", Quantity: 50})
	assert.ErrorIs(t, err, ErrInvalidParticipant)

	_, err = f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "", AgentID: "agent1", Quantity: 50})
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestRequestPurchase_AgentNotSellable(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "ghost", Quantity: 50})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	f.ledger.mu.Lock()
	f.ledger.offers["agent1"].verified = false
	f.ledger.mu.Unlock()
	_, err = f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 50})
	assert.ErrorIs(t, err, ErrAgentNotFound)

	f.ledger.mu.Lock()
	f.ledger.offers["agent1"].verified = true
	f.ledger.offers["agent1"].active = false
	f.ledger.mu.Unlock()
	_, err = f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 50})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRequestPurchase_TooManyOpen(t *testing.T) {
	f := newFixture(t)
	policy := DefaultPolicy()
	policy.MaxOpenPerBuyer = 2
	f.mgr.policy = policy

	f.request(t, "buyer1", 10)
	f.request(t, "buyer1", 10)
	_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 10})
	assert.ErrorIs(t, err, ErrTooManyOpen)
	assert.Equal(t, int64(20), f.ledger.offer("agent1").locked)

	// Another buyer is unaffected.
	f.request(t, "buyer2", 10)
}

func TestRequestPurchase_NoOpenLimitByDefault(t *testing.T) {
	f := newFixture(t)
	require.Zero(t, DefaultPolicy().MaxOpenPerBuyer)

	for i := 0; i < 6; i++ {
		f.request(t, "buyer1", 10)
	}
	assert.Equal(t, int64(60), f.ledger.offer("agent1").locked)
}

func TestRequestPurchase_OpenLimitUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	f.mgr.policy.MaxOpenPerBuyer = 3

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 10})
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, created)
	assert.Equal(t, int64(30), f.ledger.offer("agent1").locked)
}

type failingCreateStore struct {
	*MemoryStore
}

func (s failingCreateStore) Create(ctx context.Context, tx *Transaction) error {
	return errors.New("disk full")
}

func TestRequestPurchase_CreateFailureReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.mgr.store = failingCreateStore{f.store}

	_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 100})
	require.Error(t, err)
	assert.Equal(t, KindInternal, Kind(err))
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
}

func TestRequestPurchase_ConcurrentNeverOverLocks(t *testing.T) {
	f := newFixture(t)
	f.mgr.policy.MaxOpenPerBuyer = 0

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.RequestPurchase(context.Background(), PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 30})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientAgentBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, succeeded)
	assert.Equal(t, int64(480), f.ledger.offer("agent1").locked)
}

// --- ConfirmPayment ---

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	updated, err := f.mgr.ConfirmPayment(context.Background(), tx.ID, "Bank_Transfer")
	require.NoError(t, err)
	assert.Equal(t, StatePaymentConfirmed, updated.State)
	assert.Equal(t, PaymentBankTransfer, updated.PaymentMethod)

	// Repeating is a no-op.
	again, err := f.mgr.ConfirmPayment(context.Background(), tx.ID, "cash")
	require.NoError(t, err)
	assert.Equal(t, StatePaymentConfirmed, again.State)
	assert.Equal(t, PaymentBankTransfer, again.PaymentMethod)

	assert.Equal(t, []EventType{EventTransactionCreated, EventPaymentConfirmed}, f.events.types())
}

func TestConfirmPayment_InvalidMethod(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	_, err := f.mgr.ConfirmPayment(context.Background(), tx.ID, "crypto")
	assert.ErrorIs(t, err, ErrInvalidPaymentMethod)
}

func TestConfirmPayment_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.ConfirmPayment(context.Background(), "ptx_missing", "cash")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestConfirmPayment_AfterWindow(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	f.clock.Advance(30 * time.Minute)
	_, err := f.mgr.ConfirmPayment(context.Background(), tx.ID, "cash")
	assert.ErrorIs(t, err, ErrExpired)

	stored, _ := f.store.Get(context.Background(), tx.ID)
	assert.Equal(t, StateRequested, stored.State)
}

func TestConfirmPayment_TerminalStates(t *testing.T) {
	f := newFixture(t)

	cancelled := f.request(t, "buyer1", 100)
	_, err := f.mgr.CancelTransaction(context.Background(), cancelled.ID, "buyer1")
	require.NoError(t, err)
	_, err = f.mgr.ConfirmPayment(context.Background(), cancelled.ID, "cash")
	assert.ErrorIs(t, err, ErrInvalidState)

	expired := f.request(t, "buyer2", 100)
	f.clock.Advance(31 * time.Minute)
	ok, err := f.mgr.Expire(context.Background(), expired)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.mgr.ConfirmPayment(context.Background(), expired.ID, "cash")
	assert.ErrorIs(t, err, ErrExpired)
}

// --- ConfirmReceipt ---

func TestConfirmReceipt_DeliversCoins(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 200)

	done, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ResolvedAt)
	assert.Equal(t, f.clock.Now(), *done.CompletedAt)

	offer := f.ledger.offer("agent1")
	assert.Equal(t, int64(300), offer.total)
	assert.Equal(t, int64(0), offer.locked)
	assert.Equal(t, int64(200), f.ledger.credit("buyer1"))
	assert.Equal(t, EventTransactionCompleted, f.events.types()[2])
}

func TestConfirmReceipt_IncludesBonus(t *testing.T) {
	f := newFixture(t)
	f.ledger.addAgent("agent1", 5000, "10")
	tx := f.paid(t, "buyer1", 1500)

	_, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	assert.Equal(t, int64(1650), f.ledger.credit("buyer1"))
	assert.Equal(t, int64(150), f.ledger.bonusIssued)
	assert.Equal(t, int64(3500), f.ledger.offer("agent1").total)
}

func TestConfirmReceipt_Idempotent(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 200)

	_, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	again, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, again.State)

	assert.Equal(t, int64(200), f.ledger.credit("buyer1"))
	assert.Equal(t, int64(300), f.ledger.offer("agent1").total)
}

func TestConfirmReceipt_Rejections(t *testing.T) {
	f := newFixture(t)
	requested := f.request(t, "buyer1", 100)
	paid := f.paid(t, "buyer2", 100)

	_, err := f.mgr.ConfirmReceipt(context.Background(), requested.ID, "agent1")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = f.mgr.ConfirmReceipt(context.Background(), paid.ID, "buyer2")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.mgr.ConfirmReceipt(context.Background(), "ptx_missing", "agent1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestConfirmReceipt_AfterExpiryIsRejected(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 100)

	f.clock.Advance(time.Hour)
	ok, err := f.mgr.Expire(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(0), f.ledger.credit("buyer1"))
	assert.Equal(t, int64(500), f.ledger.offer("agent1").total)
}

func TestConfirmReceipt_FinalizeFailureKeepsPaymentConfirmed(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 100)
	f.ledger.finalizeErr = errors.New("connection reset")

	_, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.Error(t, err)

	stored, _ := f.store.Get(context.Background(), tx.ID)
	assert.Equal(t, StatePaymentConfirmed, stored.State)
	assert.Nil(t, stored.CompletedAt)
	assert.Equal(t, int64(100), f.ledger.offer("agent1").locked)
	assert.Equal(t, int64(0), f.ledger.credit("buyer1"))
}

// staleStore hands out one outdated read, as if another process resolved the
// transaction between our read and our write.
type staleStore struct {
	*MemoryStore
	stale *Transaction
	once  sync.Once
}

func (s *staleStore) Get(ctx context.Context, id string) (*Transaction, error) {
	var tx *Transaction
	s.once.Do(func() { tx = clone(s.stale) })
	if tx != nil {
		return tx, nil
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestConfirmReceipt_LosesRaceToExpiry(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 100)

	f.clock.Advance(time.Hour)
	ok, err := f.mgr.Expire(context.Background(), tx)
	require.NoError(t, err)
	require.True(t, ok)

	f.mgr.store = &staleStore{MemoryStore: f.store, stale: tx}
	result, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	assert.Equal(t, StateExpired, result.State)

	assert.Equal(t, int64(0), f.ledger.credit("buyer1"))
	assert.Equal(t, int64(500), f.ledger.offer("agent1").total)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
}

func TestConfirmReceiptAndExpire_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	f.ledger.addAgent("agent1", 10000, "1")
	f.mgr.policy.MaxOpenPerBuyer = 0

	var txs []*Transaction
	for i := 0; i < 50; i++ {
		txs = append(txs, f.paid(t, "buyer1", 100))
	}
	f.clock.Advance(time.Hour)

	var wg sync.WaitGroup
	for _, tx := range txs {
		wg.Add(2)
		go func(tx *Transaction) {
			defer wg.Done()
			// Losing before the first read is a plain state error.
			if _, err := f.mgr.ConfirmReceipt(context.Background(), tx.ID, "agent1"); err != nil {
				assert.ErrorIs(t, err, ErrInvalidState)
			}
		}(tx)
		go func(tx *Transaction) {
			defer wg.Done()
			_, err := f.mgr.Expire(context.Background(), tx)
			assert.NoError(t, err)
		}(tx)
	}
	wg.Wait()

	var completed int64
	for _, tx := range txs {
		stored, err := f.store.Get(context.Background(), tx.ID)
		require.NoError(t, err)
		require.True(t, stored.State == StateCompleted || stored.State == StateExpired, "state %s", stored.State)
		if stored.State == StateCompleted {
			completed += stored.Quantity
		}
	}

	offer := f.ledger.offer("agent1")
	assert.Equal(t, int64(0), offer.locked)
	assert.Equal(t, int64(10000)-completed, offer.total)
	assert.Equal(t, completed, f.ledger.credit("buyer1"))
}

// --- CancelTransaction ---

func TestCancelTransaction_ByBuyer(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	cancelled, err := f.mgr.CancelTransaction(context.Background(), tx.ID, "buyer1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "buyer1", cancelled.CancelledBy)
	assert.NotNil(t, cancelled.ResolvedAt)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
	assert.Equal(t, EventTransactionCancelled, f.events.types()[1])
}

func TestCancelTransaction_AfterPayment(t *testing.T) {
	f := newFixture(t)
	tx := f.paid(t, "buyer1", 100)

	_, err := f.mgr.CancelTransaction(context.Background(), tx.ID, "buyer1")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	cancelled, err := f.mgr.CancelTransaction(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	assert.Equal(t, "agent1", cancelled.CancelledBy)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
}

func TestCancelTransaction_Rejections(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	_, err := f.mgr.CancelTransaction(context.Background(), tx.ID, "stranger")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.mgr.CancelTransaction(context.Background(), tx.ID, "")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.mgr.CancelTransaction(context.Background(), tx.ID, "agent1")
	require.NoError(t, err)
	_, err = f.mgr.CancelTransaction(context.Background(), tx.ID, "buyer1")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)
}

func TestCancelTransaction_ReleaseFailureKeepsOpen(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)
	f.ledger.releaseErr = errors.New("timeout")

	_, err := f.mgr.CancelTransaction(context.Background(), tx.ID, "buyer1")
	require.Error(t, err)

	stored, _ := f.store.Get(context.Background(), tx.ID)
	assert.Equal(t, StateRequested, stored.State)
	assert.Empty(t, stored.CancelledBy)
	assert.Equal(t, int64(100), f.ledger.offer("agent1").locked)
}

// --- Expire ---

func TestExpire(t *testing.T) {
	f := newFixture(t)
	tx := f.request(t, "buyer1", 100)

	ok, err := f.mgr.Expire(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, ok, "not yet due")

	f.clock.Advance(30 * time.Minute)
	ok, err = f.mgr.Expire(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)

	// The caller's copy is stale; the store decides.
	ok, err = f.mgr.Expire(context.Background(), tx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), f.ledger.offer("agent1").locked)

	stored, _ := f.store.Get(context.Background(), tx.ID)
	assert.Equal(t, StateExpired, stored.State)
	assert.Equal(t, []EventType{EventTransactionCreated, EventTransactionExpired}, f.events.types())
}

// --- listings ---

func TestListPendingForBuyer(t *testing.T) {
	f := newFixture(t)
	open := f.request(t, "buyer1", 10)
	paid := f.paid(t, "buyer1", 10)
	closed := f.request(t, "buyer1", 10)
	_, err := f.mgr.CancelTransaction(context.Background(), closed.ID, "buyer1")
	require.NoError(t, err)
	f.request(t, "buyer2", 10)

	pending, err := f.mgr.ListPendingForBuyer(context.Background(), "BUYER1")
	require.NoError(t, err)
	ids := []string{}
	for _, tx := range pending {
		ids = append(ids, tx.ID)
	}
	assert.ElementsMatch(t, []string{open.ID, paid.ID}, ids)
}

func TestListHistory_Pages(t *testing.T) {
	f := newFixture(t)
	f.mgr.policy.MaxOpenPerBuyer = 0
	var created []*Transaction
	for i := 0; i < 5; i++ {
		created = append(created, f.request(t, "buyer1", 10))
		f.clock.Advance(time.Second)
	}

	page, err := f.mgr.ListHistory(context.Background(), HistoryQuery{BuyerID: "buyer1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, created[4].ID, page.Transactions[0].ID)
	assert.Equal(t, created[3].ID, page.Transactions[1].ID)

	page, err = f.mgr.ListHistory(context.Background(), HistoryQuery{BuyerID: "buyer1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, created[2].ID, page.Transactions[0].ID)

	page, err = f.mgr.ListHistory(context.Background(), HistoryQuery{BuyerID: "buyer1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	agentPage, err := f.mgr.ListHistory(context.Background(), HistoryQuery{AgentID: "agent1", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, agentPage.Transactions, 5)
}

func TestListHistory_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.ListHistory(context.Background(), HistoryQuery{BuyerID: "buyer1", Cursor: "!!!"})
	assert.Equal(t, KindValidation, Kind(err))

	_, err = f.mgr.ListHistory(context.Background(), HistoryQuery{})
	assert.ErrorIs(t, err, ErrInvalidParticipant)
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, KindValidation, Kind(ErrInvalidQuantity))
	assert.Equal(t, KindResourceExhausted, Kind(ErrInsufficientAgentBalance))
	assert.Equal(t, KindConcurrencyConflict, Kind(ErrStateMismatch))
	assert.Equal(t, KindExpired, Kind(ErrExpired))
	assert.Equal(t, KindNotFound, Kind(ErrAgentNotFound))
	assert.Equal(t, KindNotAuthorized, Kind(ErrNotAuthorized))
	assert.Equal(t, KindInvalidState, Kind(ErrInvalidState))
	assert.Equal(t, KindInternal, Kind(errors.New("boom")))
}
