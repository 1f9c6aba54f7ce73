package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charitycoin/coinescrow/internal/dbtx"
	"github.com/charitycoin/coinescrow/internal/escrow"
	"github.com/charitycoin/coinescrow/internal/ledger"
)

type staticOffers []*ledger.Offer

func (s staticOffers) ListAll(_ context.Context, _ int) ([]*ledger.Offer, error) { return s, nil }

type staticOpen map[string]int64

func (s staticOpen) SumOpenByAgent(_ context.Context) (map[string]int64, error) { return s, nil }

type failingOpen struct{}

func (failingOpen) SumOpenByAgent(_ context.Context) (map[string]int64, error) {
	return nil, errors.New("db down")
}

// flakyOpen reports a stale sum on the first read only.
type flakyOpen struct {
	calls int
	first map[string]int64
	after map[string]int64
}

func (f *flakyOpen) SumOpenByAgent(_ context.Context) (map[string]int64, error) {
	f.calls++
	if f.calls == 1 {
		return f.first, nil
	}
	return f.after, nil
}

func problems(r *Report) []Problem {
	var out []Problem
	for _, m := range r.Mismatches {
		out = append(out, m.Problem)
	}
	return out
}

func TestRunAll_Consistent(t *testing.T) {
	offers := staticOffers{
		{AgentID: "agent1", TotalBalance: 500, LockedBalance: 200},
		{AgentID: "agent2", TotalBalance: 50, LockedBalance: 0},
	}
	r := NewRunner(offers, staticOpen{"agent1": 200})

	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, int64(200), report.LockedCoins)
	assert.Equal(t, int64(200), report.OpenEscrowCoins)
}

func TestRunAll_DetectsViolations(t *testing.T) {
	offers := staticOffers{
		{AgentID: "short", TotalBalance: 100, LockedBalance: 30},
		{AgentID: "over", TotalBalance: 10, LockedBalance: 20},
		{AgentID: "negative", TotalBalance: -5, LockedBalance: 0},
	}
	open := staticOpen{"short": 50, "over": 20, "ghost": 7}

	report, err := NewRunner(offers, open).RunAll(context.Background())
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.ElementsMatch(t,
		[]Problem{ProblemLockedMismatch, ProblemOverLocked, ProblemNegativeTotal, ProblemUnknownAgent},
		problems(report))
}

func TestRunAll_NegativeTotalReportedOnce(t *testing.T) {
	offers := staticOffers{{AgentID: "negative", TotalBalance: -5, LockedBalance: 0}}

	report, err := NewRunner(offers, staticOpen{}).RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Problem{ProblemNegativeTotal}, problems(report))
}

func TestRunAll_IgnoresTransientMismatch(t *testing.T) {
	offers := staticOffers{{AgentID: "agent1", TotalBalance: 500, LockedBalance: 100}}
	open := &flakyOpen{
		first: map[string]int64{"agent1": 90},
		after: map[string]int64{"agent1": 100},
	}

	report, err := NewRunner(offers, open).RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK(), "mismatch that resolves on re-read is not reported")
	assert.Equal(t, 2, open.calls)
}

func TestRunAll_Error(t *testing.T) {
	_, err := NewRunner(staticOffers{}, failingOpen{}).RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
}

// TestRunAll_AfterRealTraffic drives the escrow manager against the ledger
// and checks the books balance at each step.
func TestRunAll_AfterRealTraffic(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	_, err := l.RegisterAgent(ctx, "agent1", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "agent1", 1000, "seed")
	require.NoError(t, err)
	_, err = l.Verify(ctx, "agent1", true)
	require.NoError(t, err)

	store := escrow.NewMemoryStore()
	mgr := escrow.NewManager(store, ledger.NewEscrowAdapter(l.Store()), dbtx.NewMemoryRunner(), escrow.DefaultPolicy())
	runner := NewRunner(l, store)

	a, err := mgr.RequestPurchase(ctx, escrow.PurchaseRequest{BuyerID: "buyer1", AgentID: "agent1", Quantity: 200})
	require.NoError(t, err)
	b, err := mgr.RequestPurchase(ctx, escrow.PurchaseRequest{BuyerID: "buyer2", AgentID: "agent1", Quantity: 300})
	require.NoError(t, err)

	report, err := runner.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, int64(500), report.LockedCoins)

	_, err = mgr.ConfirmPayment(ctx, a.ID, "cash")
	require.NoError(t, err)
	_, err = mgr.ConfirmReceipt(ctx, a.ID, "agent1")
	require.NoError(t, err)
	_, err = mgr.CancelTransaction(ctx, b.ID, "buyer2")
	require.NoError(t, err)

	report, err = runner.RunAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, int64(0), report.LockedCoins)
}

func TestTimerAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	offers := staticOffers{{AgentID: "agent1", TotalBalance: 10, LockedBalance: 5}}
	timer := NewTimer(NewRunner(offers, staticOpen{}), 0, slog.New(slog.DiscardHandler))
	assert.Nil(t, timer.Last())

	r := gin.New()
	NewHandler(timer).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/reconcile", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"ok":false`))
	assert.True(t, strings.Contains(w.Body.String(), string(ProblemLockedMismatch)))
	require.NotNil(t, timer.Last())

	timer.Stop()
	timer.Stop()
}
