//go:build !integration

package credit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLedger(t *testing.T) (*Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	return New(store.NewMemory(), WithClock(clock.Now)), clock
}

func TestBalance_UnknownIsZero(t *testing.T) {
	l, _ := newTestLedger(t)
	bal, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestAddAndDeduct(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	bal, err := l.AddCredits(ctx, "a", 100, "grant")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	ok, err := l.DeductCredits(ctx, "a", 101, "too much")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.DeductCredits(ctx, "a", 40, "spend")
	require.NoError(t, err)
	assert.True(t, ok)

	bal, err = l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)

	page, err := l.Transactions(ctx, "a", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, model.TxSpent, page.Data[0].Kind)
	assert.Equal(t, int64(-40), page.Data[0].Amount)
}

func TestAddDeduct_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.AddCredits(ctx, "a", 0, "x")
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	_, err = l.DeductCredits(ctx, "a", -5, "x")
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	_, err = l.AddCredits(ctx, "", 5, "x")
	assert.Equal(t, 400, apperr.HTTPStatus(err))
}

func TestConcurrentDeductions_NoDoubleSpend(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddCredits(ctx, "a", 50, "grant")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.DeductCredits(ctx, "a", 30, "race")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	bal, err := l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)
}

func TestTransfer_Validation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, tr := range []model.Transfer{
		{To: "b", Amount: 1},
		{From: "a", Amount: 1},
		{From: "a", To: "b"},
		{From: "a", To: "b", Amount: 10, Payout: 11},
		{From: "a", To: "b", Amount: 10, Payout: -1},
	} {
		_, err := l.Transfer(ctx, tr)
		assert.Equal(t, 400, apperr.HTTPStatus(err), "%+v", tr)
	}
}

func TestTransfer(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddCredits(ctx, "buyer", 100, "grant")
	require.NoError(t, err)

	res, err := l.Transfer(ctx, model.Transfer{From: "buyer", To: "seller", Amount: 100, Payout: 80, Reason: "sale"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Zero(t, res.Balance)

	res, err = l.Transfer(ctx, model.Transfer{From: "buyer", To: "seller", Amount: 1, Payout: 1})
	require.NoError(t, err)
	assert.False(t, res.OK)

	e, err := l.Earnings(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(80), e.Total)
	require.Len(t, e.Transactions, 1)
	assert.Equal(t, model.TxPayout, e.Transactions[0].Kind)
}

func TestRefill_Cooldown(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	res, err := l.Refill(ctx, "a", model.TierFree)
	require.NoError(t, err)
	assert.True(t, res.Refilled)
	assert.Equal(t, int64(100), res.Amount)

	clock.Advance(RefillInterval - time.Second)
	res, err = l.Refill(ctx, "a", model.TierFree)
	require.NoError(t, err)
	assert.False(t, res.Refilled)

	clock.Advance(time.Second)
	res, err = l.Refill(ctx, "a", model.TierFree)
	require.NoError(t, err)
	assert.True(t, res.Refilled)

	bal, err := l.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal)
}

func TestRefill_TierAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for tier, want := range map[model.Tier]int64{
		model.TierFree:       100,
		model.TierPro:        1000,
		model.TierEnterprise: 5000,
		"mystery":            100,
	} {
		res, err := l.Refill(ctx, "agent-"+string(tier), tier)
		require.NoError(t, err)
		assert.Equal(t, want, res.Amount, tier)
		assert.Equal(t, want, res.Balance, tier)
	}
}

func TestRefill_RecentSetLastRefillBlocks(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.SetLastRefill(ctx, "a", clock.Now().Add(-24*time.Hour)))

	res, err := l.Refill(ctx, "a", model.TierPro)
	require.NoError(t, err)
	assert.False(t, res.Refilled)

	last, err := l.LastRefill(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(-24*time.Hour), last)
}

func TestStatement(t *testing.T) {
	l, clock := newTestLedger(t)
	ctx := context.Background()

	st, err := l.Statement(ctx, "a", model.TierPro)
	require.NoError(t, err)
	assert.True(t, st.Refilled)
	assert.Equal(t, int64(1000), st.Balance)
	require.NotNil(t, st.LastRefill)
	assert.Equal(t, clock.Now(), *st.LastRefill)

	st, err = l.Statement(ctx, "a", model.TierPro)
	require.NoError(t, err)
	assert.False(t, st.Refilled)
	assert.Equal(t, int64(1000), st.Balance)
}

func TestReverse_NotCountedAsEarnings(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := l.AddCredits(ctx, "a", 10, "grant")
	require.NoError(t, err)
	ok, err := l.DeductCredits(ctx, "a", 10, "sub")
	require.NoError(t, err)
	require.True(t, ok)

	bal, err := l.Reverse(ctx, "a", 10, "refund")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)

	e, err := l.Earnings(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), e.Total)
}
