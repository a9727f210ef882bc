//go:build !integration

package marketplace

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/credit"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
	"github.com/sells-group/kpledger/internal/subscription"
)

type harness struct {
	engine *Engine
	ledger *credit.Ledger
	subs   *subscription.Registry
}

func newHarness(t *testing.T, share float64) harness {
	t.Helper()
	now := func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	mem := store.NewMemory()
	ledger := credit.New(mem, credit.WithClock(now))
	subs := subscription.New(mem, ledger, subscription.Config{}, subscription.WithClock(now))
	return harness{
		engine: New(mem, ledger, subs, Config{RevenueShare: &share}, WithClock(now)),
		ledger: ledger,
		subs:   subs,
	}
}

func (h harness) listing(t *testing.T, access model.AccessModel, price int64) *model.Listing {
	t.Helper()
	l, err := h.engine.CreateListing(context.Background(), NewListing{
		KnowledgeUnitID: "ku-1",
		ContributorID:   "seller",
		PriceCredits:    price,
		AccessModel:     access,
		Domain:          "security",
		Title:           "Threat models",
	})
	require.NoError(t, err)
	return l
}

func TestNew_RevenueShare(t *testing.T) {
	e := New(store.NewMemory(), nil, nil, Config{})
	assert.Equal(t, "0.7", e.RevenueShare().String(), "unset share")

	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{0.8, "0.8"},
		{1, "1"},
		{1.5, "0.7"},
		{-0.2, "0.7"},
	}
	for _, tt := range tests {
		in := tt.in
		e := New(store.NewMemory(), nil, nil, Config{RevenueShare: &in})
		assert.Equal(t, tt.want, e.RevenueShare().String(), "share %v", tt.in)
	}
}

func TestSplit_ZeroShareGoesToPlatform(t *testing.T) {
	zero := 0.0
	e := New(store.NewMemory(), nil, nil, Config{RevenueShare: &zero})
	payout, fee := e.Split(100)
	assert.Equal(t, int64(0), payout)
	assert.Equal(t, int64(100), fee)
}

func TestSplit_FloorsPayout(t *testing.T) {
	e := New(store.NewMemory(), nil, nil, Config{})
	payout, fee := e.Split(99)
	assert.Equal(t, int64(69), payout)
	assert.Equal(t, int64(30), fee)

	payout, fee = e.Split(1)
	assert.Zero(t, payout)
	assert.Equal(t, int64(1), fee)
}

func TestCreateListing_Validation(t *testing.T) {
	h := newHarness(t, 0)
	base := NewListing{ContributorID: "c", Title: "t", Domain: "d", AccessModel: model.AccessOrg, PriceCredits: 10}
	tests := []struct {
		name   string
		mutate func(*NewListing)
		field  string
	}{
		{"contributor", func(n *NewListing) { n.ContributorID = "" }, "contributor_id"},
		{"title", func(n *NewListing) { n.Title = "  " }, "title"},
		{"domain", func(n *NewListing) { n.Domain = "" }, "domain"},
		{"access", func(n *NewListing) { n.AccessModel = "public" }, "access_model"},
		{"price", func(n *NewListing) { n.PriceCredits = -1 }, "price_credits"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := base
			tt.mutate(&n)
			_, err := h.engine.CreateListing(context.Background(), n)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCreateListing_IDPrefix(t *testing.T) {
	h := newHarness(t, 0)
	l := h.listing(t, model.AccessFree, 0)
	assert.Contains(t, l.ID, "kp:listing:")
	assert.Zero(t, l.Purchases)
}

func TestPurchase_Unknown(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.engine.Purchase(context.Background(), "kp:listing:nope", "buyer")
	assert.True(t, apperr.IsNotFound(err))
}

func TestPurchase_FreeListingIgnoresPrice(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	l := h.listing(t, model.AccessFree, 50)

	out, err := h.engine.Purchase(ctx, l.ID, "buyer")
	require.NoError(t, err)
	assert.True(t, out.Purchased)
	assert.Zero(t, out.CreditsSpent)

	got, err := h.engine.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Purchases)
}

func TestPurchase_OrgSplit(t *testing.T) {
	h := newHarness(t, 0.80)
	ctx := context.Background()
	l := h.listing(t, model.AccessOrg, 100)
	_, err := h.ledger.AddCredits(ctx, "buyer", 150, "grant")
	require.NoError(t, err)

	out, err := h.engine.Purchase(ctx, l.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(100), out.CreditsSpent)
	assert.Equal(t, int64(80), out.ContributorPayout)
	assert.Equal(t, int64(20), out.PlatformFee)
	assert.False(t, out.ViaSubscription)

	bal, err := h.ledger.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)

	bal, err = h.ledger.Balance(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(80), bal)

	got, err := h.engine.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Purchases)
}

func TestPurchase_OrgInsufficient(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	l := h.listing(t, model.AccessOrg, 100)
	_, err := h.ledger.AddCredits(ctx, "buyer", 30, "grant")
	require.NoError(t, err)

	_, err = h.engine.Purchase(ctx, l.ID, "buyer")
	var ic *apperr.InsufficientCreditsError
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, int64(30), ic.Balance)
	assert.Equal(t, int64(100), ic.Required)

	got, err := h.engine.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Purchases)
}

func TestPurchase_Subscription(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	l := h.listing(t, model.AccessSubscription, 25)

	_, err := h.engine.Purchase(ctx, l.ID, "buyer")
	var sr *apperr.SubscriptionRequiredError
	require.ErrorAs(t, err, &sr)
	assert.Equal(t, "security", sr.Domain)

	_, err = h.ledger.AddCredits(ctx, "buyer", 50, "grant")
	require.NoError(t, err)
	_, err = h.subs.Subscribe(ctx, "buyer", "security", 0)
	require.NoError(t, err)

	out, err := h.engine.Purchase(ctx, l.ID, "buyer")
	require.NoError(t, err)
	assert.True(t, out.ViaSubscription)
	assert.Zero(t, out.CreditsSpent)

	bal, err := h.ledger.Balance(ctx, "buyer")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestPurchase_ConcurrentBuyersOneCanAfford(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	l := h.listing(t, model.AccessOrg, 60)
	_, err := h.ledger.AddCredits(ctx, "buyer", 100, "grant")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Purchase(ctx, l.ID, "buyer"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := h.engine.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Purchases)
}

func TestSearch(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	a := h.listing(t, model.AccessFree, 0)
	_ = h.listing(t, model.AccessOrg, 10)
	_, err := h.engine.Purchase(ctx, a.ID, "buyer")
	require.NoError(t, err)

	page, err := h.engine.Search(ctx, Query{Domain: "security"})
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, a.ID, page.Data[0].ID)

	page, err = h.engine.Search(ctx, Query{AccessModel: model.AccessOrg, Text: "THREAT"})
	require.NoError(t, err)
	assert.Len(t, page.Data, 1)

	_, err = h.engine.Search(ctx, Query{AccessModel: "bogus"})
	assert.Equal(t, 400, apperr.HTTPStatus(err))

	mine, err := h.engine.ByContributor(ctx, "seller")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
