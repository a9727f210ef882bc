//go:build !integration

package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/credit"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type brokenStore struct {
	store.SubscriptionStore
}

func (brokenStore) UpsertSubscription(context.Context, model.Subscription) (*model.Subscription, error) {
	return nil, errors.New("disk full")
}

func setup(t *testing.T, st store.SubscriptionStore) (*Registry, *credit.Ledger, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	if st == nil {
		st = mem
	}
	ledger := credit.New(mem, credit.WithClock(clock.Now))
	return New(st, ledger, Config{}, WithClock(clock.Now)), ledger, clock
}

func TestSubscribe_DefaultPrice(t *testing.T) {
	r, ledger, clock := setup(t, nil)
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 100, "grant")
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, "a", "security", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultCredits), sub.CreditsPerMonth)
	assert.Equal(t, model.SubscriptionActive, sub.Status)
	assert.Equal(t, clock.Now().Add(DefaultPeriod), sub.ExpiresAt)
	assert.Contains(t, sub.ID, "kp:sub:")

	bal, err := ledger.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)

	got, err := r.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Domain, got.Domain)
}

func TestSubscribe_RenewsExistingDomain(t *testing.T) {
	r, ledger, clock := setup(t, nil)
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 200, "grant")
	require.NoError(t, err)

	first, err := r.Subscribe(ctx, "a", "security", 50)
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	second, err := r.Subscribe(ctx, "a", "security", 50)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, clock.Now().Add(DefaultPeriod), second.ExpiresAt)

	subs, err := r.ListActive(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	bal, err := ledger.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "each renewal is charged")
}

func TestSubscribe_Insufficient(t *testing.T) {
	r, ledger, _ := setup(t, nil)
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 20, "grant")
	require.NoError(t, err)

	_, err = r.Subscribe(ctx, "a", "security", 30)
	var ic *apperr.InsufficientCreditsError
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, int64(20), ic.Balance)
	assert.Equal(t, int64(30), ic.Required)

	subs, err := r.ListActive(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscribe_Validation(t *testing.T) {
	r, _, _ := setup(t, nil)
	_, err := r.Subscribe(context.Background(), "a", "", 10)
	assert.Equal(t, 400, apperr.HTTPStatus(err))
	_, err = r.Subscribe(context.Background(), "", "security", 10)
	assert.Equal(t, 400, apperr.HTTPStatus(err))
}

func TestSubscribe_RefundsWhenCreateFails(t *testing.T) {
	r, ledger, _ := setup(t, brokenStore{SubscriptionStore: store.NewMemory()})
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 100, "grant")
	require.NoError(t, err)

	_, err = r.Subscribe(ctx, "a", "security", 40)
	require.Error(t, err)

	bal, err := ledger.Balance(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)
}

func TestHasActive_ExpiryAndCancel(t *testing.T) {
	r, ledger, clock := setup(t, nil)
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 200, "grant")
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, "a", "security", 10)
	require.NoError(t, err)

	ok, err := r.HasActive(ctx, "a", "security")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.HasActive(ctx, "a", "finance")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(DefaultPeriod)
	ok, err = r.HasActive(ctx, "a", "security")
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(-time.Hour)
	cancelled, err := r.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	ok, err = r.HasActive(ctx, "a", "security")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionCancelled, got.Status)
}

func TestCancel_Unknown(t *testing.T) {
	r, _, _ := setup(t, nil)
	ok, err := r.Cancel(context.Background(), "kp:sub:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListActive(t *testing.T) {
	r, ledger, _ := setup(t, nil)
	ctx := context.Background()
	_, err := ledger.AddCredits(ctx, "a", 200, "grant")
	require.NoError(t, err)

	for _, d := range []string{"security", "finance"} {
		_, err := r.Subscribe(ctx, "a", d, 10)
		require.NoError(t, err)
	}
	subs, err := r.ListActive(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}
