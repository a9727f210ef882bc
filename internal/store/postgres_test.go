//go:build !integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, retry: resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}}
	return s, mock
}

func TestPostgresStore_GetReputation_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT agent_id, score, .* FROM reputations WHERE agent_id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetReputation(context.Background(), "ghost")
	assert.True(t, apperr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReputation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM reputations WHERE agent_id = \$1`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"agent_id", "score", "contributions", "validations", "history", "created_at", "updated_at"}).
			AddRow("a", 12.5, 3, 1, []byte(`[{"delta":12.5,"reason":"seed","kind":"adjustment","timestamp":"2026-03-01T12:00:00Z"}]`), t0, t0))

	rec, err := s.GetReputation(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 12.5, rec.Score)
	assert.Equal(t, 3, rec.Contributions)
	require.Len(t, rec.History, 1)
	assert.Equal(t, model.ReasonAdjustment, rec.History[0].Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyReputation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO reputations .* ON CONFLICT \(agent_id\) DO NOTHING`).
		WithArgs("a", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM reputations WHERE agent_id = \$1 FOR UPDATE`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"agent_id", "score", "contributions", "validations", "history", "created_at", "updated_at"}).
			AddRow("a", 0.0, 0, 0, []byte(`[]`), t0, t0))
	mock.ExpectExec(`UPDATE reputations SET score = \$1`).
		WithArgs(4.0, 1, 1, pgxmock.AnyArg(), t0, "a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	rec, err := s.ApplyReputation(context.Background(), model.Adjustment{AgentID: "a", Delta: 4, Reason: "validated unit"}, t0)
	require.NoError(t, err)
	assert.Equal(t, 4.0, rec.Score)
	assert.Equal(t, 1, rec.Validations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Post_Insufficient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("a").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT agent_id FROM credit_balances WHERE agent_id = ANY\(\$1\) ORDER BY agent_id FOR UPDATE`).
		WithArgs([]string{"a"}).
		WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("a"))
	mock.ExpectQuery(`UPDATE credit_balances SET balance = balance \+ \$1 WHERE agent_id = \$2 AND balance \+ \$1 >= 0 RETURNING balance`).
		WithArgs(int64(-50), "a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT balance FROM credit_balances WHERE agent_id = \$1`).
		WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(20)))
	mock.ExpectCommit()

	bal, ok, err := s.Post(context.Background(), model.CreditTransaction{AgentID: "a", Amount: -50, Kind: model.TxSpent})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(20), bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transfer(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("buyer").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("seller").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs([]string{"buyer", "seller"}).
		WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("buyer").AddRow("seller"))
	mock.ExpectQuery(`UPDATE credit_balances SET balance`).
		WithArgs(int64(-100), "buyer").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(50)))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(pgxmock.AnyArg(), "buyer", int64(-100), "purchase", "Purchase", "kp:listing:1", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`UPDATE credit_balances SET balance`).
		WithArgs(int64(70), "seller").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(70)))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(pgxmock.AnyArg(), "seller", int64(70), "payout", "Purchase", "kp:listing:1", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE listings SET purchases = purchases \+ 1`).
		WithArgs(t0, "kp:listing:1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	res, err := s.Transfer(context.Background(), model.Transfer{
		From: "buyer", To: "seller", Amount: 100, Payout: 70, Reason: "Purchase", ListingID: "kp:listing:1",
	}, t0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(50), res.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Transfer_InsufficientRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("buyer").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("seller").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs([]string{"buyer", "seller"}).
		WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("buyer").AddRow("seller"))
	mock.ExpectQuery(`UPDATE credit_balances SET balance`).
		WithArgs(int64(-100), "buyer").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT balance FROM credit_balances`).
		WithArgs("buyer").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(30)))
	mock.ExpectRollback()

	res, err := s.Transfer(context.Background(), model.Transfer{From: "buyer", To: "seller", Amount: 100, Payout: 70}, t0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, int64(30), res.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SerializationFailureBecomesConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("a").WillReturnError(serialization)
		mock.ExpectRollback()
	}

	_, _, err := s.Post(context.Background(), model.CreditTransaction{AgentID: "a", Amount: 5, Kind: model.TxEarned})
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, 409, apperr.HTTPStatus(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Refill_NotDue(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := t0.Add(-10 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO credit_balances`).WithArgs("a").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs([]string{"a"}).WillReturnRows(pgxmock.NewRows([]string{"agent_id"}).AddRow("a"))
	mock.ExpectQuery(`SELECT last_refill FROM credit_balances`).WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"last_refill"}).AddRow(&last))
	mock.ExpectQuery(`SELECT balance FROM credit_balances`).WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(40)))
	mock.ExpectCommit()

	res, err := s.Refill(context.Background(), "a", model.RefillPolicy{Amount: 100, Interval: 30 * 24 * time.Hour}, t0)
	require.NoError(t, err)
	assert.False(t, res.Refilled)
	assert.Equal(t, int64(40), res.Balance)
	assert.True(t, res.LastRefill.Equal(last))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveTrustScores_UsesBulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_trust_scores"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_trust_scores"}, []string{"agent_id", "score", "computed_at"}).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "trust_scores"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := s.SaveTrustScores(context.Background(), []model.TrustScore{
		{AgentID: "a", Score: 0.25, ComputedAt: t0},
		{AgentID: "b", Score: 0.75, ComputedAt: t0},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportVotes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"votes"}, []string{"validator_id", "target_id", "unit_id", "valid", "voted_at"}).
		WillReturnResult(1)

	n, err := s.ImportVotes(context.Background(), []model.Vote{{ValidatorID: "a", TargetID: "b", UnitID: "u", Valid: true, Timestamp: t0}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CastProposalVote_Terminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM proposals WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "agent_id", "domain", "target_level", "proposed_by", "votes", "status", "created_at", "closes_at"}).
			AddRow("p1", "a", "go", "gold", "x", []byte(`[]`), "rejected", t0, t0.Add(time.Hour)))
	mock.ExpectRollback()

	_, err := s.CastProposalVote(context.Background(), "p1", model.ProposalVote{VoterID: "v"}, func(*model.Proposal) model.Resolution {
		t.Fatal("resolve must not run for a terminal proposal")
		return model.Resolution{}
	})
	assert.True(t, apperr.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateListing_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO listings`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateListing(context.Background(), testListing("l1", "go", model.AccessOrg, 5))
	assert.True(t, apperr.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchListings(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cols := []string{"id", "knowledge_unit_id", "contributor_id", "price_credits", "access_model", "domain", "title", "description", "purchases", "created_at", "updated_at"}

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM listings WHERE domain = \$1 AND \(LOWER\(title\) LIKE \$2`).
		WithArgs("go", "%retry%", "%retry%").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY purchases DESC, created_at DESC, id LIMIT \$4 OFFSET \$5`).
		WithArgs("go", "%retry%", "%retry%", 20, 0).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("l1", "ku", "c", int64(10), "org", "go", "Retry", "", int64(3), t0, t0))

	page, err := s.SearchListings(context.Background(), model.ListingFilter{Domain: "go", Text: "Retry"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Data, 1)
	assert.Equal(t, model.AccessOrg, page.Data[0].AccessModel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CancelSubscription(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE subscriptions SET status = \$1 WHERE id = \$2`).
		WithArgs("cancelled", "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.CancelSubscription(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSubscription_RenewsActive(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cols := []string{"id", "agent_id", "domain", "credits_per_month", "status", "created_at", "expires_at"}
	renewedAt := t0.Add(24 * time.Hour)
	expires := renewedAt.Add(30 * 24 * time.Hour)

	mock.ExpectQuery(`ON CONFLICT \(agent_id, domain\) WHERE status = 'active' DO UPDATE`).
		WithArgs("s2", "a", "go", int64(80), "active", renewedAt, expires).
		WillReturnRows(pgxmock.NewRows(cols).AddRow("s1", "a", "go", int64(80), "active", renewedAt, expires))

	got, err := s.UpsertSubscription(context.Background(), model.Subscription{
		ID: "s2", AgentID: "a", Domain: "go", CreditsPerMonth: 80,
		Status: model.SubscriptionActive, CreatedAt: renewedAt, ExpiresAt: expires,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID, "existing active row is renewed")
	assert.Equal(t, expires, got.ExpiresAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MigrateError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS reputations`).WillReturnError(errors.New("permission denied"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
}
