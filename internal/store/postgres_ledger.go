package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/db"
	"github.com/sells-group/kpledger/internal/model"
)

// --- Credits ---

func (s *PostgresStore) Balance(ctx context.Context, agentID string) (int64, error) {
	return balancePG(ctx, s.pool, agentID)
}

func balancePG(ctx context.Context, q db.Querier, agentID string) (int64, error) {
	var bal int64
	err := q.QueryRow(ctx, `SELECT balance FROM credit_balances WHERE agent_id = $1`, agentID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return bal, eris.Wrapf(err, "postgres: balance %s", agentID)
}

// lockBalances ensures a balance row exists for every agent and locks them
// in agent order so concurrent transfers cannot deadlock.
func lockBalances(ctx context.Context, tx pgx.Tx, agentIDs ...string) error {
	ids := uniqueSorted(agentIDs)
	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_balances (agent_id, balance) VALUES ($1, 0) ON CONFLICT (agent_id) DO NOTHING`, id); err != nil {
			return eris.Wrapf(err, "postgres: ensure balance %s", id)
		}
	}
	rows, err := tx.Query(ctx,
		`SELECT agent_id FROM credit_balances WHERE agent_id = ANY($1) ORDER BY agent_id FOR UPDATE`, ids)
	if err != nil {
		return eris.Wrap(err, "postgres: lock balances")
	}
	rows.Close()
	return eris.Wrap(rows.Err(), "postgres: lock balances")
}

// postPG applies ct inside a transaction holding the agent's balance lock.
func postPG(ctx context.Context, tx pgx.Tx, ct model.CreditTransaction) (int64, bool, error) {
	ct = fillTransaction(ct)
	var bal int64
	err := tx.QueryRow(ctx,
		`UPDATE credit_balances SET balance = balance + $1 WHERE agent_id = $2 AND balance + $1 >= 0 RETURNING balance`,
		ct.Amount, ct.AgentID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, err := balancePG(ctx, tx, ct.AgentID)
		return cur, false, err
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: update balance %s", ct.AgentID)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ct.ID, ct.AgentID, ct.Amount, string(ct.Kind), ct.Reason, ct.ListingID, ct.CreatedAt); err != nil {
		return 0, false, eris.Wrap(err, "postgres: insert transaction")
	}
	return bal, true, nil
}

func (s *PostgresStore) Post(ctx context.Context, ct model.CreditTransaction) (int64, bool, error) {
	var bal int64
	var ok bool
	err := s.inTx(ctx, "post", func(tx pgx.Tx) error {
		if err := lockBalances(ctx, tx, ct.AgentID); err != nil {
			return err
		}
		var err error
		bal, ok, err = postPG(ctx, tx, ct)
		return err
	})
	return bal, ok, err
}

func (s *PostgresStore) Transfer(ctx context.Context, t model.Transfer, at time.Time) (model.TransferResult, error) {
	var result model.TransferResult
	err := s.inTx(ctx, "transfer", func(tx pgx.Tx) error {
		if err := lockBalances(ctx, tx, t.From, t.To); err != nil {
			return err
		}
		for i, ct := range transferTransactions(t, at) {
			bal, ok, err := postPG(ctx, tx, ct)
			if err != nil {
				return err
			}
			if !ok {
				result = model.TransferResult{Balance: bal}
				return errInsufficient
			}
			if i == 0 {
				result = model.TransferResult{OK: true, Balance: bal}
			}
		}
		if t.ListingID != "" {
			return recordPurchasePG(ctx, tx, t.ListingID, at)
		}
		return nil
	})
	if errors.Is(err, errInsufficient) {
		return result, nil
	}
	if err != nil {
		return model.TransferResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, agentID string, offset, limit int) (model.Page[model.CreditTransaction], error) {
	offset, limit = model.NormalizeWindow(offset, limit)
	page := model.Page[model.CreditTransaction]{Offset: offset, Limit: limit}

	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_transactions WHERE agent_id = $1`, agentID).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "postgres: count transactions")
	}
	txs, err := s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE agent_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset)
	page.Data = txs
	return page, err
}

func (s *PostgresStore) Earnings(ctx context.Context, agentID string) ([]model.CreditTransaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE agent_id = $1 AND kind = ANY($2) AND amount > 0 ORDER BY seq DESC`,
		agentID, []string{string(model.TxEarned), string(model.TxPayout)})
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]model.CreditTransaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query transactions")
	}
	defer rows.Close()

	out := []model.CreditTransaction{}
	for rows.Next() {
		ct, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		out = append(out, *ct)
	}
	return out, eris.Wrap(rows.Err(), "postgres: transaction rows")
}

func (s *PostgresStore) LastRefill(ctx context.Context, agentID string) (time.Time, error) {
	return lastRefillPG(ctx, s.pool, agentID)
}

func lastRefillPG(ctx context.Context, q db.Querier, agentID string) (time.Time, error) {
	var last *time.Time
	err := q.QueryRow(ctx, `SELECT last_refill FROM credit_balances WHERE agent_id = $1`, agentID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && last == nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "postgres: last refill %s", agentID)
	}
	return *last, nil
}

func (s *PostgresStore) SetLastRefill(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_balances (agent_id, balance, last_refill) VALUES ($1, 0, $2)
		 ON CONFLICT (agent_id) DO UPDATE SET last_refill = EXCLUDED.last_refill`,
		agentID, at)
	return eris.Wrapf(err, "postgres: set last refill %s", agentID)
}

func (s *PostgresStore) Refill(ctx context.Context, agentID string, policy model.RefillPolicy, at time.Time) (model.RefillResult, error) {
	var result model.RefillResult
	err := s.inTx(ctx, "refill", func(tx pgx.Tx) error {
		if err := lockBalances(ctx, tx, agentID); err != nil {
			return err
		}
		last, err := lastRefillPG(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if !policy.Due(last, at) {
			bal, err := balancePG(ctx, tx, agentID)
			result = model.RefillResult{Balance: bal, LastRefill: last}
			return err
		}

		bal, _, err := postPG(ctx, tx, model.CreditTransaction{
			AgentID:   agentID,
			Amount:    policy.Amount,
			Kind:      model.TxRefill,
			Reason:    policy.Reason,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE credit_balances SET last_refill = $1 WHERE agent_id = $2`, at, agentID); err != nil {
			return eris.Wrapf(err, "postgres: set last refill %s", agentID)
		}
		result = model.RefillResult{Refilled: true, Amount: policy.Amount, Balance: bal, LastRefill: at}
		return nil
	})
	return result, err
}

// --- Listings ---

func (s *PostgresStore) CreateListing(ctx context.Context, l model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.KnowledgeUnitID, l.ContributorID, l.PriceCredits, string(l.AccessModel), l.Domain,
		l.Title, l.Description, l.Purchases, l.CreatedAt, l.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict(eris.Wrapf(err, "postgres: listing %s exists", l.ID))
	}
	return eris.Wrapf(err, "postgres: insert listing %s", l.ID)
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("listing", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get listing %s", id)
	}
	return l, nil
}

func (s *PostgresStore) SearchListings(ctx context.Context, f model.ListingFilter) (model.Page[model.Listing], error) {
	offset, limit := model.NormalizeWindow(f.Offset, f.Limit)
	page := model.Page[model.Listing]{Offset: offset, Limit: limit}
	where, args := listingWhere(f, dollar)

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "postgres: count listings")
	}
	n := len(args)
	data, err := s.queryListings(ctx,
		`SELECT `+listingColumns+` FROM listings`+where+
			` ORDER BY purchases DESC, created_at DESC, id LIMIT `+dollar(n+1)+` OFFSET `+dollar(n+2),
		append(args, limit, offset)...)
	page.Data = data
	return page, err
}

func (s *PostgresStore) ListingsByContributor(ctx context.Context, contributorID string) ([]model.Listing, error) {
	return s.queryListings(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE contributor_id = $1 ORDER BY created_at DESC, id`,
		contributorID)
}

func (s *PostgresStore) queryListings(ctx context.Context, query string, args ...any) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query listings")
	}
	defer rows.Close()

	out := []model.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: listing rows")
}

func recordPurchasePG(ctx context.Context, q db.Querier, listingID string, at time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE listings SET purchases = purchases + 1, updated_at = $1 WHERE id = $2`, at, listingID)
	if err != nil {
		return eris.Wrapf(err, "postgres: record purchase %s", listingID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("listing", listingID)
	}
	return nil
}

func (s *PostgresStore) RecordPurchase(ctx context.Context, listingID string, at time.Time) error {
	return recordPurchasePG(ctx, s.pool, listingID, at)
}

// --- Subscriptions ---

func (s *PostgresStore) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AgentID, sub.Domain, sub.CreditsPerMonth, string(sub.Status), sub.CreatedAt, sub.ExpiresAt)
	if isUniqueViolation(err) {
		return apperr.Conflict(eris.Wrapf(err, "postgres: subscription %s exists", sub.ID))
	}
	return eris.Wrapf(err, "postgres: insert subscription %s", sub.ID)
}

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub model.Subscription) (*model.Subscription, error) {
	out, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (agent_id, domain) WHERE status = 'active' DO UPDATE SET
		   credits_per_month = EXCLUDED.credits_per_month,
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at
		 RETURNING `+subscriptionColumns,
		sub.ID, sub.AgentID, sub.Domain, sub.CreditsPerMonth, string(sub.Status), sub.CreatedAt, sub.ExpiresAt))
	if isUniqueViolation(err) {
		return nil, apperr.Conflict(eris.Wrapf(err, "postgres: subscription %s exists", sub.ID))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert subscription %s/%s", sub.AgentID, sub.Domain)
	}
	return out, nil
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("subscription", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get subscription %s", id)
	}
	return sub, nil
}

func (s *PostgresStore) CancelSubscription(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1 WHERE id = $2`, string(model.SubscriptionCancelled), id)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel subscription %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ActiveSubscriptions(ctx context.Context, agentID string, now time.Time) ([]model.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE agent_id = $1 AND status = $2 AND expires_at > $3 ORDER BY created_at, id`,
		agentID, string(model.SubscriptionActive), now)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subscriptions")
	}
	defer rows.Close()

	var all []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan subscription")
		}
		all = append(all, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: subscription rows")
	}
	return activeOnly(all, now), nil
}
