package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

// --- Credits ---

func (s *SQLiteStore) Balance(ctx context.Context, agentID string) (int64, error) {
	return balanceSQLite(ctx, s.db, agentID)
}

func balanceSQLite(ctx context.Context, q sqliteQuerier, agentID string) (int64, error) {
	var bal int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM credit_balances WHERE agent_id = ?`, agentID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, eris.Wrapf(err, "sqlite: balance %s", agentID)
}

// postSQLite applies tx inside an open transaction. The conditional update
// refuses to take the balance below zero.
func postSQLite(ctx context.Context, tx *sql.Tx, ct model.CreditTransaction) (int64, bool, error) {
	ct = fillTransaction(ct)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_balances (agent_id, balance) VALUES (?, 0) ON CONFLICT(agent_id) DO NOTHING`,
		ct.AgentID); err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: ensure balance %s", ct.AgentID)
	}

	var bal int64
	err := tx.QueryRowContext(ctx,
		`UPDATE credit_balances SET balance = balance + ? WHERE agent_id = ? AND balance + ? >= 0 RETURNING balance`,
		ct.Amount, ct.AgentID, ct.Amount).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		cur, err := balanceSQLite(ctx, tx, ct.AgentID)
		return cur, false, err
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: update balance %s", ct.AgentID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (`+transactionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.AgentID, ct.Amount, string(ct.Kind), ct.Reason, ct.ListingID, utc(ct.CreatedAt)); err != nil {
		return 0, false, eris.Wrap(err, "sqlite: insert transaction")
	}
	return bal, true, nil
}

func (s *SQLiteStore) Post(ctx context.Context, ct model.CreditTransaction) (int64, bool, error) {
	var bal int64
	var ok bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		bal, ok, err = postSQLite(ctx, tx, ct)
		return err
	})
	return bal, ok, err
}

var errInsufficient = errors.New("insufficient balance")

func (s *SQLiteStore) Transfer(ctx context.Context, t model.Transfer, at time.Time) (model.TransferResult, error) {
	var result model.TransferResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if t.ListingID != "" {
			res, err := tx.ExecContext(ctx,
				`UPDATE listings SET purchases = purchases + 1, updated_at = ? WHERE id = ?`, utc(at), t.ListingID)
			if err != nil {
				return eris.Wrapf(err, "sqlite: record purchase %s", t.ListingID)
			}
			if err := checkRowsAffected(res, "listing", t.ListingID); err != nil {
				return err
			}
		}

		for i, ct := range transferTransactions(t, at) {
			bal, ok, err := postSQLite(ctx, tx, ct)
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

func (s *SQLiteStore) Transactions(ctx context.Context, agentID string, offset, limit int) (model.Page[model.CreditTransaction], error) {
	offset, limit = model.NormalizeWindow(offset, limit)
	page := model.Page[model.CreditTransaction]{Offset: offset, Limit: limit}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_transactions WHERE agent_id = ?`, agentID).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "sqlite: count transactions")
	}
	txs, err := s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions WHERE agent_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
		agentID, limit, offset)
	page.Data = txs
	return page, err
}

func (s *SQLiteStore) Earnings(ctx context.Context, agentID string) ([]model.CreditTransaction, error) {
	return s.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM credit_transactions
		 WHERE agent_id = ? AND kind IN (?, ?) AND amount > 0 ORDER BY seq DESC`,
		agentID, string(model.TxEarned), string(model.TxPayout))
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]model.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query transactions")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.CreditTransaction{}
	for rows.Next() {
		ct, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		out = append(out, *ct)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: transaction rows")
}

func (s *SQLiteStore) LastRefill(ctx context.Context, agentID string) (time.Time, error) {
	return lastRefillSQLite(ctx, s.db, agentID)
}

func lastRefillSQLite(ctx context.Context, q sqliteQuerier, agentID string) (time.Time, error) {
	var last sql.NullTime
	err := q.QueryRowContext(ctx, `SELECT last_refill FROM credit_balances WHERE agent_id = ?`, agentID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: last refill %s", agentID)
	}
	return last.Time, nil
}

func (s *SQLiteStore) SetLastRefill(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_balances (agent_id, balance, last_refill) VALUES (?, 0, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET last_refill = excluded.last_refill`,
		agentID, utc(at))
	return eris.Wrapf(err, "sqlite: set last refill %s", agentID)
}

func (s *SQLiteStore) Refill(ctx context.Context, agentID string, policy model.RefillPolicy, at time.Time) (model.RefillResult, error) {
	var result model.RefillResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		last, err := lastRefillSQLite(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if !policy.Due(last, at) {
			bal, err := balanceSQLite(ctx, tx, agentID)
			result = model.RefillResult{Balance: bal, LastRefill: last}
			return err
		}

		bal, _, err := postSQLite(ctx, tx, model.CreditTransaction{
			AgentID:   agentID,
			Amount:    policy.Amount,
			Kind:      model.TxRefill,
			Reason:    policy.Reason,
			CreatedAt: at,
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE credit_balances SET last_refill = ? WHERE agent_id = ?`, utc(at), agentID); err != nil {
			return eris.Wrapf(err, "sqlite: set last refill %s", agentID)
		}
		result = model.RefillResult{Refilled: true, Amount: policy.Amount, Balance: bal, LastRefill: at}
		return nil
	})
	return result, err
}

// --- Listings ---

func (s *SQLiteStore) CreateListing(ctx context.Context, l model.Listing) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (`+listingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.KnowledgeUnitID, l.ContributorID, l.PriceCredits, string(l.AccessModel), l.Domain,
		l.Title, l.Description, l.Purchases, utc(l.CreatedAt), utc(l.UpdatedAt))
	return eris.Wrapf(err, "sqlite: insert listing %s", l.ID)
}

func (s *SQLiteStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	l, err := scanListing(s.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("listing", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get listing %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) SearchListings(ctx context.Context, f model.ListingFilter) (model.Page[model.Listing], error) {
	offset, limit := model.NormalizeWindow(f.Offset, f.Limit)
	page := model.Page[model.Listing]{Offset: offset, Limit: limit}
	where, args := listingWhere(f, questionMark)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`+where, args...).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "sqlite: count listings")
	}
	data, err := s.queryListings(ctx,
		`SELECT `+listingColumns+` FROM listings`+where+` ORDER BY purchases DESC, created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	page.Data = data
	return page, err
}

func (s *SQLiteStore) ListingsByContributor(ctx context.Context, contributorID string) ([]model.Listing, error) {
	return s.queryListings(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE contributor_id = ? ORDER BY created_at DESC, id`,
		contributorID)
}

func (s *SQLiteStore) queryListings(ctx context.Context, query string, args ...any) ([]model.Listing, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query listings")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: listing rows")
}

func (s *SQLiteStore) RecordPurchase(ctx context.Context, listingID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE listings SET purchases = purchases + 1, updated_at = ? WHERE id = ?`, utc(at), listingID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: record purchase %s", listingID)
	}
	return checkRowsAffected(res, "listing", listingID)
}

// --- Subscriptions ---

func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.AgentID, sub.Domain, sub.CreditsPerMonth, string(sub.Status), utc(sub.CreatedAt), utc(sub.ExpiresAt))
	return eris.Wrapf(err, "sqlite: insert subscription %s", sub.ID)
}

func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub model.Subscription) (*model.Subscription, error) {
	out, err := scanSubscription(s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id, domain) WHERE status = 'active' DO UPDATE SET
		   credits_per_month = excluded.credits_per_month,
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at
		 RETURNING `+subscriptionColumns,
		sub.ID, sub.AgentID, sub.Domain, sub.CreditsPerMonth, string(sub.Status), utc(sub.CreatedAt), utc(sub.ExpiresAt)))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert subscription %s/%s", sub.AgentID, sub.Domain)
	}
	return out, nil
}

func (s *SQLiteStore) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("subscription", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get subscription %s", id)
	}
	return sub, nil
}

func (s *SQLiteStore) CancelSubscription(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ? WHERE id = ?`, string(model.SubscriptionCancelled), id)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel subscription %s", id)
	}
	if err := checkRowsAffected(res, "subscription", id); err != nil {
		if apperr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) ActiveSubscriptions(ctx context.Context, agentID string, now time.Time) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE agent_id = ? AND status = ? ORDER BY created_at, id`,
		agentID, string(model.SubscriptionActive))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subscriptions")
	}
	defer rows.Close() //nolint:errcheck

	var all []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subscription")
		}
		all = append(all, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: subscription rows")
	}
	return activeOnly(all, now), nil
}
