package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

// ReputationStore persists reputation records, validation votes and trust
// snapshots.
type ReputationStore interface {
	GetReputation(ctx context.Context, agentID string) (*model.ReputationRecord, error)
	// ApplyReputation folds adj into the agent's record atomically, creating
	// the record when it does not exist.
	ApplyReputation(ctx context.Context, adj model.Adjustment, at time.Time) (*model.ReputationRecord, error)
	// Leaderboard orders records by score descending, then agent ID.
	Leaderboard(ctx context.Context, offset, limit int) (model.Page[model.ReputationRecord], error)

	RecordVote(ctx context.Context, v model.Vote) error
	// Votes returns every recorded vote in insertion order.
	Votes(ctx context.Context) ([]model.Vote, error)

	TrustScores(ctx context.Context) (map[string]float64, error)
	SaveTrustScores(ctx context.Context, scores []model.TrustScore) error
}

// CertificationStore persists badges and certification proposals.
type CertificationStore interface {
	// GrantBadge inserts b unless a badge with the same ID exists. It returns
	// the stored badge and whether it was newly created.
	GrantBadge(ctx context.Context, b model.Badge) (model.Badge, bool, error)
	Badges(ctx context.Context, agentID string) ([]model.Badge, error)

	CreateProposal(ctx context.Context, p model.Proposal) error
	GetProposal(ctx context.Context, id string) (*model.Proposal, error)
	OpenProposals(ctx context.Context) ([]model.Proposal, error)
	// CastProposalVote records v on an open proposal and persists the
	// resolution returned by resolve, all in one unit. Voting on a terminal
	// proposal is a conflict.
	CastProposalVote(ctx context.Context, id string, v model.ProposalVote, resolve func(*model.Proposal) model.Resolution) (*model.Proposal, error)
}

// CreditStore persists balances and the append-only transaction log.
type CreditStore interface {
	Balance(ctx context.Context, agentID string) (int64, error)
	// Post applies tx.Amount to the agent's balance and appends tx. A
	// negative amount that would overdraw the balance writes nothing and
	// returns ok=false with the current balance.
	Post(ctx context.Context, tx model.CreditTransaction) (balance int64, ok bool, err error)
	// Transfer debits, credits and (for listing purchases) bumps the purchase
	// counter as one unit.
	Transfer(ctx context.Context, t model.Transfer, at time.Time) (model.TransferResult, error)
	// Transactions returns the agent's transactions newest first.
	Transactions(ctx context.Context, agentID string, offset, limit int) (model.Page[model.CreditTransaction], error)
	// Earnings returns positive earned and payout transactions, newest first.
	Earnings(ctx context.Context, agentID string) ([]model.CreditTransaction, error)

	LastRefill(ctx context.Context, agentID string) (time.Time, error)
	SetLastRefill(ctx context.Context, agentID string, at time.Time) error
	// Refill grants policy.Amount when a refill is due, as an atomic
	// check-and-set on the agent's last refill time.
	Refill(ctx context.Context, agentID string, policy model.RefillPolicy, at time.Time) (model.RefillResult, error)
}

// ListingStore persists marketplace listings.
type ListingStore interface {
	CreateListing(ctx context.Context, l model.Listing) error
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	// SearchListings orders by purchases descending, then newest first.
	SearchListings(ctx context.Context, f model.ListingFilter) (model.Page[model.Listing], error)
	ListingsByContributor(ctx context.Context, contributorID string) ([]model.Listing, error)
	RecordPurchase(ctx context.Context, listingID string, at time.Time) error
}

// SubscriptionStore persists domain subscriptions. Subscriptions are never
// overwritten; a cancelled subscription stays cancelled.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s model.Subscription) error
	// UpsertSubscription renews the agent's active subscription to s.Domain
	// in place, taking s's price, start and expiry, or inserts s when there is
	// none. At most one active subscription exists per agent and domain.
	UpsertSubscription(ctx context.Context, s model.Subscription) (*model.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	// CancelSubscription reports false when the subscription does not exist.
	CancelSubscription(ctx context.Context, id string) (bool, error)
	// ActiveSubscriptions returns subscriptions that are active and unexpired at now.
	ActiveSubscriptions(ctx context.Context, agentID string, now time.Time) ([]model.Subscription, error)
}

// Store is the full persistence interface shared by every backend.
type Store interface {
	ReputationStore
	CertificationStore
	CreditStore
	ListingStore
	SubscriptionStore

	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// HasActiveSubscription reports whether agentID holds an active, unexpired
// subscription for domain.
func HasActiveSubscription(ctx context.Context, s SubscriptionStore, agentID, domain string, now time.Time) (bool, error) {
	subs, err := s.ActiveSubscriptions(ctx, agentID, now)
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.Entitles(domain, now) {
			return true, nil
		}
	}
	return false, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

// likePattern builds a case-insensitive substring pattern for LIKE/ILIKE with
// backslash as the escape character.
func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(text)) + "%"
}

func activeOnly(subs []model.Subscription, now time.Time) []model.Subscription {
	out := make([]model.Subscription, 0, len(subs))
	for _, s := range subs {
		if s.Status == model.SubscriptionActive && now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	return out
}
