package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/model"
)

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func questionMark(int) string { return "?" }

func dollar(n int) string { return fmt.Sprintf("$%d", n) }

const listingColumns = `id, knowledge_unit_id, contributor_id, price_credits, access_model, domain, title, description, purchases, created_at, updated_at`

// listingWhere builds the WHERE clause and arguments for a listing search.
func listingWhere(f model.ListingFilter, ph placeholder) (string, []any) {
	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	if f.Domain != "" {
		clauses = append(clauses, "domain = "+next(f.Domain))
	}
	if f.AccessModel != "" {
		clauses = append(clauses, "access_model = "+next(string(f.AccessModel)))
	}
	if f.Text != "" {
		pattern := likePattern(f.Text)
		clauses = append(clauses, fmt.Sprintf(
			`(LOWER(title) LIKE %s ESCAPE '\' OR LOWER(description) LIKE %s ESCAPE '\')`,
			next(pattern), next(pattern),
		))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanListing(row scannable) (*model.Listing, error) {
	var l model.Listing
	var access string
	err := row.Scan(&l.ID, &l.KnowledgeUnitID, &l.ContributorID, &l.PriceCredits, &access,
		&l.Domain, &l.Title, &l.Description, &l.Purchases, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.AccessModel = model.AccessModel(access)
	return &l, nil
}

const subscriptionColumns = `id, agent_id, domain, credits_per_month, status, created_at, expires_at`

func scanSubscription(row scannable) (*model.Subscription, error) {
	var s model.Subscription
	var status string
	if err := row.Scan(&s.ID, &s.AgentID, &s.Domain, &s.CreditsPerMonth, &status, &s.CreatedAt, &s.ExpiresAt); err != nil {
		return nil, err
	}
	s.Status = model.SubscriptionStatus(status)
	return &s, nil
}

const transactionColumns = `id, agent_id, amount, kind, reason, listing_id, created_at`

func scanTransaction(row scannable) (*model.CreditTransaction, error) {
	var tx model.CreditTransaction
	var kind string
	if err := row.Scan(&tx.ID, &tx.AgentID, &tx.Amount, &kind, &tx.Reason, &tx.ListingID, &tx.CreatedAt); err != nil {
		return nil, err
	}
	tx.Kind = model.TransactionKind(kind)
	return &tx, nil
}

const badgeColumns = `id, agent_id, domain, level, granted_at, granted_by`

func scanBadge(row scannable) (*model.Badge, error) {
	var b model.Badge
	var level string
	if err := row.Scan(&b.ID, &b.AgentID, &b.Domain, &level, &b.GrantedAt, &b.GrantedBy); err != nil {
		return nil, err
	}
	b.Level = model.BadgeLevel(level)
	return &b, nil
}

const reputationColumns = `agent_id, score, contributions, validations, history, created_at, updated_at`

func scanReputation(row scannable) (*model.ReputationRecord, error) {
	var r model.ReputationRecord
	var history []byte
	if err := row.Scan(&r.AgentID, &r.Score, &r.Contributions, &r.Validations, &history, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(history, &r.History); err != nil {
		return nil, eris.Wrap(err, "unmarshal history")
	}
	return &r, nil
}

const proposalColumns = `id, agent_id, domain, target_level, proposed_by, votes, status, created_at, closes_at`

func scanProposal(row scannable) (*model.Proposal, error) {
	var p model.Proposal
	var level, status string
	var votes []byte
	if err := row.Scan(&p.ID, &p.AgentID, &p.Domain, &level, &p.ProposedBy, &votes, &status, &p.CreatedAt, &p.ClosesAt); err != nil {
		return nil, err
	}
	p.TargetLevel = model.BadgeLevel(level)
	p.Status = model.ProposalStatus(status)
	if err := unmarshalJSON(votes, &p.Votes); err != nil {
		return nil, eris.Wrap(err, "unmarshal votes")
	}
	return &p, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// marshalList encodes a slice as JSON, writing [] for nil.
func marshalList[T any](items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	return json.Marshal(items)
}
