package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

// Memory implements Store in process memory. Compound operations hold
// per-entity key locks; mu only guards the maps themselves.
type Memory struct {
	keys *keyedMutex
	mu   sync.RWMutex

	reputations map[string]*model.ReputationRecord
	votes       []model.Vote
	trust       map[string]model.TrustScore
	badges      map[string]model.Badge
	proposals   map[string]*model.Proposal

	balances     map[string]int64
	lastRefill   map[string]time.Time
	transactions []model.CreditTransaction

	listings      map[string]*model.Listing
	subscriptions map[string]*model.Subscription
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:          newKeyedMutex(),
		reputations:   make(map[string]*model.ReputationRecord),
		trust:         make(map[string]model.TrustScore),
		badges:        make(map[string]model.Badge),
		proposals:     make(map[string]*model.Proposal),
		balances:      make(map[string]int64),
		lastRefill:    make(map[string]time.Time),
		listings:      make(map[string]*model.Listing),
		subscriptions: make(map[string]*model.Subscription),
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func agentKey(id string) string    { return "agent:" + id }
func listingKey(id string) string  { return "listing:" + id }
func proposalKey(id string) string { return "proposal:" + id }

func cloneRecord(r *model.ReputationRecord) *model.ReputationRecord {
	c := *r
	c.History = append([]model.HistoryEntry(nil), r.History...)
	return &c
}

func cloneProposal(p *model.Proposal) *model.Proposal {
	c := *p
	c.Votes = append([]model.ProposalVote(nil), p.Votes...)
	return &c
}

// --- Reputation ---

func (m *Memory) GetReputation(_ context.Context, agentID string) (*model.ReputationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.reputations[agentID]
	if !ok {
		return nil, apperr.NotFound("reputation", agentID)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) ApplyReputation(_ context.Context, adj model.Adjustment, at time.Time) (*model.ReputationRecord, error) {
	unlock := m.keys.Lock(agentKey(adj.AgentID))
	defer unlock()

	m.mu.RLock()
	var rec *model.ReputationRecord
	if cur, ok := m.reputations[adj.AgentID]; ok {
		rec = cloneRecord(cur)
	}
	m.mu.RUnlock()

	rec = adj.Apply(rec, at)

	m.mu.Lock()
	m.reputations[adj.AgentID] = rec
	m.mu.Unlock()
	return cloneRecord(rec), nil
}

func (m *Memory) Leaderboard(_ context.Context, offset, limit int) (model.Page[model.ReputationRecord], error) {
	m.mu.RLock()
	all := make([]model.ReputationRecord, 0, len(m.reputations))
	for _, r := range m.reputations {
		all = append(all, *cloneRecord(r))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].AgentID < all[j].AgentID
	})
	return model.Paginate(all, offset, limit), nil
}

func (m *Memory) RecordVote(_ context.Context, v model.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = append(m.votes, v)
	return nil
}

func (m *Memory) Votes(context.Context) ([]model.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Vote(nil), m.votes...), nil
}

func (m *Memory) TrustScores(context.Context) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.trust))
	for id, s := range m.trust {
		out[id] = s.Score
	}
	return out, nil
}

func (m *Memory) SaveTrustScores(_ context.Context, scores []model.TrustScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range scores {
		m.trust[s.AgentID] = s
	}
	return nil
}

// --- Certification ---

func (m *Memory) GrantBadge(_ context.Context, b model.Badge) (model.Badge, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.badges[b.ID]; ok {
		return existing, false, nil
	}
	m.badges[b.ID] = b
	return b, true, nil
}

func (m *Memory) Badges(_ context.Context, agentID string) ([]model.Badge, error) {
	m.mu.RLock()
	out := []model.Badge{}
	for _, b := range m.badges {
		if b.AgentID == agentID {
			out = append(out, b)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CreateProposal(_ context.Context, p model.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.ID] = cloneProposal(&p)
	return nil
}

func (m *Memory) GetProposal(_ context.Context, id string) (*model.Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, apperr.NotFound("proposal", id)
	}
	return cloneProposal(p), nil
}

func (m *Memory) OpenProposals(context.Context) ([]model.Proposal, error) {
	m.mu.RLock()
	out := []model.Proposal{}
	for _, p := range m.proposals {
		if p.Status == model.ProposalOpen {
			out = append(out, *cloneProposal(p))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CastProposalVote(ctx context.Context, id string, v model.ProposalVote, resolve func(*model.Proposal) model.Resolution) (*model.Proposal, error) {
	unlock := m.keys.Lock(proposalKey(id))
	defer unlock()

	p, err := m.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, apperr.Conflict(eris.Errorf("proposal %s is %s", id, p.Status))
	}

	p.UpsertVote(v)
	res := resolve(p)
	p.Status = res.Status

	m.mu.Lock()
	m.proposals[id] = cloneProposal(p)
	if res.Badge != nil {
		if _, ok := m.badges[res.Badge.ID]; !ok {
			m.badges[res.Badge.ID] = *res.Badge
		}
	}
	m.mu.Unlock()
	return p, nil
}

// --- Credits ---

func (m *Memory) Balance(_ context.Context, agentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[agentID], nil
}

// postLocked applies tx. Callers hold the agent's key lock.
func (m *Memory) postLocked(tx model.CreditTransaction) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.balances[tx.AgentID]
	if bal+tx.Amount < 0 {
		return bal, false
	}
	bal += tx.Amount
	m.balances[tx.AgentID] = bal
	m.transactions = append(m.transactions, fillTransaction(tx))
	return bal, true
}

func (m *Memory) Post(_ context.Context, tx model.CreditTransaction) (int64, bool, error) {
	unlock := m.keys.Lock(agentKey(tx.AgentID))
	defer unlock()
	bal, ok := m.postLocked(tx)
	return bal, ok, nil
}

func (m *Memory) Transfer(_ context.Context, t model.Transfer, at time.Time) (model.TransferResult, error) {
	keys := []string{agentKey(t.From), agentKey(t.To)}
	if t.ListingID != "" {
		keys = append(keys, listingKey(t.ListingID))
	}
	unlock := m.keys.Lock(keys...)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var listing *model.Listing
	if t.ListingID != "" {
		l, ok := m.listings[t.ListingID]
		if !ok {
			return model.TransferResult{}, apperr.NotFound("listing", t.ListingID)
		}
		listing = l
	}

	bal := m.balances[t.From]
	if bal < t.Amount {
		return model.TransferResult{OK: false, Balance: bal}, nil
	}

	for _, tx := range transferTransactions(t, at) {
		m.balances[tx.AgentID] += tx.Amount
		m.transactions = append(m.transactions, tx)
	}
	if listing != nil {
		listing.Purchases++
		listing.UpdatedAt = at
	}
	return model.TransferResult{OK: true, Balance: m.balances[t.From]}, nil
}

func (m *Memory) Transactions(_ context.Context, agentID string, offset, limit int) (model.Page[model.CreditTransaction], error) {
	return model.Paginate(m.agentTransactions(agentID, nil), offset, limit), nil
}

func (m *Memory) Earnings(_ context.Context, agentID string) ([]model.CreditTransaction, error) {
	return m.agentTransactions(agentID, func(tx model.CreditTransaction) bool {
		return tx.Kind.IsEarning() && tx.Amount > 0
	}), nil
}

// agentTransactions returns matching transactions newest first.
func (m *Memory) agentTransactions(agentID string, keep func(model.CreditTransaction) bool) []model.CreditTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.CreditTransaction{}
	for i := len(m.transactions) - 1; i >= 0; i-- {
		tx := m.transactions[i]
		if tx.AgentID == agentID && (keep == nil || keep(tx)) {
			out = append(out, tx)
		}
	}
	return out
}

func (m *Memory) LastRefill(_ context.Context, agentID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRefill[agentID], nil
}

func (m *Memory) SetLastRefill(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRefill[agentID] = at
	return nil
}

func (m *Memory) Refill(_ context.Context, agentID string, policy model.RefillPolicy, at time.Time) (model.RefillResult, error) {
	unlock := m.keys.Lock(agentKey(agentID))
	defer unlock()

	m.mu.RLock()
	last := m.lastRefill[agentID]
	bal := m.balances[agentID]
	m.mu.RUnlock()

	if !policy.Due(last, at) {
		return model.RefillResult{Balance: bal, LastRefill: last}, nil
	}

	bal, _ = m.postLocked(model.CreditTransaction{
		AgentID:   agentID,
		Amount:    policy.Amount,
		Kind:      model.TxRefill,
		Reason:    policy.Reason,
		CreatedAt: at,
	})
	m.mu.Lock()
	m.lastRefill[agentID] = at
	m.mu.Unlock()
	return model.RefillResult{Refilled: true, Amount: policy.Amount, Balance: bal, LastRefill: at}, nil
}

// --- Listings ---

func (m *Memory) CreateListing(_ context.Context, l model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; ok {
		return apperr.Conflict(eris.Errorf("listing %s already exists", l.ID))
	}
	m.listings[l.ID] = &l
	return nil
}

func (m *Memory) GetListing(_ context.Context, id string) (*model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, apperr.NotFound("listing", id)
	}
	c := *l
	return &c, nil
}

func (m *Memory) SearchListings(_ context.Context, f model.ListingFilter) (model.Page[model.Listing], error) {
	text := strings.ToLower(f.Text)
	out := m.filterListings(func(l *model.Listing) bool {
		if f.Domain != "" && l.Domain != f.Domain {
			return false
		}
		if f.AccessModel != "" && l.AccessModel != f.AccessModel {
			return false
		}
		if text != "" &&
			!strings.Contains(strings.ToLower(l.Title), text) &&
			!strings.Contains(strings.ToLower(l.Description), text) {
			return false
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Purchases != out[j].Purchases {
			return out[i].Purchases > out[j].Purchases
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return model.Paginate(out, f.Offset, f.Limit), nil
}

func (m *Memory) ListingsByContributor(_ context.Context, contributorID string) ([]model.Listing, error) {
	out := m.filterListings(func(l *model.Listing) bool { return l.ContributorID == contributorID })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) filterListings(keep func(*model.Listing) bool) []model.Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Listing{}
	for _, l := range m.listings {
		if keep(l) {
			out = append(out, *l)
		}
	}
	return out
}

func (m *Memory) RecordPurchase(_ context.Context, listingID string, at time.Time) error {
	unlock := m.keys.Lock(listingKey(listingID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[listingID]
	if !ok {
		return apperr.NotFound("listing", listingID)
	}
	l.Purchases++
	l.UpdatedAt = at
	return nil
}

// --- Subscriptions ---

func (m *Memory) CreateSubscription(_ context.Context, s model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[s.ID]; ok {
		return apperr.Conflict(eris.Errorf("subscription %s already exists", s.ID))
	}
	m.subscriptions[s.ID] = &s
	return nil
}

func (m *Memory) UpsertSubscription(_ context.Context, s model.Subscription) (*model.Subscription, error) {
	unlock := m.keys.Lock(agentKey(s.AgentID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.subscriptions {
		if cur.AgentID == s.AgentID && cur.Domain == s.Domain && cur.Status == model.SubscriptionActive {
			cur.CreditsPerMonth = s.CreditsPerMonth
			cur.CreatedAt = s.CreatedAt
			cur.ExpiresAt = s.ExpiresAt
			c := *cur
			return &c, nil
		}
	}
	if _, ok := m.subscriptions[s.ID]; ok {
		return nil, apperr.Conflict(eris.Errorf("subscription %s already exists", s.ID))
	}
	m.subscriptions[s.ID] = &s
	c := s
	return &c, nil
}

func (m *Memory) GetSubscription(_ context.Context, id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, apperr.NotFound("subscription", id)
	}
	c := *s
	return &c, nil
}

func (m *Memory) CancelSubscription(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return false, nil
	}
	s.Status = model.SubscriptionCancelled
	return true, nil
}

func (m *Memory) ActiveSubscriptions(_ context.Context, agentID string, now time.Time) ([]model.Subscription, error) {
	m.mu.RLock()
	all := []model.Subscription{}
	for _, s := range m.subscriptions {
		if s.AgentID == agentID {
			all = append(all, *s)
		}
	}
	m.mu.RUnlock()

	out := activeOnly(all, now)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// fillTransaction assigns an ID and timestamp when the caller left them empty.
func fillTransaction(tx model.CreditTransaction) model.CreditTransaction {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	return tx
}

// transferTransactions builds the ledger entries for t: the payer's debit and,
// when the payout is positive, the payee's credit.
func transferTransactions(t model.Transfer, at time.Time) []model.CreditTransaction {
	txs := []model.CreditTransaction{fillTransaction(model.CreditTransaction{
		AgentID:   t.From,
		Amount:    -t.Amount,
		Kind:      model.TxPurchase,
		Reason:    t.Reason,
		ListingID: t.ListingID,
		CreatedAt: at,
	})}
	if t.Payout > 0 {
		txs = append(txs, fillTransaction(model.CreditTransaction{
			AgentID:   t.To,
			Amount:    t.Payout,
			Kind:      model.TxPayout,
			Reason:    t.Reason,
			ListingID: t.ListingID,
			CreatedAt: at,
		}))
	}
	return txs
}
