// Package credit runs the credit economy: balances, the append-only
// transaction log, tier refills and atomic transfers.
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

// RefillInterval is the minimum time between tier refills.
const RefillInterval = 30 * 24 * time.Hour

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the credit ledger. Balances never go negative.
type Ledger struct {
	store store.CreditStore
	now   func() time.Time
}

// New creates a ledger over st.
func New(st store.CreditStore, opts ...Option) *Ledger {
	l := &Ledger{store: st, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Balance returns the agent's balance; unknown agents have zero.
func (l *Ledger) Balance(ctx context.Context, agentID string) (int64, error) {
	return l.store.Balance(ctx, agentID)
}

// AddCredits grants a positive amount and returns the new balance.
func (l *Ledger) AddCredits(ctx context.Context, agentID string, amount int64, reason string) (int64, error) {
	if err := validate(agentID, amount); err != nil {
		return 0, err
	}
	bal, _, err := l.store.Post(ctx, model.CreditTransaction{
		AgentID:   agentID,
		Amount:    amount,
		Kind:      model.TxEarned,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "credit: add %d to %s", amount, agentID)
	}
	return bal, nil
}

// DeductCredits removes amount if the balance covers it. It reports false,
// writing nothing, when it does not.
func (l *Ledger) DeductCredits(ctx context.Context, agentID string, amount int64, reason string) (bool, error) {
	if err := validate(agentID, amount); err != nil {
		return false, err
	}
	_, ok, err := l.store.Post(ctx, model.CreditTransaction{
		AgentID:   agentID,
		Amount:    -amount,
		Kind:      model.TxSpent,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return false, eris.Wrapf(err, "credit: deduct %d from %s", amount, agentID)
	}
	return ok, nil
}

// Reverse returns a previously deducted amount. The entry is recorded as a
// positive spent transaction so it never counts as earnings.
func (l *Ledger) Reverse(ctx context.Context, agentID string, amount int64, reason string) (int64, error) {
	if err := validate(agentID, amount); err != nil {
		return 0, err
	}
	bal, _, err := l.store.Post(ctx, model.CreditTransaction{
		AgentID:   agentID,
		Amount:    amount,
		Kind:      model.TxSpent,
		Reason:    reason,
		CreatedAt: l.now(),
	})
	if err != nil {
		return 0, eris.Wrapf(err, "credit: reverse %d for %s", amount, agentID)
	}
	return bal, nil
}

// Transfer debits t.Amount from t.From and credits t.Payout to t.To as one
// unit, bumping the listing's purchase counter when t.ListingID is set.
func (l *Ledger) Transfer(ctx context.Context, t model.Transfer) (model.TransferResult, error) {
	switch {
	case t.From == "":
		return model.TransferResult{}, apperr.Validation("from", "is required")
	case t.To == "":
		return model.TransferResult{}, apperr.Validation("to", "is required")
	case t.Amount <= 0:
		return model.TransferResult{}, apperr.Validation("amount", "must be positive")
	case t.Payout < 0 || t.Payout > t.Amount:
		return model.TransferResult{}, apperr.Validation("payout", "must be between 0 and %d", t.Amount)
	}
	res, err := l.store.Transfer(ctx, t, l.now())
	if err != nil {
		return model.TransferResult{}, eris.Wrapf(err, "credit: transfer %s -> %s", t.From, t.To)
	}
	return res, nil
}

// LastRefill returns when the agent was last refilled; zero means never.
func (l *Ledger) LastRefill(ctx context.Context, agentID string) (time.Time, error) {
	return l.store.LastRefill(ctx, agentID)
}

// SetLastRefill records a refill time without granting credits.
func (l *Ledger) SetLastRefill(ctx context.Context, agentID string, at time.Time) error {
	return l.store.SetLastRefill(ctx, agentID, at)
}

// Refill grants the tier's monthly amount if the agent has never been
// refilled or was last refilled at least RefillInterval ago.
func (l *Ledger) Refill(ctx context.Context, agentID string, tier model.Tier) (model.RefillResult, error) {
	if agentID == "" {
		return model.RefillResult{}, apperr.Validation("agent_id", "is required")
	}
	tier = tier.Normalize()
	policy := model.RefillPolicy{
		Amount:   tier.RefillAmount(),
		Interval: RefillInterval,
		Reason:   fmt.Sprintf("Monthly %s tier refill", tier),
	}
	res, err := l.store.Refill(ctx, agentID, policy, l.now())
	if err != nil {
		return model.RefillResult{}, eris.Wrapf(err, "credit: refill %s", agentID)
	}
	if res.Refilled {
		zap.L().Info("credit: refilled",
			zap.String("agent_id", agentID),
			zap.String("tier", string(tier)),
			zap.Int64("amount", res.Amount),
		)
	}
	return res, nil
}

// Statement is an agent's balance after the refill check.
type Statement struct {
	AgentID    string     `json:"agent_id"`
	Balance    int64      `json:"balance"`
	Tier       model.Tier `json:"tier"`
	LastRefill *time.Time `json:"last_refill"`
	Refilled   bool       `json:"refilled"`
}

// Statement applies any due refill and reports the resulting balance.
func (l *Ledger) Statement(ctx context.Context, agentID string, tier model.Tier) (Statement, error) {
	res, err := l.Refill(ctx, agentID, tier)
	if err != nil {
		return Statement{}, err
	}
	st := Statement{AgentID: agentID, Balance: res.Balance, Tier: tier.Normalize(), Refilled: res.Refilled}
	if !res.LastRefill.IsZero() {
		last := res.LastRefill
		st.LastRefill = &last
	}
	return st, nil
}

// Transactions pages the agent's transactions, newest first.
func (l *Ledger) Transactions(ctx context.Context, agentID string, offset, limit int) (model.Page[model.CreditTransaction], error) {
	return l.store.Transactions(ctx, agentID, offset, limit)
}

// Earnings is a contributor's income from grants and sale payouts.
type Earnings struct {
	AgentID      string                    `json:"agent_id"`
	Total        int64                     `json:"total_earnings"`
	Transactions []model.CreditTransaction `json:"transactions"`
}

// Earnings totals the agent's positive earned and payout transactions.
func (l *Ledger) Earnings(ctx context.Context, agentID string) (Earnings, error) {
	txs, err := l.store.Earnings(ctx, agentID)
	if err != nil {
		return Earnings{}, eris.Wrapf(err, "credit: earnings %s", agentID)
	}
	e := Earnings{AgentID: agentID, Transactions: txs}
	for _, tx := range txs {
		e.Total += tx.Amount
	}
	return e, nil
}

func validate(agentID string, amount int64) error {
	if agentID == "" {
		return apperr.Validation("agent_id", "is required")
	}
	if amount <= 0 {
		return apperr.Validation("amount", "must be positive")
	}
	return nil
}
