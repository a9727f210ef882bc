package model

import "time"

// TransactionKind labels a credit transaction.
type TransactionKind string

const (
	TxEarned   TransactionKind = "earned"
	TxSpent    TransactionKind = "spent"
	TxPayout   TransactionKind = "payout"
	TxRefill   TransactionKind = "refill"
	TxPurchase TransactionKind = "purchase"
)

// IsEarning reports whether the kind counts toward contributor earnings.
func (k TransactionKind) IsEarning() bool {
	return k == TxEarned || k == TxPayout
}

// CreditTransaction is an append-only ledger entry. Positive amounts are
// grants or payouts, negative amounts are deductions.
type CreditTransaction struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Amount    int64           `json:"amount"`
	Kind      TransactionKind `json:"type"`
	Reason    string          `json:"description"`
	ListingID string          `json:"related_listing_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Tier is an account tier that determines the monthly credit refill.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// RefillAmount returns the monthly credit grant for the tier. Unknown tiers
// are treated as free.
func (t Tier) RefillAmount() int64 {
	switch t {
	case TierPro:
		return 1000
	case TierEnterprise:
		return 5000
	default:
		return 100
	}
}

// Normalize maps unknown or empty tiers to TierFree.
func (t Tier) Normalize() Tier {
	switch t {
	case TierPro, TierEnterprise:
		return t
	default:
		return TierFree
	}
}

// Transfer moves credits from a buyer to a contributor as one unit. Amount is
// debited from From; Payout (≤ Amount) is credited to To. The difference is
// retained by the platform. When ListingID is set the listing's purchase
// counter is incremented in the same unit.
type Transfer struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Payout    int64  `json:"payout"`
	Reason    string `json:"reason"`
	ListingID string `json:"listing_id,omitempty"`
}

// RefillPolicy describes a periodic grant for one agent.
type RefillPolicy struct {
	Amount   int64
	Interval time.Duration
	Reason   string
}

// RefillResult reports the outcome of a refill check.
type RefillResult struct {
	Refilled   bool      `json:"refilled"`
	Amount     int64     `json:"amount"`
	Balance    int64     `json:"balance"`
	LastRefill time.Time `json:"last_refill"`
}

// Due reports whether a refill is owed at now given the last refill time.
// A zero last means the agent has never been refilled.
func (p RefillPolicy) Due(last, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= p.Interval
}

// TransferResult reports the outcome of an atomic transfer. When OK is false
// nothing was written and Balance is the payer's current balance.
type TransferResult struct {
	OK      bool  `json:"ok"`
	Balance int64 `json:"balance"`
}
