// Package marketplace lists knowledge units for sale and settles purchases
// against the credit ledger.
package marketplace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

// DefaultRevenueShare is the contributor's cut of an org-access sale.
const DefaultRevenueShare = 0.70

// Payments settles org-access purchases.
type Payments interface {
	Transfer(ctx context.Context, t model.Transfer) (model.TransferResult, error)
}

// Entitlements answers whether an agent may read a subscription domain.
type Entitlements interface {
	HasActive(ctx context.Context, agentID, domain string) (bool, error)
}

// Config controls the revenue split. A nil RevenueShare means unset; zero is
// a valid share that routes the whole org-access price to the platform.
type Config struct {
	RevenueShare *float64 `mapstructure:"revenue_share"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs listings and purchases.
type Engine struct {
	store        store.ListingStore
	payments     Payments
	entitlements Entitlements
	share        decimal.Decimal
	now          func() time.Time
}

// New creates an Engine. A revenue share that is unset or outside [0,1]
// falls back to DefaultRevenueShare.
func New(st store.ListingStore, payments Payments, entitlements Entitlements, cfg Config, opts ...Option) *Engine {
	share := DefaultRevenueShare
	if v := cfg.RevenueShare; v != nil {
		if *v < 0 || *v > 1 {
			zap.L().Warn("marketplace: revenue share out of range, using default",
				zap.Float64("revenue_share", *v),
			)
		} else {
			share = *v
		}
	}
	e := &Engine{
		store:        st,
		payments:     payments,
		entitlements: entitlements,
		share:        decimal.NewFromFloat(share),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RevenueShare returns the contributor share in effect.
func (e *Engine) RevenueShare() decimal.Decimal { return e.share }

// NewListing is the input for CreateListing.
type NewListing struct {
	KnowledgeUnitID string            `json:"knowledge_unit_id" yaml:"knowledge_unit_id"`
	ContributorID   string            `json:"contributor_id" yaml:"contributor_id"`
	PriceCredits    int64             `json:"price_credits" yaml:"price_credits"`
	AccessModel     model.AccessModel `json:"access_model" yaml:"access_model"`
	Domain          string            `json:"domain" yaml:"domain"`
	Title           string            `json:"title" yaml:"title"`
	Description     string            `json:"description" yaml:"description"`
}

func (n NewListing) validate() error {
	switch {
	case strings.TrimSpace(n.ContributorID) == "":
		return apperr.Validation("contributor_id", "is required")
	case strings.TrimSpace(n.Title) == "":
		return apperr.Validation("title", "is required")
	case strings.TrimSpace(n.Domain) == "":
		return apperr.Validation("domain", "is required")
	case !n.AccessModel.Valid():
		return apperr.Validation("access_model", "must be one of free, org, subscription")
	case n.PriceCredits < 0:
		return apperr.Validation("price_credits", "must not be negative")
	}
	return nil
}

// CreateListing validates and stores a new listing.
func (e *Engine) CreateListing(ctx context.Context, n NewListing) (*model.Listing, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	now := e.now()
	l := model.Listing{
		ID:              "kp:listing:" + uuid.NewString(),
		KnowledgeUnitID: n.KnowledgeUnitID,
		ContributorID:   n.ContributorID,
		PriceCredits:    n.PriceCredits,
		AccessModel:     n.AccessModel,
		Domain:          n.Domain,
		Title:           n.Title,
		Description:     n.Description,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateListing(ctx, l); err != nil {
		return nil, eris.Wrap(err, "marketplace: create listing")
	}
	return &l, nil
}

// GetListing returns a listing or a NotFound error.
func (e *Engine) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	return e.store.GetListing(ctx, id)
}

// Query filters Search. Zero fields match everything.
type Query struct {
	Domain      string
	AccessModel model.AccessModel
	Text        string
	Offset      int
	Limit       int
}

// Search returns listings ordered by purchases, most popular first.
func (e *Engine) Search(ctx context.Context, q Query) (model.Page[model.Listing], error) {
	if q.AccessModel != "" && !q.AccessModel.Valid() {
		return model.Page[model.Listing]{}, apperr.Validation("access_model", "must be one of free, org, subscription")
	}
	return e.store.SearchListings(ctx, model.ListingFilter{
		Domain:      q.Domain,
		AccessModel: q.AccessModel,
		Text:        strings.TrimSpace(q.Text),
		Offset:      q.Offset,
		Limit:       q.Limit,
	})
}

// ByContributor returns a contributor's listings, newest first.
func (e *Engine) ByContributor(ctx context.Context, contributorID string) ([]model.Listing, error) {
	return e.store.ListingsByContributor(ctx, contributorID)
}

// PurchaseOutcome describes a completed purchase.
type PurchaseOutcome struct {
	Purchased         bool   `json:"purchased"`
	ListingID         string `json:"listing_id"`
	CreditsSpent      int64  `json:"credits_spent"`
	ContributorPayout int64  `json:"contributor_payout"`
	PlatformFee       int64  `json:"platform_fee"`
	ViaSubscription   bool   `json:"via_subscription"`
}

// Split divides price into the contributor payout and the platform fee.
// The payout is rounded down.
func (e *Engine) Split(price int64) (payout, fee int64) {
	payout = decimal.NewFromInt(price).Mul(e.share).Floor().IntPart()
	return payout, price - payout
}

// Purchase buys listingID for buyerID. Free listings and covered
// subscription domains cost nothing; org listings move credits from the
// buyer to the contributor in one atomic transfer.
func (e *Engine) Purchase(ctx context.Context, listingID, buyerID string) (*PurchaseOutcome, error) {
	if buyerID == "" {
		return nil, apperr.Validation("buyer_id", "is required")
	}
	l, err := e.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	out := &PurchaseOutcome{ListingID: l.ID}

	switch {
	case l.AccessModel == model.AccessFree || l.PriceCredits == 0:
		if err := e.store.RecordPurchase(ctx, l.ID, e.now()); err != nil {
			return nil, eris.Wrap(err, "marketplace: record free purchase")
		}

	case l.AccessModel == model.AccessSubscription:
		ok, err := e.entitlements.HasActive(ctx, buyerID, l.Domain)
		if err != nil {
			return nil, eris.Wrap(err, "marketplace: check subscription")
		}
		if !ok {
			return nil, apperr.SubscriptionRequired(l.Domain)
		}
		if err := e.store.RecordPurchase(ctx, l.ID, e.now()); err != nil {
			return nil, eris.Wrap(err, "marketplace: record subscription purchase")
		}
		out.ViaSubscription = true

	default:
		payout, fee := e.Split(l.PriceCredits)
		res, err := e.payments.Transfer(ctx, model.Transfer{
			From:      buyerID,
			To:        l.ContributorID,
			Amount:    l.PriceCredits,
			Payout:    payout,
			Reason:    fmt.Sprintf("Purchase: %s", l.Title),
			ListingID: l.ID,
		})
		if err != nil {
			return nil, eris.Wrap(err, "marketplace: settle purchase")
		}
		if !res.OK {
			return nil, apperr.InsufficientCredits(res.Balance, l.PriceCredits)
		}
		out.CreditsSpent = l.PriceCredits
		out.ContributorPayout = payout
		out.PlatformFee = fee
	}

	out.Purchased = true
	zap.L().Info("marketplace: purchase",
		zap.String("listing_id", l.ID),
		zap.String("buyer_id", buyerID),
		zap.Int64("credits_spent", out.CreditsSpent),
		zap.Bool("via_subscription", out.ViaSubscription),
	)
	return out, nil
}
