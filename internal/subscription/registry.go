// Package subscription manages domain subscriptions paid in credits.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

// Defaults applied when Config fields are zero.
const (
	DefaultCredits = 50
	DefaultPeriod  = 30 * 24 * time.Hour
)

// Payments charges and refunds subscription fees.
type Payments interface {
	Balance(ctx context.Context, agentID string) (int64, error)
	DeductCredits(ctx context.Context, agentID string, amount int64, reason string) (bool, error)
	Reverse(ctx context.Context, agentID string, amount int64, reason string) (int64, error)
}

// Config controls subscription pricing.
type Config struct {
	DefaultCredits int64         `mapstructure:"default_credits"`
	Period         time.Duration `mapstructure:"period"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry creates, cancels and checks subscriptions.
type Registry struct {
	store    store.SubscriptionStore
	payments Payments
	cfg      Config
	now      func() time.Time
}

// New creates a Registry.
func New(st store.SubscriptionStore, payments Payments, cfg Config, opts ...Option) *Registry {
	if cfg.DefaultCredits <= 0 {
		cfg.DefaultCredits = DefaultCredits
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	r := &Registry{
		store:    st,
		payments: payments,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe charges one period up front. An existing active subscription to
// the same domain is renewed from now; otherwise a new one is created.
// creditsPerMonth <= 0 uses the configured default.
func (r *Registry) Subscribe(ctx context.Context, agentID, domain string, creditsPerMonth int64) (*model.Subscription, error) {
	if agentID == "" {
		return nil, apperr.Validation("agent_id", "is required")
	}
	if domain == "" {
		return nil, apperr.Validation("domain", "is required")
	}
	if creditsPerMonth <= 0 {
		creditsPerMonth = r.cfg.DefaultCredits
	}

	reason := fmt.Sprintf("Subscription to %s domain", domain)
	ok, err := r.payments.DeductCredits(ctx, agentID, creditsPerMonth, reason)
	if err != nil {
		return nil, eris.Wrap(err, "subscription: charge")
	}
	if !ok {
		bal, err := r.payments.Balance(ctx, agentID)
		if err != nil {
			return nil, eris.Wrap(err, "subscription: balance")
		}
		return nil, apperr.InsufficientCredits(bal, creditsPerMonth)
	}

	now := r.now()
	sub := model.Subscription{
		ID:              "kp:sub:" + uuid.NewString(),
		AgentID:         agentID,
		Domain:          domain,
		CreditsPerMonth: creditsPerMonth,
		Status:          model.SubscriptionActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.cfg.Period),
	}
	saved, err := r.store.UpsertSubscription(ctx, sub)
	if err != nil {
		if _, rerr := r.payments.Reverse(ctx, agentID, creditsPerMonth, "Refund: "+reason); rerr != nil {
			zap.L().Error("subscription: refund failed",
				zap.String("agent_id", agentID),
				zap.Int64("amount", creditsPerMonth),
				zap.Error(rerr),
			)
		}
		return nil, eris.Wrap(err, "subscription: create")
	}

	zap.L().Info("subscription: active",
		zap.String("id", saved.ID),
		zap.String("agent_id", agentID),
		zap.String("domain", domain),
		zap.Bool("renewed", saved.ID != sub.ID),
	)
	return saved, nil
}

// Cancel marks a subscription cancelled. It reports false for unknown IDs.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.CancelSubscription(ctx, id)
	if err != nil {
		return false, eris.Wrapf(err, "subscription: cancel %s", id)
	}
	return ok, nil
}

// Get returns a subscription by ID.
func (r *Registry) Get(ctx context.Context, id string) (*model.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

// ListActive returns the agent's active, unexpired subscriptions.
func (r *Registry) ListActive(ctx context.Context, agentID string) ([]model.Subscription, error) {
	return r.store.ActiveSubscriptions(ctx, agentID, r.now())
}

// HasActive reports whether the agent holds an active subscription to domain.
func (r *Registry) HasActive(ctx context.Context, agentID, domain string) (bool, error) {
	return store.HasActiveSubscription(ctx, r.store, agentID, domain, r.now())
}
