package model

import "time"

// AccessModel is the entitlement gate on a listing.
type AccessModel string

const (
	AccessFree         AccessModel = "free"
	AccessOrg          AccessModel = "org"
	AccessSubscription AccessModel = "subscription"
)

// Valid reports whether m is a known access model.
func (m AccessModel) Valid() bool {
	switch m {
	case AccessFree, AccessOrg, AccessSubscription:
		return true
	}
	return false
}

// Listing is a knowledge unit offered on the marketplace.
type Listing struct {
	ID              string      `json:"id"`
	KnowledgeUnitID string      `json:"knowledge_unit_id"`
	ContributorID   string      `json:"contributor_id"`
	PriceCredits    int64       `json:"price_credits"`
	AccessModel     AccessModel `json:"access_model"`
	Domain          string      `json:"domain"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Purchases       int64       `json:"purchases"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// ListingFilter selects listings for search.
type ListingFilter struct {
	Domain      string      `json:"domain,omitempty"`
	AccessModel AccessModel `json:"access_model,omitempty"`
	Text        string      `json:"q,omitempty"`
	Offset      int         `json:"offset,omitempty"`
	Limit       int         `json:"limit,omitempty"`
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription grants fee-free access to subscription listings in a domain.
type Subscription struct {
	ID              string             `json:"id"`
	AgentID         string             `json:"agent_id"`
	Domain          string             `json:"domain"`
	CreditsPerMonth int64              `json:"credits_per_month"`
	Status          SubscriptionStatus `json:"status"`
	CreatedAt       time.Time          `json:"started_at"`
	ExpiresAt       time.Time          `json:"expires_at"`
}

// Entitles reports whether the subscription grants access to domain at now.
func (s Subscription) Entitles(domain string, now time.Time) bool {
	return s.Status == SubscriptionActive && s.Domain == domain && now.Before(s.ExpiresAt)
}
