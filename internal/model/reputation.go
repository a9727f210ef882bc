package model

import (
	"strings"
	"time"
)

// Vote is one validator's judgement of a target agent's knowledge unit.
type Vote struct {
	ValidatorID string    `json:"validator_id"`
	TargetID    string    `json:"target_id"`
	UnitID      string    `json:"unit_id"`
	Valid       bool      `json:"valid"`
	Timestamp   time.Time `json:"timestamp"`
}

// IsSelfVote reports whether the validator voted on itself.
func (v Vote) IsSelfVote() bool {
	return v.ValidatorID == v.TargetID
}

// ReasonKind classifies a reputation delta.
type ReasonKind string

const (
	ReasonContribution ReasonKind = "contribution"
	ReasonValidation   ReasonKind = "validation"
	ReasonTrust        ReasonKind = "trust"
	ReasonAdjustment   ReasonKind = "adjustment"
)

// KindFromReason infers a ReasonKind from free-text reasons written before
// callers passed an explicit kind. Any reason mentioning "validat" counts as a
// validation; everything else is a plain adjustment.
func KindFromReason(reason string) ReasonKind {
	if strings.Contains(strings.ToLower(reason), "validat") {
		return ReasonValidation
	}
	return ReasonAdjustment
}

// HistoryEntry is one applied reputation delta.
type HistoryEntry struct {
	Delta     float64    `json:"delta"`
	Reason    string     `json:"reason"`
	Kind      ReasonKind `json:"kind,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ReputationRecord is the durable reputation state of one agent.
type ReputationRecord struct {
	AgentID       string         `json:"agent_id"`
	Score         float64        `json:"score"`
	Contributions int            `json:"contributions"`
	Validations   int            `json:"validations"`
	History       []HistoryEntry `json:"history"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Adjustment is a reputation delta to apply to one agent.
type Adjustment struct {
	AgentID string     `json:"agent_id"`
	Delta   float64    `json:"delta"`
	Reason  string     `json:"reason"`
	Kind    ReasonKind `json:"kind,omitempty"`
}

// ResolvedKind returns the explicit kind, falling back to KindFromReason.
func (a Adjustment) ResolvedKind() ReasonKind {
	if a.Kind != "" {
		return a.Kind
	}
	return KindFromReason(a.Reason)
}

// Apply folds the adjustment into rec (which may be nil for a new agent) and
// returns the resulting record. The score never drops below zero.
func (a Adjustment) Apply(rec *ReputationRecord, now time.Time) *ReputationRecord {
	if rec == nil {
		rec = &ReputationRecord{AgentID: a.AgentID, CreatedAt: now}
	}
	rec.Score += a.Delta
	if rec.Score < 0 {
		rec.Score = 0
	}
	kind := a.ResolvedKind()
	if a.Delta > 0 {
		rec.Contributions++
	}
	if kind == ReasonValidation {
		rec.Validations++
	}
	rec.History = append(rec.History, HistoryEntry{
		Delta:     a.Delta,
		Reason:    a.Reason,
		Kind:      kind,
		Timestamp: now,
	})
	rec.UpdatedAt = now
	return rec
}

// TrustScore is a persisted EigenTrust weight for one agent.
type TrustScore struct {
	AgentID    string    `json:"agent_id"`
	Score      float64   `json:"score"`
	ComputedAt time.Time `json:"computed_at"`
}

// BadgeLevel ranks domain badges.
type BadgeLevel string

const (
	BadgeBronze    BadgeLevel = "bronze"
	BadgeSilver    BadgeLevel = "silver"
	BadgeGold      BadgeLevel = "gold"
	BadgeAuthority BadgeLevel = "authority"
)

// Valid reports whether l is a known badge level.
func (l BadgeLevel) Valid() bool {
	switch l {
	case BadgeBronze, BadgeSilver, BadgeGold, BadgeAuthority:
		return true
	}
	return false
}

// Badge is a domain-scoped achievement.
type Badge struct {
	ID        string     `json:"badge_id"`
	AgentID   string     `json:"agent_id"`
	Domain    string     `json:"domain"`
	Level     BadgeLevel `json:"level"`
	GrantedAt time.Time  `json:"granted_at"`
	GrantedBy string     `json:"granted_by"`
}

// BadgeID derives the stable badge identifier for an agent, domain and level.
func BadgeID(agentID, domain string, level BadgeLevel) string {
	return "badge-" + agentID + "-" + domain + "-" + string(level)
}

// ProposalStatus is the lifecycle state of a certification proposal.
type ProposalStatus string

const (
	ProposalOpen     ProposalStatus = "open"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalApproved || s == ProposalRejected
}

// ProposalVote is one weighted vote on a certification proposal.
type ProposalVote struct {
	VoterID string  `json:"voter_id"`
	Approve bool    `json:"approve"`
	Weight  float64 `json:"weight"`
}

// Proposal asks the community to certify an agent at a badge level.
type Proposal struct {
	ID          string         `json:"proposal_id"`
	AgentID     string         `json:"agent_id"`
	Domain      string         `json:"domain"`
	TargetLevel BadgeLevel     `json:"target_level"`
	ProposedBy  string         `json:"proposed_by"`
	Votes       []ProposalVote `json:"votes"`
	Status      ProposalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ClosesAt    time.Time      `json:"closes_at"`
}

// Resolution is the outcome of tallying a proposal after a vote. A non-nil
// Badge is granted in the same unit of work as the status change.
type Resolution struct {
	Status ProposalStatus
	Badge  *Badge
}

// UpsertVote replaces the voter's previous vote or appends a new one.
func (p *Proposal) UpsertVote(v ProposalVote) {
	for i := range p.Votes {
		if p.Votes[i].VoterID == v.VoterID {
			p.Votes[i] = v
			return
		}
	}
	p.Votes = append(p.Votes, v)
}
