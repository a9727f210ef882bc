package reputation

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

// Certification vote rules.
const (
	ProposalWindow    = 7 * 24 * time.Hour
	MinProposalVotes  = 5
	ApprovalThreshold = 0.6
	CommunityGrantor  = "community-vote"
)

// GrantBadge awards a badge. Granting the same agent, domain and level twice
// returns the original badge.
func (s *Service) GrantBadge(ctx context.Context, agentID, domain string, level model.BadgeLevel, grantedBy string) (model.Badge, error) {
	if agentID == "" {
		return model.Badge{}, apperr.Validation("agent_id", "is required")
	}
	if domain == "" {
		return model.Badge{}, apperr.Validation("domain", "is required")
	}
	if !level.Valid() {
		return model.Badge{}, apperr.Validation("level", "unknown badge level %q", level)
	}

	b, created, err := s.store.GrantBadge(ctx, model.Badge{
		ID:        model.BadgeID(agentID, domain, level),
		AgentID:   agentID,
		Domain:    domain,
		Level:     level,
		GrantedAt: s.now(),
		GrantedBy: grantedBy,
	})
	if err != nil {
		return model.Badge{}, eris.Wrap(err, "reputation: grant badge")
	}
	if created {
		zap.L().Info("reputation: badge granted",
			zap.String("agent_id", agentID),
			zap.String("domain", domain),
			zap.String("level", string(level)),
			zap.String("granted_by", grantedBy),
		)
	}
	return b, nil
}

// Badges lists the agent's badges, oldest first.
func (s *Service) Badges(ctx context.Context, agentID string) ([]model.Badge, error) {
	return s.store.Badges(ctx, agentID)
}

// HasBadge reports whether the agent holds the badge for domain at level.
func (s *Service) HasBadge(ctx context.Context, agentID, domain string, level model.BadgeLevel) (bool, error) {
	badges, err := s.store.Badges(ctx, agentID)
	if err != nil {
		return false, err
	}
	for _, b := range badges {
		if b.Domain == domain && b.Level == level {
			return true, nil
		}
	}
	return false, nil
}

// Propose opens a community certification proposal for a gold or authority badge.
func (s *Service) Propose(ctx context.Context, agentID, domain string, level model.BadgeLevel, proposedBy string) (*model.Proposal, error) {
	switch {
	case agentID == "":
		return nil, apperr.Validation("agent_id", "is required")
	case domain == "":
		return nil, apperr.Validation("domain", "is required")
	case proposedBy == "":
		return nil, apperr.Validation("proposed_by", "is required")
	case level != model.BadgeGold && level != model.BadgeAuthority:
		return nil, apperr.Validation("target_level", "must be gold or authority")
	}

	now := s.now()
	p := model.Proposal{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Domain:      domain,
		TargetLevel: level,
		ProposedBy:  proposedBy,
		Votes:       []model.ProposalVote{},
		Status:      model.ProposalOpen,
		CreatedAt:   now,
		ClosesAt:    now.Add(ProposalWindow),
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return nil, eris.Wrap(err, "reputation: create proposal")
	}
	return &p, nil
}

// GetProposal returns a proposal or a NotFoundError.
func (s *Service) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return s.store.GetProposal(ctx, id)
}

// OpenProposals lists proposals still accepting votes, oldest first.
func (s *Service) OpenProposals(ctx context.Context) ([]model.Proposal, error) {
	return s.store.OpenProposals(ctx)
}

// VoteOnProposal records a vote weighted by the square root of the voter's
// score. A voter voting again replaces their earlier vote. Once enough votes
// are in, the proposal resolves and an approval grants the badge.
func (s *Service) VoteOnProposal(ctx context.Context, proposalID, voterID string, approve bool) (*model.Proposal, error) {
	if voterID == "" {
		return nil, apperr.Validation("voter_id", "is required")
	}
	ok, err := s.CanVote(ctx, voterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("agent %s must have reputation for 30 days before voting", voterID)
	}

	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !s.now().Before(p.ClosesAt) {
		return nil, apperr.Conflict(eris.Errorf("proposal %s closed at %s", proposalID, p.ClosesAt.Format(time.RFC3339)))
	}

	voter, err := s.store.GetReputation(ctx, voterID)
	if err != nil {
		return nil, err
	}
	vote := model.ProposalVote{VoterID: voterID, Approve: approve, Weight: math.Sqrt(voter.Score)}

	p, err = s.store.CastProposalVote(ctx, proposalID, vote, s.tally)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		zap.L().Info("reputation: proposal resolved",
			zap.String("proposal_id", p.ID),
			zap.String("status", string(p.Status)),
			zap.Int("votes", len(p.Votes)),
		)
	}
	return p, nil
}

// tally resolves p once it has MinProposalVotes votes: approval weight above
// ApprovalThreshold of the total approves, anything else rejects.
func (s *Service) tally(p *model.Proposal) model.Resolution {
	if len(p.Votes) < MinProposalVotes {
		return model.Resolution{Status: model.ProposalOpen}
	}
	var approveWeight, total float64
	for _, v := range p.Votes {
		total += v.Weight
		if v.Approve {
			approveWeight += v.Weight
		}
	}
	if total == 0 || approveWeight/total <= ApprovalThreshold {
		return model.Resolution{Status: model.ProposalRejected}
	}
	return model.Resolution{
		Status: model.ProposalApproved,
		Badge: &model.Badge{
			ID:        model.BadgeID(p.AgentID, p.Domain, p.TargetLevel),
			AgentID:   p.AgentID,
			Domain:    p.Domain,
			Level:     p.TargetLevel,
			GrantedAt: s.now(),
			GrantedBy: CommunityGrantor,
		},
	}
}
