package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindFromReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReasonValidation, KindFromReason("Validated unit ku-1"))
	assert.Equal(t, ReasonValidation, KindFromReason("peer VALIDATION"))
	assert.Equal(t, ReasonAdjustment, KindFromReason("contribution accepted"))
}

func TestAdjustment_ApplyNewRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Adjustment{AgentID: "a", Delta: 5, Reason: "contribution", Kind: ReasonContribution}.Apply(nil, now)

	require.NotNil(t, rec)
	assert.Equal(t, "a", rec.AgentID)
	assert.InDelta(t, 5, rec.Score, 1e-9)
	assert.Equal(t, 1, rec.Contributions)
	assert.Zero(t, rec.Validations)
	assert.Equal(t, now, rec.CreatedAt)
	assert.Equal(t, now, rec.UpdatedAt)
	require.Len(t, rec.History, 1)
	assert.Equal(t, ReasonContribution, rec.History[0].Kind)
}

func TestAdjustment_ApplyClampsAtZero(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	rec := Adjustment{AgentID: "a", Delta: -10, Reason: "penalty"}.Apply(nil, now)
	assert.Zero(t, rec.Score)
	assert.Zero(t, rec.Contributions)

	rec = Adjustment{AgentID: "a", Delta: 3, Reason: "validated ku-9"}.Apply(rec, now)
	rec = Adjustment{AgentID: "a", Delta: -5, Reason: "penalty"}.Apply(rec, now)
	assert.Zero(t, rec.Score)
	assert.Equal(t, 1, rec.Validations)
	assert.Len(t, rec.History, 3)
}

func TestPaginate(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4, 5}
	tests := []struct {
		name          string
		offset, limit int
		want          []int
		wantLimit     int
	}{
		{"first page", 0, 2, []int{1, 2}, 2},
		{"last partial", 4, 2, []int{5}, 2},
		{"past end", 10, 2, []int{}, 2},
		{"negative offset", -3, 1, []int{1}, 1},
		{"default limit", 0, 0, items, DefaultPageLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := Paginate(items, tt.offset, tt.limit)
			assert.Equal(t, tt.want, p.Data)
			assert.Equal(t, 5, p.Total)
			assert.Equal(t, tt.wantLimit, p.Limit)
		})
	}
}

func TestTier(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(100), TierFree.RefillAmount())
	assert.Equal(t, int64(1000), TierPro.RefillAmount())
	assert.Equal(t, int64(5000), TierEnterprise.RefillAmount())
	assert.Equal(t, TierFree, Tier("").Normalize())
	assert.Equal(t, TierFree, Tier("platinum").Normalize())
	assert.Equal(t, TierEnterprise, TierEnterprise.Normalize())
}

func TestRefillPolicy_Due(t *testing.T) {
	t.Parallel()

	p := RefillPolicy{Amount: 100, Interval: 30 * 24 * time.Hour}
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	assert.True(t, p.Due(time.Time{}, now))
	assert.True(t, p.Due(now.Add(-p.Interval), now))
	assert.False(t, p.Due(now.Add(-p.Interval+time.Second), now))
}

func TestTransactionKind_IsEarning(t *testing.T) {
	t.Parallel()

	assert.True(t, TxEarned.IsEarning())
	assert.True(t, TxPayout.IsEarning())
	assert.False(t, TxSpent.IsEarning())
	assert.False(t, TxRefill.IsEarning())
	assert.False(t, TxPurchase.IsEarning())
}

func TestSubscription_Entitles(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Subscription{Domain: "security", Status: SubscriptionActive, ExpiresAt: now.Add(time.Hour)}

	assert.True(t, s.Entitles("security", now))
	assert.False(t, s.Entitles("finance", now))
	assert.False(t, s.Entitles("security", now.Add(time.Hour)))

	s.Status = SubscriptionCancelled
	assert.False(t, s.Entitles("security", now))
}

func TestProposal_UpsertVote(t *testing.T) {
	t.Parallel()

	p := &Proposal{}
	p.UpsertVote(ProposalVote{VoterID: "a", Approve: true, Weight: 1})
	p.UpsertVote(ProposalVote{VoterID: "b", Approve: true, Weight: 2})
	p.UpsertVote(ProposalVote{VoterID: "a", Approve: false, Weight: 3})

	require.Len(t, p.Votes, 2)
	assert.False(t, p.Votes[0].Approve)
	assert.InDelta(t, 3, p.Votes[0].Weight, 1e-9)
}

func TestAccessModelAndBadgeLevel_Valid(t *testing.T) {
	t.Parallel()

	assert.True(t, AccessOrg.Valid())
	assert.False(t, AccessModel("public").Valid())
	assert.True(t, BadgeAuthority.Valid())
	assert.False(t, BadgeLevel("platinum").Valid())
	assert.True(t, ProposalApproved.Terminal())
	assert.False(t, ProposalOpen.Terminal())
}

func TestBadgeID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "badge-a-security-gold", BadgeID("a", "security", BadgeGold))
}
