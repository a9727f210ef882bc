// Package reputation maintains per-agent reputation, records validation
// votes, folds EigenTrust results back into scores, and runs badge
// certification.
package reputation

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
	"github.com/sells-group/kpledger/internal/trust"
)

// VotingAge is how long an agent must have held a reputation record before
// its votes count.
const VotingAge = 30 * 24 * time.Hour

// TrustReason labels reputation deltas produced by trust recomputation.
const TrustReason = "EigenTrust recomputation"

// Store is the persistence the service needs.
type Store interface {
	store.ReputationStore
	store.CertificationStore
}

// Config tunes trust recomputation.
type Config struct {
	Trust trust.Config `yaml:"trust" mapstructure:"trust"`
	// TrustScale converts a change in trust weight into reputation points.
	TrustScale float64 `yaml:"scale" mapstructure:"scale"`
	// Workers bounds concurrent reputation updates during recomputation.
	Workers int `yaml:"workers" mapstructure:"workers"`
}

func (c Config) withDefaults() Config {
	if c.TrustScale <= 0 {
		c.TrustScale = 100
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the reputation ledger.
type Service struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a reputation service over st.
func New(st Store, cfg Config, opts ...Option) *Service {
	s := &Service{store: st, cfg: cfg.withDefaults(), now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upsert applies delta to agentID with the kind inferred from reason.
func (s *Service) Upsert(ctx context.Context, agentID string, delta float64, reason string) (*model.ReputationRecord, error) {
	return s.Apply(ctx, model.Adjustment{AgentID: agentID, Delta: delta, Reason: reason})
}

// Apply folds adj into the agent's record, creating it when absent. Scores
// never drop below zero.
func (s *Service) Apply(ctx context.Context, adj model.Adjustment) (*model.ReputationRecord, error) {
	if adj.AgentID == "" {
		return nil, apperr.Validation("agent_id", "is required")
	}
	if math.IsNaN(adj.Delta) || math.IsInf(adj.Delta, 0) {
		return nil, apperr.Validation("delta", "must be a finite number")
	}
	rec, err := s.store.ApplyReputation(ctx, adj, s.now())
	if err != nil {
		return nil, eris.Wrapf(err, "reputation: apply %s", adj.AgentID)
	}
	return rec, nil
}

// Get returns the agent's record or a NotFoundError.
func (s *Service) Get(ctx context.Context, agentID string) (*model.ReputationRecord, error) {
	return s.store.GetReputation(ctx, agentID)
}

// Lookup returns the agent's record, or an empty record for unknown agents.
func (s *Service) Lookup(ctx context.Context, agentID string) (*model.ReputationRecord, error) {
	rec, err := s.store.GetReputation(ctx, agentID)
	if apperr.IsNotFound(err) {
		return &model.ReputationRecord{AgentID: agentID, History: []model.HistoryEntry{}}, nil
	}
	return rec, err
}

// Leaderboard pages records by score descending; equal scores order by agent ID.
func (s *Service) Leaderboard(ctx context.Context, offset, limit int) (model.Page[model.ReputationRecord], error) {
	return s.store.Leaderboard(ctx, offset, limit)
}

// CanVote reports whether agentID's record is at least VotingAge old.
func (s *Service) CanVote(ctx context.Context, agentID string) (bool, error) {
	rec, err := s.store.GetReputation(ctx, agentID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.now().Sub(rec.CreatedAt) >= VotingAge, nil
}

// SubmitVote records a validation vote. Self-votes are dropped silently and
// reported as not recorded.
func (s *Service) SubmitVote(ctx context.Context, v model.Vote) (bool, error) {
	switch {
	case v.ValidatorID == "":
		return false, apperr.Validation("validator_id", "is required")
	case v.TargetID == "":
		return false, apperr.Validation("target_id", "is required")
	case v.UnitID == "":
		return false, apperr.Validation("unit_id", "is required")
	}
	if v.IsSelfVote() {
		return false, nil
	}

	ok, err := s.CanVote(ctx, v.ValidatorID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperr.Forbidden("agent %s must have reputation for 30 days before voting", v.ValidatorID)
	}

	if v.Timestamp.IsZero() {
		v.Timestamp = s.now()
	}
	if err := s.store.RecordVote(ctx, v); err != nil {
		return false, eris.Wrap(err, "reputation: record vote")
	}
	return true, nil
}

// Recomputation summarizes one trust recomputation.
type Recomputation struct {
	Trust    trust.Result `json:"trust"`
	Adjusted int          `json:"adjusted"`
}

// RecomputeTrust runs EigenTrust over every recorded vote, stores the new
// weights, and moves each participant's reputation by the change in weight
// times TrustScale.
func (s *Service) RecomputeTrust(ctx context.Context) (Recomputation, error) {
	votes, err := s.store.Votes(ctx)
	if err != nil {
		return Recomputation{}, eris.Wrap(err, "reputation: load votes")
	}
	result, err := trust.Compute(votes, s.cfg.Trust)
	if err != nil {
		return Recomputation{}, eris.Wrap(err, "reputation: compute trust")
	}
	previous, err := s.store.TrustScores(ctx)
	if err != nil {
		return Recomputation{}, eris.Wrap(err, "reputation: load trust scores")
	}

	now := s.now()
	agents := make([]string, 0, len(result.Scores))
	for id := range result.Scores {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	snapshot := make([]model.TrustScore, 0, len(agents))
	var adjustments []model.Adjustment
	for _, id := range agents {
		score := result.Scores[id]
		snapshot = append(snapshot, model.TrustScore{AgentID: id, Score: score, ComputedAt: now})
		if delta := (score - previous[id]) * s.cfg.TrustScale; delta != 0 {
			adjustments = append(adjustments, model.Adjustment{
				AgentID: id,
				Delta:   delta,
				Reason:  TrustReason,
				Kind:    model.ReasonTrust,
			})
		}
	}
	if err := s.store.SaveTrustScores(ctx, snapshot); err != nil {
		return Recomputation{}, eris.Wrap(err, "reputation: save trust scores")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, adj := range adjustments {
		g.Go(func() error {
			_, err := s.Apply(gctx, adj)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Recomputation{}, err
	}

	if !result.Converged {
		zap.L().Warn("reputation: trust did not converge",
			zap.Int("iterations", result.Iterations),
			zap.Int("agents", len(agents)),
		)
	}
	zap.L().Info("reputation: trust recomputed",
		zap.Int("votes", len(votes)),
		zap.Int("agents", len(agents)),
		zap.Int("adjusted", len(adjustments)),
		zap.Int("iterations", result.Iterations),
	)
	return Recomputation{Trust: result, Adjusted: len(adjustments)}, nil
}
