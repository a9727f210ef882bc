package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/db"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Read-modify-write operations
// take row locks inside a transaction; serialization failures are retried and
// surface as apperr.ConflictError once retries run out.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	retry   resilience.RetryConfig
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, retry resilience.RetryConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			pgxCfg.MaxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			pgxCfg.MinConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, retry: retry}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reputations (
	agent_id      TEXT PRIMARY KEY,
	score         DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (score >= 0),
	contributions INTEGER NOT NULL DEFAULT 0,
	validations   INTEGER NOT NULL DEFAULT 0,
	history       JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS votes (
	seq          BIGSERIAL PRIMARY KEY,
	validator_id TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	valid        BOOLEAN NOT NULL,
	voted_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	agent_id    TEXT PRIMARY KEY,
	score       DOUBLE PRECISION NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS badges (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	domain     TEXT NOT NULL,
	level      TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	granted_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	domain       TEXT NOT NULL,
	target_level TEXT NOT NULL,
	proposed_by  TEXT NOT NULL,
	votes        JSONB NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'open',
	created_at   TIMESTAMPTZ NOT NULL,
	closes_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_balances (
	agent_id    TEXT PRIMARY KEY,
	balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	last_refill TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	agent_id   TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	listing_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS listings (
	id                TEXT PRIMARY KEY,
	knowledge_unit_id TEXT NOT NULL,
	contributor_id    TEXT NOT NULL,
	price_credits     BIGINT NOT NULL CHECK (price_credits >= 0),
	access_model      TEXT NOT NULL,
	domain            TEXT NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	purchases         BIGINT NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	domain            TEXT NOT NULL,
	credits_per_month BIGINT NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	expires_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_badges_agent ON badges(agent_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_credit_tx_agent ON credit_transactions(agent_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_listings_domain ON listings(domain);
CREATE INDEX IF NOT EXISTS idx_listings_contributor ON listings(contributor_id);
CREATE INDEX IF NOT EXISTS idx_listings_purchases ON listings(purchases DESC, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_subscriptions_agent_status ON subscriptions(agent_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active ON subscriptions(agent_id, domain) WHERE status = 'active';
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks. An exhausted retry budget is reported as a conflict.
func (s *PostgresStore) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger("postgres", op)
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return db.WithTx(ctx, s.pool, fn)
	})
	if db.IsSerializationFailure(err) {
		return apperr.Conflict(eris.Wrapf(err, "postgres: %s", op))
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Reputation ---

func (s *PostgresStore) GetReputation(ctx context.Context, agentID string) (*model.ReputationRecord, error) {
	return getReputationPG(ctx, s.pool, agentID, "")
}

func getReputationPG(ctx context.Context, q db.Querier, agentID, lock string) (*model.ReputationRecord, error) {
	rec, err := scanReputation(q.QueryRow(ctx,
		`SELECT `+reputationColumns+` FROM reputations WHERE agent_id = $1`+lock, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("reputation", agentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get reputation %s", agentID)
	}
	return rec, nil
}

func (s *PostgresStore) ApplyReputation(ctx context.Context, adj model.Adjustment, at time.Time) (*model.ReputationRecord, error) {
	var out *model.ReputationRecord
	err := s.inTx(ctx, "apply reputation", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO reputations (agent_id, created_at, updated_at) VALUES ($1, $2, $2) ON CONFLICT (agent_id) DO NOTHING`,
			adj.AgentID, at); err != nil {
			return eris.Wrapf(err, "postgres: ensure reputation %s", adj.AgentID)
		}
		cur, err := getReputationPG(ctx, tx, adj.AgentID, " FOR UPDATE")
		if err != nil {
			return err
		}

		rec := adj.Apply(cur, at)
		history, err := marshalList(rec.History)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal history")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE reputations SET score = $1, contributions = $2, validations = $3, history = $4, updated_at = $5 WHERE agent_id = $6`,
			rec.Score, rec.Contributions, rec.Validations, string(history), rec.UpdatedAt, rec.AgentID); err != nil {
			return eris.Wrapf(err, "postgres: update reputation %s", adj.AgentID)
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *PostgresStore) Leaderboard(ctx context.Context, offset, limit int) (model.Page[model.ReputationRecord], error) {
	offset, limit = model.NormalizeWindow(offset, limit)
	page := model.Page[model.ReputationRecord]{Data: []model.ReputationRecord{}, Offset: offset, Limit: limit}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reputations`).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "postgres: count reputations")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reputationColumns+` FROM reputations ORDER BY score DESC, agent_id ASC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return page, eris.Wrap(err, "postgres: leaderboard")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanReputation(rows)
		if err != nil {
			return page, eris.Wrap(err, "postgres: scan reputation")
		}
		page.Data = append(page.Data, *rec)
	}
	return page, eris.Wrap(rows.Err(), "postgres: leaderboard rows")
}

func (s *PostgresStore) RecordVote(ctx context.Context, v model.Vote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO votes (validator_id, target_id, unit_id, valid, voted_at) VALUES ($1, $2, $3, $4, $5)`,
		v.ValidatorID, v.TargetID, v.UnitID, v.Valid, v.Timestamp)
	return eris.Wrap(err, "postgres: insert vote")
}

// ImportVotes bulk-loads historical votes with COPY.
func (s *PostgresStore) ImportVotes(ctx context.Context, votes []model.Vote) (int64, error) {
	rows := make([][]any, len(votes))
	for i, v := range votes {
		rows[i] = []any{v.ValidatorID, v.TargetID, v.UnitID, v.Valid, v.Timestamp}
	}
	return db.CopyFrom(ctx, s.pool, pgx.Identifier{"votes"},
		[]string{"validator_id", "target_id", "unit_id", "valid", "voted_at"}, rows)
}

func (s *PostgresStore) Votes(ctx context.Context) ([]model.Vote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT validator_id, target_id, unit_id, valid, voted_at FROM votes ORDER BY seq`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list votes")
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.ValidatorID, &v.TargetID, &v.UnitID, &v.Valid, &v.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan vote")
		}
		votes = append(votes, v)
	}
	return votes, eris.Wrap(rows.Err(), "postgres: votes rows")
}

func (s *PostgresStore) TrustScores(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id, score FROM trust_scores`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trust scores")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan trust score")
		}
		out[id] = score
	}
	return out, eris.Wrap(rows.Err(), "postgres: trust score rows")
}

func (s *PostgresStore) SaveTrustScores(ctx context.Context, scores []model.TrustScore) error {
	rows := make([][]any, len(scores))
	for i, ts := range scores {
		rows[i] = []any{ts.AgentID, ts.Score, ts.ComputedAt}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "trust_scores",
		Columns:      []string{"agent_id", "score", "computed_at"},
		ConflictKeys: []string{"agent_id"},
	}, rows)
	return eris.Wrap(err, "postgres: save trust scores")
}

// --- Certification ---

func (s *PostgresStore) GrantBadge(ctx context.Context, b model.Badge) (model.Badge, bool, error) {
	var out model.Badge
	var created bool
	err := s.inTx(ctx, "grant badge", func(tx pgx.Tx) error {
		var err error
		out, created, err = grantBadgePG(ctx, tx, b)
		return err
	})
	return out, created, err
}

func grantBadgePG(ctx context.Context, q db.Querier, b model.Badge) (model.Badge, bool, error) {
	tag, err := q.Exec(ctx,
		`INSERT INTO badges (`+badgeColumns+`) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		b.ID, b.AgentID, b.Domain, string(b.Level), b.GrantedAt, b.GrantedBy)
	if err != nil {
		return model.Badge{}, false, eris.Wrapf(err, "postgres: insert badge %s", b.ID)
	}
	if tag.RowsAffected() > 0 {
		return b, true, nil
	}
	existing, err := scanBadge(q.QueryRow(ctx, `SELECT `+badgeColumns+` FROM badges WHERE id = $1`, b.ID))
	if err != nil {
		return model.Badge{}, false, eris.Wrapf(err, "postgres: get badge %s", b.ID)
	}
	return *existing, false, nil
}

func (s *PostgresStore) Badges(ctx context.Context, agentID string) ([]model.Badge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+badgeColumns+` FROM badges WHERE agent_id = $1 ORDER BY granted_at, id`, agentID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list badges")
	}
	defer rows.Close()

	out := []model.Badge{}
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan badge")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "postgres: badge rows")
}

func (s *PostgresStore) CreateProposal(ctx context.Context, p model.Proposal) error {
	votes, err := marshalList(p.Votes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal votes")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO proposals (`+proposalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.AgentID, p.Domain, string(p.TargetLevel), p.ProposedBy, string(votes), string(p.Status), p.CreatedAt, p.ClosesAt)
	return eris.Wrapf(err, "postgres: insert proposal %s", p.ID)
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return getProposalPG(ctx, s.pool, id, "")
}

func getProposalPG(ctx context.Context, q db.Querier, id, lock string) (*model.Proposal, error) {
	p, err := scanProposal(q.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("proposal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get proposal %s", id)
	}
	return p, nil
}

func (s *PostgresStore) OpenProposals(ctx context.Context) ([]model.Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = $1 ORDER BY created_at, id`,
		string(model.ProposalOpen))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list open proposals")
	}
	defer rows.Close()

	out := []model.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan proposal")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: proposal rows")
}

func (s *PostgresStore) CastProposalVote(ctx context.Context, id string, v model.ProposalVote, resolve func(*model.Proposal) model.Resolution) (*model.Proposal, error) {
	var out *model.Proposal
	err := s.inTx(ctx, "cast proposal vote", func(tx pgx.Tx) error {
		p, err := getProposalPG(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return apperr.Conflict(eris.Errorf("proposal %s is %s", id, p.Status))
		}

		p.UpsertVote(v)
		res := resolve(p)
		p.Status = res.Status

		votes, err := marshalList(p.Votes)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal votes")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE proposals SET votes = $1, status = $2 WHERE id = $3`,
			string(votes), string(p.Status), id); err != nil {
			return eris.Wrapf(err, "postgres: update proposal %s", id)
		}
		if res.Badge != nil {
			if _, _, err := grantBadgePG(ctx, tx, *res.Badge); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}
