package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection, so transactions are serialized.
type SQLiteStore struct {
	db    *sql.DB
	retry resilience.RetryConfig
}

var sqlitePragmas = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=busy_timeout(5000)",
	"_pragma=synchronous(NORMAL)",
	"_time_format=sqlite",
}

// NewSQLite opens a SQLite database at path with WAL mode and a busy timeout.
// retry governs how transactions are retried on transient errors.
func NewSQLite(path string, retry resilience.RetryConfig) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+strings.Join(sqlitePragmas, "&"))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}

	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("sqlite", "tx")
	}
	return &SQLiteStore{db: db, retry: retry}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reputations (
	agent_id      TEXT PRIMARY KEY,
	score         REAL NOT NULL DEFAULT 0 CHECK (score >= 0),
	contributions INTEGER NOT NULL DEFAULT 0,
	validations   INTEGER NOT NULL DEFAULT 0,
	history       TEXT NOT NULL DEFAULT '[]',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS votes (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	validator_id TEXT NOT NULL,
	target_id    TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	valid        INTEGER NOT NULL,
	voted_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS trust_scores (
	agent_id    TEXT PRIMARY KEY,
	score       REAL NOT NULL,
	computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS badges (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	domain     TEXT NOT NULL,
	level      TEXT NOT NULL,
	granted_at DATETIME NOT NULL,
	granted_by TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS proposals (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	domain       TEXT NOT NULL,
	target_level TEXT NOT NULL,
	proposed_by  TEXT NOT NULL,
	votes        TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'open',
	created_at   DATETIME NOT NULL,
	closes_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_balances (
	agent_id    TEXT PRIMARY KEY,
	balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	last_refill DATETIME
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	agent_id   TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	listing_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS listings (
	id                TEXT PRIMARY KEY,
	knowledge_unit_id TEXT NOT NULL,
	contributor_id    TEXT NOT NULL,
	price_credits     INTEGER NOT NULL CHECK (price_credits >= 0),
	access_model      TEXT NOT NULL,
	domain            TEXT NOT NULL,
	title             TEXT NOT NULL,
	description       TEXT NOT NULL DEFAULT '',
	purchases         INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL,
	updated_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	domain            TEXT NOT NULL,
	credits_per_month INTEGER NOT NULL,
	status            TEXT NOT NULL,
	created_at        DATETIME NOT NULL,
	expires_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_badges_agent ON badges(agent_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_credit_tx_agent ON credit_transactions(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_listings_domain ON listings(domain);
CREATE INDEX IF NOT EXISTS idx_listings_contributor ON listings(contributor_id);
CREATE INDEX IF NOT EXISTS idx_subscriptions_agent ON subscriptions(agent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_active ON subscriptions(agent_id, domain) WHERE status = 'active';
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, retrying on lock contention. fn must only
// use tx; the single connection is held for the duration.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrap(err, "sqlite: begin")
		}
		defer tx.Rollback() //nolint:errcheck

		if err := fn(tx); err != nil {
			return err
		}
		return eris.Wrap(tx.Commit(), "sqlite: commit")
	})
}

func utc(t time.Time) time.Time { return t.UTC() }

// --- Reputation ---

func (s *SQLiteStore) GetReputation(ctx context.Context, agentID string) (*model.ReputationRecord, error) {
	return getReputationSQLite(ctx, s.db, agentID)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getReputationSQLite(ctx context.Context, q sqliteQuerier, agentID string) (*model.ReputationRecord, error) {
	rec, err := scanReputation(q.QueryRowContext(ctx,
		`SELECT `+reputationColumns+` FROM reputations WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("reputation", agentID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get reputation %s", agentID)
	}
	return rec, nil
}

func (s *SQLiteStore) ApplyReputation(ctx context.Context, adj model.Adjustment, at time.Time) (*model.ReputationRecord, error) {
	var out *model.ReputationRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getReputationSQLite(ctx, tx, adj.AgentID)
		if err != nil && !apperr.IsNotFound(err) {
			return err
		}
		rec := adj.Apply(cur, utc(at))
		history, err := marshalList(rec.History)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal history")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO reputations (agent_id, score, contributions, validations, history, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET
			   score = excluded.score,
			   contributions = excluded.contributions,
			   validations = excluded.validations,
			   history = excluded.history,
			   updated_at = excluded.updated_at`,
			rec.AgentID, rec.Score, rec.Contributions, rec.Validations, string(history), utc(rec.CreatedAt), utc(rec.UpdatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert reputation %s", adj.AgentID)
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *SQLiteStore) Leaderboard(ctx context.Context, offset, limit int) (model.Page[model.ReputationRecord], error) {
	offset, limit = model.NormalizeWindow(offset, limit)
	page := model.Page[model.ReputationRecord]{Data: []model.ReputationRecord{}, Offset: offset, Limit: limit}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reputations`).Scan(&page.Total); err != nil {
		return page, eris.Wrap(err, "sqlite: count reputations")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reputationColumns+` FROM reputations ORDER BY score DESC, agent_id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return page, eris.Wrap(err, "sqlite: leaderboard")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		rec, err := scanReputation(rows)
		if err != nil {
			return page, eris.Wrap(err, "sqlite: scan reputation")
		}
		page.Data = append(page.Data, *rec)
	}
	return page, eris.Wrap(rows.Err(), "sqlite: leaderboard rows")
}

func (s *SQLiteStore) RecordVote(ctx context.Context, v model.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (validator_id, target_id, unit_id, valid, voted_at) VALUES (?, ?, ?, ?, ?)`,
		v.ValidatorID, v.TargetID, v.UnitID, v.Valid, utc(v.Timestamp))
	return eris.Wrap(err, "sqlite: insert vote")
}

func (s *SQLiteStore) Votes(ctx context.Context) ([]model.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT validator_id, target_id, unit_id, valid, voted_at FROM votes ORDER BY seq`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list votes")
	}
	defer rows.Close() //nolint:errcheck

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.ValidatorID, &v.TargetID, &v.UnitID, &v.Valid, &v.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan vote")
		}
		votes = append(votes, v)
	}
	return votes, eris.Wrap(rows.Err(), "sqlite: votes rows")
}

func (s *SQLiteStore) TrustScores(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, score FROM trust_scores`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trust scores")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trust score")
		}
		out[id] = score
	}
	return out, eris.Wrap(rows.Err(), "sqlite: trust score rows")
}

func (s *SQLiteStore) SaveTrustScores(ctx context.Context, scores []model.TrustScore) error {
	if len(scores) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO trust_scores (agent_id, score, computed_at) VALUES (?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET score = excluded.score, computed_at = excluded.computed_at`)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare trust upsert")
		}
		defer stmt.Close() //nolint:errcheck

		for _, ts := range scores {
			if _, err := stmt.ExecContext(ctx, ts.AgentID, ts.Score, utc(ts.ComputedAt)); err != nil {
				return eris.Wrapf(err, "sqlite: upsert trust score %s", ts.AgentID)
			}
		}
		return nil
	})
}

// --- Certification ---

func (s *SQLiteStore) GrantBadge(ctx context.Context, b model.Badge) (model.Badge, bool, error) {
	var out model.Badge
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, created, err = grantBadgeSQLite(ctx, tx, b)
		return err
	})
	return out, created, err
}

func grantBadgeSQLite(ctx context.Context, tx *sql.Tx, b model.Badge) (model.Badge, bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO badges (`+badgeColumns+`) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		b.ID, b.AgentID, b.Domain, string(b.Level), utc(b.GrantedAt), b.GrantedBy)
	if err != nil {
		return model.Badge{}, false, eris.Wrapf(err, "sqlite: insert badge %s", b.ID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return b, true, nil
	}
	existing, err := scanBadge(tx.QueryRowContext(ctx, `SELECT `+badgeColumns+` FROM badges WHERE id = ?`, b.ID))
	if err != nil {
		return model.Badge{}, false, eris.Wrapf(err, "sqlite: get badge %s", b.ID)
	}
	return *existing, false, nil
}

func (s *SQLiteStore) Badges(ctx context.Context, agentID string) ([]model.Badge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+badgeColumns+` FROM badges WHERE agent_id = ? ORDER BY granted_at, id`, agentID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list badges")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Badge{}
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan badge")
		}
		out = append(out, *b)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: badge rows")
}

func (s *SQLiteStore) CreateProposal(ctx context.Context, p model.Proposal) error {
	votes, err := marshalList(p.Votes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal votes")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO proposals (`+proposalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AgentID, p.Domain, string(p.TargetLevel), p.ProposedBy, string(votes), string(p.Status),
		utc(p.CreatedAt), utc(p.ClosesAt))
	return eris.Wrapf(err, "sqlite: insert proposal %s", p.ID)
}

func (s *SQLiteStore) GetProposal(ctx context.Context, id string) (*model.Proposal, error) {
	return getProposalSQLite(ctx, s.db, id)
}

func getProposalSQLite(ctx context.Context, q sqliteQuerier, id string) (*model.Proposal, error) {
	p, err := scanProposal(q.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("proposal", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get proposal %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) OpenProposals(ctx context.Context) ([]model.Proposal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE status = ? ORDER BY created_at, id`,
		string(model.ProposalOpen))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list open proposals")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan proposal")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: proposal rows")
}

func (s *SQLiteStore) CastProposalVote(ctx context.Context, id string, v model.ProposalVote, resolve func(*model.Proposal) model.Resolution) (*model.Proposal, error) {
	var out *model.Proposal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getProposalSQLite(ctx, tx, id)
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
			return eris.Wrap(err, "sqlite: marshal votes")
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE proposals SET votes = ?, status = ? WHERE id = ?`,
			string(votes), string(p.Status), id); err != nil {
			return eris.Wrapf(err, "sqlite: update proposal %s", id)
		}
		if res.Badge != nil {
			if _, _, err := grantBadgeSQLite(ctx, tx, *res.Badge); err != nil {
				return err
			}
		}
		out = p
		return nil
	})
	return out, err
}
