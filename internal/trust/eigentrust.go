// Package trust computes global trust weights from pairwise validation votes
// using EigenTrust-style power iteration with teleportation.
package trust

import (
	"math"

	"github.com/sells-group/kpledger/internal/apperr"
	"github.com/sells-group/kpledger/internal/model"
)

// Config tunes the propagation.
type Config struct {
	// Alpha is the teleport weight mixed into every iteration. Default: 0.1.
	Alpha float64 `yaml:"alpha" mapstructure:"alpha"`

	// Epsilon is the max per-agent change that counts as converged. Default: 1e-3.
	Epsilon float64 `yaml:"epsilon" mapstructure:"epsilon"`

	// MaxIterations bounds the power iteration. Default: 50.
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`

	// PreTrustScore is reserved for weighting known-good seed agents. It does
	// not change the teleport distribution yet. Default: 0.1.
	PreTrustScore float64 `yaml:"pre_trust_score" mapstructure:"pre_trust_score"`

	// MaxAgents caps the number of distinct agents in one computation; cost
	// grows with its square. Zero means unlimited.
	MaxAgents int `yaml:"max_agents" mapstructure:"max_agents"`
}

// DefaultConfig returns the standard propagation parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:         0.1,
		Epsilon:       1e-3,
		MaxIterations: 50,
		PreTrustScore: 0.1,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.PreTrustScore <= 0 {
		cfg.PreTrustScore = def.PreTrustScore
	}
	return cfg
}

// Result is the outcome of one computation. Scores sum to 1 across the
// participating agents; they are relative weights, not absolute reputation.
type Result struct {
	Scores     map[string]float64 `json:"scores"`
	Iterations int                `json:"iterations"`
	Converged  bool               `json:"converged"`
}

// graph is the dense per-call view of a vote snapshot.
type graph struct {
	agents []string
	index  map[string]int
	raw    [][]float64
}

func buildGraph(votes []model.Vote) *graph {
	g := &graph{index: make(map[string]int)}
	add := func(id string) {
		if _, ok := g.index[id]; !ok {
			g.index[id] = len(g.agents)
			g.agents = append(g.agents, id)
		}
	}
	for _, v := range votes {
		add(v.ValidatorID)
		add(v.TargetID)
	}

	n := len(g.agents)
	g.raw = make([][]float64, n)
	for i := range g.raw {
		g.raw[i] = make([]float64, n)
	}
	for _, v := range votes {
		if v.IsSelfVote() {
			continue
		}
		from, to := g.index[v.ValidatorID], g.index[v.TargetID]
		if v.Valid {
			g.raw[from][to] += 1
		} else {
			g.raw[from][to] -= 0.5
		}
	}
	for i := range g.raw {
		for j := range g.raw[i] {
			if g.raw[i][j] < 0 {
				g.raw[i][j] = 0
			}
		}
	}
	return g
}

// normalized returns the row-stochastic matrix C. Rows without positive
// outgoing trust become uniform so the agent still propagates.
func (g *graph) normalized() [][]float64 {
	n := len(g.agents)
	c := make([][]float64, n)
	for i, row := range g.raw {
		c[i] = make([]float64, n)
		var sum float64
		for _, w := range row {
			sum += w
		}
		for j := range row {
			if sum > 0 {
				c[i][j] = row[j] / sum
			} else {
				c[i][j] = 1 / float64(n)
			}
		}
	}
	return c
}

// teleport returns the normalized incoming local trust per agent, or a
// uniform vector when nobody received positive trust.
func (g *graph) teleport() []float64 {
	n := len(g.agents)
	p := make([]float64, n)
	var total float64
	for i := range g.raw {
		for j, w := range g.raw[i] {
			p[j] += w
			total += w
		}
	}
	for j := range p {
		if total > 0 {
			p[j] /= total
		} else {
			p[j] = 1 / float64(n)
		}
	}
	return p
}

// Compute runs the propagation over an immutable vote snapshot. It is pure:
// the same votes and config always produce the same result. Failing to
// converge within MaxIterations is reported through Result.Converged.
func Compute(votes []model.Vote, cfg Config) (Result, error) {
	cfg = applyDefaults(cfg)

	if len(votes) == 0 {
		return Result{Scores: map[string]float64{}, Iterations: 0, Converged: true}, nil
	}

	g := buildGraph(votes)
	n := len(g.agents)
	if cfg.MaxAgents > 0 && n > cfg.MaxAgents {
		return Result{}, apperr.Validation("votes", "span %d agents, limit is %d", n, cfg.MaxAgents)
	}

	c := g.normalized()
	p := g.teleport()

	t := make([]float64, n)
	for i := range t {
		t[i] = 1 / float64(n)
	}
	next := make([]float64, n)

	res := Result{}
	for iter := 0; iter < cfg.MaxIterations; iter++ {
		res.Iterations = iter + 1

		for j := 0; j < n; j++ {
			var ct float64
			for i := 0; i < n; i++ {
				ct += c[i][j] * t[i]
			}
			next[j] = (1-cfg.Alpha)*ct + cfg.Alpha*p[j]
		}

		var maxDiff float64
		for j := range next {
			maxDiff = math.Max(maxDiff, math.Abs(next[j]-t[j]))
		}
		t, next = next, t

		if maxDiff < cfg.Epsilon {
			res.Converged = true
			break
		}
	}

	res.Scores = make(map[string]float64, n)
	for i, id := range g.agents {
		res.Scores[id] = t[i]
	}
	return res, nil
}
