package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/credit"
	"github.com/sells-group/kpledger/internal/marketplace"
	"github.com/sells-group/kpledger/internal/reputation"
	"github.com/sells-group/kpledger/internal/resilience"
	"github.com/sells-group/kpledger/internal/store"
	"github.com/sells-group/kpledger/internal/subscription"
	"github.com/sells-group/kpledger/internal/trust"
)

// ledgerEnv holds the store and the services built on it.
type ledgerEnv struct {
	Store         store.Store
	Reputation    *reputation.Service
	Credits       *credit.Ledger
	Subscriptions *subscription.Registry
	Marketplace   *marketplace.Engine
}

// Close releases the store.
func (e *ledgerEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	retry := resilience.FromConfig(cfg.Retry.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs)
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath, retry)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		}, retry)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv validates config for mode, opens and migrates the store, and wires
// the services.
func initEnv(ctx context.Context, mode string) (*ledgerEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rep := reputation.New(st, reputation.Config{
		Trust: trust.Config{
			Alpha:         cfg.Trust.Alpha,
			Epsilon:       cfg.Trust.Epsilon,
			MaxIterations: cfg.Trust.MaxIterations,
			PreTrustScore: cfg.Trust.PreTrustScore,
			MaxAgents:     cfg.Trust.MaxAgents,
		},
		TrustScale: cfg.Trust.Scale,
		Workers:    cfg.Trust.Workers,
	})
	ledger := credit.New(st)
	subs := subscription.New(st, ledger, subscription.Config{
		DefaultCredits: cfg.Subscription.DefaultCredits,
		Period:         time.Duration(cfg.Subscription.PeriodDays) * 24 * time.Hour,
	})
	share := cfg.Marketplace.RevenueShare
	engine := marketplace.New(st, ledger, subs, marketplace.Config{
		RevenueShare: &share,
	})

	zap.L().Info("store ready", zap.String("driver", cfg.Store.Driver))
	return &ledgerEnv{
		Store:         st,
		Reputation:    rep,
		Credits:       ledger,
		Subscriptions: subs,
		Marketplace:   engine,
	}, nil
}
