package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/kpledger/internal/api"
	"github.com/sells-group/kpledger/internal/config"
	"github.com/sells-group/kpledger/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the marketplace HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if len(cfg.Auth.Keys) == 0 {
			zap.L().Warn("no API keys configured; every /v1 request will be rejected")
		}

		handler := api.NewRouter(api.Services{
			Marketplace:   env.Marketplace,
			Credits:       env.Credits,
			Subscriptions: env.Subscriptions,
			Reputation:    env.Reputation,
		}, api.Options{
			Keys:        apiKeys(cfg.Auth.Keys),
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func apiKeys(keys []config.APIKey) []api.APIKey {
	out := make([]api.APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, api.APIKey{
			Token:   k.Key,
			AgentID: k.AgentID,
			Scopes:  k.Scopes,
			Tier:    model.Tier(k.Tier),
		})
	}
	return out
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
