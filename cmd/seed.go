package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/kpledger/internal/marketplace"
)

// seedFile is the fixture format read by the seed command.
type seedFile struct {
	Credits []struct {
		AgentID string `yaml:"agent_id"`
		Amount  int64  `yaml:"amount"`
		Reason  string `yaml:"reason"`
	} `yaml:"credits"`
	Listings []marketplace.NewListing `yaml:"listings"`
}

var seedFileFlag string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load credit grants and listings from a YAML fixture",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(seedFileFlag)
		if err != nil {
			return eris.Wrap(err, "read seed file")
		}
		var f seedFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return eris.Wrap(err, "parse seed file")
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "seed")
		if err != nil {
			return err
		}
		defer env.Close()

		return applySeed(ctx, env, f)
	},
}

func applySeed(ctx context.Context, env *ledgerEnv, f seedFile) error {
	for _, c := range f.Credits {
		reason := c.Reason
		if reason == "" {
			reason = "Seed grant"
		}
		if _, err := env.Credits.AddCredits(ctx, c.AgentID, c.Amount, reason); err != nil {
			return eris.Wrapf(err, "seed credits for %s", c.AgentID)
		}
	}
	for _, nl := range f.Listings {
		l, err := env.Marketplace.CreateListing(ctx, nl)
		if err != nil {
			return eris.Wrapf(err, "seed listing %q", nl.Title)
		}
		zap.L().Debug("seeded listing", zap.String("id", l.ID), zap.String("title", l.Title))
	}
	zap.L().Info("seed complete",
		zap.Int("credits", len(f.Credits)),
		zap.Int("listings", len(f.Listings)),
	)
	return nil
}

func init() {
	seedCmd.Flags().StringVar(&seedFileFlag, "file", "seed.yaml", "YAML fixture file")
	rootCmd.AddCommand(seedCmd)
}
