package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/kpledger/internal/model"
	"github.com/sells-group/kpledger/internal/store"
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage the validation vote graph and EigenTrust scores",
}

var trustRecomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Run EigenTrust over all votes and fold the result into reputation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "trust")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Reputation.RecomputeTrust(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var trustImportFile string

var trustImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-load validation votes from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		votes, err := readVotes(trustImportFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx, "trust")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := importVotes(ctx, env.Store, votes, time.Now().UTC())
		if err != nil {
			return err
		}
		zap.L().Info("votes imported", zap.Int64("count", n), zap.Int("skipped", len(votes)-int(n)))
		return nil
	},
}

// voteImporter is implemented by stores with a bulk load path.
type voteImporter interface {
	ImportVotes(ctx context.Context, votes []model.Vote) (int64, error)
}

// importVotes drops self-votes and incomplete rows and loads the rest, in bulk when the store
// supports it.
func importVotes(ctx context.Context, st store.ReputationStore, votes []model.Vote, now time.Time) (int64, error) {
	kept := make([]model.Vote, 0, len(votes))
	for _, v := range votes {
		if v.ValidatorID == "" || v.TargetID == "" || v.IsSelfVote() {
			continue
		}
		if v.Timestamp.IsZero() {
			v.Timestamp = now
		}
		kept = append(kept, v)
	}

	if bulk, ok := st.(voteImporter); ok {
		return bulk.ImportVotes(ctx, kept)
	}
	for _, v := range kept {
		if err := st.RecordVote(ctx, v); err != nil {
			return 0, eris.Wrap(err, "import votes")
		}
	}
	return int64(len(kept)), nil
}

type voteFile struct {
	Votes []struct {
		ValidatorID string `yaml:"validator_id"`
		TargetID    string `yaml:"target_id"`
		UnitID      string `yaml:"unit_id"`
		Valid       bool   `yaml:"valid"`
	} `yaml:"votes"`
}

func readVotes(path string) ([]model.Vote, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read votes file")
	}
	var f voteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "parse votes file")
	}
	out := make([]model.Vote, 0, len(f.Votes))
	for _, v := range f.Votes {
		out = append(out, model.Vote{
			ValidatorID: v.ValidatorID,
			TargetID:    v.TargetID,
			UnitID:      v.UnitID,
			Valid:       v.Valid,
		})
	}
	return out, nil
}

func init() {
	trustImportCmd.Flags().StringVar(&trustImportFile, "file", "votes.yaml", "YAML file with a votes list")
	trustCmd.AddCommand(trustRecomputeCmd, trustImportCmd)
	rootCmd.AddCommand(trustCmd)
}
