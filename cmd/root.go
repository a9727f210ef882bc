package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/kpledger/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "kpledger",
	Short: "Trust, credential and credit ledger for the knowledge marketplace",
	Long:  "Computes EigenTrust reputation, issues signed reputation credentials, and settles marketplace purchases and subscriptions in credits.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
