package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpledger/internal/model"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and adjust credit balances",
}

var (
	grantAgent  string
	grantAmount int64
	grantReason string
)

var creditsGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant credits to an agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		if grantAgent == "" || grantAmount <= 0 {
			return eris.New("--agent and a positive --amount are required")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx, "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		bal, err := env.Credits.AddCredits(ctx, grantAgent, grantAmount, grantReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", grantAgent, bal)
		return nil
	},
}

var (
	balanceAgent string
	balanceTier  string
)

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show an agent's balance, applying any due tier refill",
	RunE: func(cmd *cobra.Command, args []string) error {
		if balanceAgent == "" {
			return eris.New("--agent is required")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx, "credits")
		if err != nil {
			return err
		}
		defer env.Close()

		st, err := env.Credits.Statement(ctx, balanceAgent, model.Tier(balanceTier))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

func init() {
	creditsGrantCmd.Flags().StringVar(&grantAgent, "agent", "", "agent ID")
	creditsGrantCmd.Flags().Int64Var(&grantAmount, "amount", 0, "credits to grant")
	creditsGrantCmd.Flags().StringVar(&grantReason, "reason", "Admin grant", "transaction description")
	creditsBalanceCmd.Flags().StringVar(&balanceAgent, "agent", "", "agent ID")
	creditsBalanceCmd.Flags().StringVar(&balanceTier, "tier", string(model.TierFree), "refill tier: free, pro or enterprise")

	creditsCmd.AddCommand(creditsGrantCmd, creditsBalanceCmd)
	rootCmd.AddCommand(creditsCmd)
}
