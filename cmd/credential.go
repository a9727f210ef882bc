package main

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/kpledger/internal/credential"
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Issue and verify reputation credentials",
}

var credentialKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the issuer signing key if missing and print its public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, _, err := credential.LoadOrGenerateKey(cfg.Credential.KeyPath)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), credential.EncodePublicKey(pub))
		return nil
	},
}

var (
	issueAgent  string
	issueDomain string
)

var credentialIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed credential from an agent's current reputation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if issueAgent == "" {
			return eris.New("--agent is required")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx, "credential")
		if err != nil {
			return err
		}
		defer env.Close()

		_, priv, err := credential.LoadOrGenerateKey(cfg.Credential.KeyPath)
		if err != nil {
			return err
		}
		issuer, err := credential.NewIssuer(cfg.Credential.IssuerDID, cfg.Credential.VerificationMethod, priv, env.Reputation)
		if err != nil {
			return err
		}
		vc, err := issuer.IssueFor(ctx, issueAgent, issueDomain)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(vc)
	},
}

var (
	verifyFile      string
	verifyPublicKey string
)

var credentialVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a credential's signature",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(verifyFile)
		if err != nil {
			return eris.Wrap(err, "read credential")
		}
		var vc credential.Credential
		if err := json.Unmarshal(data, &vc); err != nil {
			return eris.Wrap(err, "parse credential")
		}

		pub, err := verifyKey()
		if err != nil {
			return err
		}
		if !credential.Verify(vc, pub) {
			fmt.Fprintln(cmd.OutOrStdout(), "invalid")
			return eris.New("credential signature does not verify")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	},
}

func verifyKey() (ed25519.PublicKey, error) {
	if verifyPublicKey != "" {
		return credential.DecodePublicKey(verifyPublicKey)
	}
	pub, _, err := credential.LoadOrGenerateKey(cfg.Credential.KeyPath)
	return pub, err
}

func init() {
	credentialIssueCmd.Flags().StringVar(&issueAgent, "agent", "", "agent ID to issue for")
	credentialIssueCmd.Flags().StringVar(&issueDomain, "domain", "", "optional domain claim")
	credentialVerifyCmd.Flags().StringVar(&verifyFile, "file", "", "credential JSON file")
	credentialVerifyCmd.Flags().StringVar(&verifyPublicKey, "public-key", "", "base64 issuer public key (default: derived from credential.key_path)")
	_ = credentialVerifyCmd.MarkFlagRequired("file")

	credentialCmd.AddCommand(credentialKeygenCmd, credentialIssueCmd, credentialVerifyCmd)
	rootCmd.AddCommand(credentialCmd)
}
