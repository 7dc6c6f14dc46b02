package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-wallet-core/internal/trustchain"
	"github.com/sirosfoundation/go-wallet-core/pkg/trust/trustfactory"
)

// errUntrusted makes the command exit non-zero for an untrusted credential
var errUntrusted = errors.New("credential is not trusted")

var verifyCredentialCmd = &cobra.Command{
	Use:   "verify-credential <credential|file>",
	Short: "Check an issued credential against the trust roots",
	Long: `Validate the x5c chain of an issued credential (JWT or SD-JWT) against the
trust evaluator from the configuration and check the issuer signature.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		artifact, err := readArg(cmd, args[0])
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Trust.Timeout)
		defer cancel()
		evaluator, err := trustfactory.NewFromConfig(ctx, &cfg.Trust, clock.New())
		if err != nil {
			return fmt.Errorf("failed to initialize trust evaluator: %w", err)
		}

		trusted := trustchain.NewVerifier(evaluator, logger).VerifyCredentialTrust(ctx, artifact)
		if output == "json" {
			if err := printJSON(cmd.OutOrStdout(), map[string]bool{"trusted": trusted}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "trusted: %t\n", trusted)
		}
		if !trusted {
			return errUntrusted
		}
		return nil
	},
}

var registrarURL string

var verifyAttestationCmd = &cobra.Command{
	Use:   "verify-attestation <attestation|file>",
	Short: "Verify a registrar issued verifier attestation",
	Long:  `Verify a verifier attestation JWT against the registrar root (PEM or JWKS) and print its policy.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		url := registrarURL
		if url == "" {
			url = cfg.Trust.RegistrarURL
		}
		if url == "" {
			return fmt.Errorf("--registrar is required")
		}
		token, err := readArg(cmd, args[0])
		if err != nil {
			return err
		}

		source := trustchain.NewHTTPRegistrarSource(url, cfg.Trust.Timeout)
		att, err := trustchain.NewVerifier(nil, logger).VerifyVerifierAttestation(cmd.Context(), token, source)
		if err != nil {
			return err
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), att)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "subject: %s\n", orDash(att.Subject))
		fmt.Fprintf(w, "issuer:  %s\n", orDash(att.Issuer))
		fmt.Fprintf(w, "purpose: %s\n", orDash(att.Purpose))
		fmt.Fprintf(w, "expires: %s\n\n", att.ExpiresAt.Format(time.RFC3339))

		rows := make([][]string, len(att.Credentials))
		for i, c := range att.Credentials {
			claims := make([]string, len(c.Claims))
			for j, cl := range c.Claims {
				claims[j] = cl.Path.String()
			}
			rows[i] = []string{c.Format, orDash(strings.Join(c.Meta.VCTValues, ",")), orDash(strings.Join(claims, ","))}
		}
		printTable(w, []string{"FORMAT", "VCT", "CLAIMS"}, rows)
		return nil
	},
}

func init() {
	verifyAttestationCmd.Flags().StringVar(&registrarURL, "registrar", "", "Registrar root URL (default: trust.registrar_url)")

	rootCmd.AddCommand(verifyCredentialCmd)
	rootCmd.AddCommand(verifyAttestationCmd)
}
