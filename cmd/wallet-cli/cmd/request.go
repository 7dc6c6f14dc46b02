package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/internal/domain"
	"github.com/sirosfoundation/go-wallet-core/internal/presentation"
	"github.com/sirosfoundation/go-wallet-core/internal/trustchain"
	"github.com/sirosfoundation/go-wallet-core/pkg/config"
	"github.com/sirosfoundation/go-wallet-core/pkg/urlfilter"
)

// newPresentationEngine builds an engine without a signer; the CLI never signs
func newPresentationEngine(cfg *config.Config, logger *zap.Logger, registrar string) *presentation.Engine {
	opts := []presentation.Option{
		presentation.WithURLFilter(urlfilter.New(cfg.Presentation.URLFilter)),
	}
	if registrar != "" {
		source := trustchain.NewHTTPRegistrarSource(registrar, cfg.Trust.Timeout)
		opts = append(opts, presentation.WithAttestationVerifier(trustchain.NewVerifier(nil, logger), source))
	}
	return presentation.NewEngine(presentation.Config{
		TransactionDataTypes: cfg.Presentation.TransactionDataTypes,
	}, nil, logger, opts...)
}

// parsedRequest is the parse-request JSON output
type parsedRequest struct {
	Request         *domain.PresentationRequestContext   `json:"request"`
	TransactionData []domain.TransactionDataRequest      `json:"transaction_data,omitempty"`
	Submission      *presentation.PresentationSubmission `json:"presentation_submission,omitempty"`
}

var parseRequestCmd = &cobra.Command{
	Use:   "parse-request <request|file>",
	Short: "Parse an OpenID4VP authorization request",
	Long: `Parse an openid4vp:// or haip:// URL, a request object JWT or a JSON request,
fetching request_uri when present, and print the normalized request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		raw, err := readArg(cmd, args[0])
		if err != nil {
			return err
		}

		reqCtx, txData, err := newPresentationEngine(cfg, logger, "").ParseRequest(cmd.Context(), raw)
		if err != nil {
			return err
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), parsedRequest{
				Request:         reqCtx,
				TransactionData: txData,
				Submission:      presentation.BuildPresentationSubmission(reqCtx),
			})
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "client_id:     %s\n", reqCtx.ClientID)
		fmt.Fprintf(w, "response_mode: %s\n", orDash(reqCtx.ResponseMode))
		fmt.Fprintf(w, "response_uri:  %s\n", orDash(reqCtx.ResponseURI))
		fmt.Fprintf(w, "redirect_uri:  %s\n", orDash(reqCtx.RedirectURI))
		fmt.Fprintf(w, "descriptors:   %s\n", orDash(strings.Join(reqCtx.DescriptorIDs(), ",")))
		fmt.Fprintf(w, "attestations:  %d\n", len(reqCtx.VerifierAttestations))
		if len(txData) > 0 {
			fmt.Fprintln(w)
			rows := make([][]string, len(txData))
			for i, td := range txData {
				rows[i] = []string{td.Type, strings.Join(td.CredentialIDs, ",")}
			}
			printTable(w, []string{"TRANSACTION TYPE", "CREDENTIAL IDS"}, rows)
		}
		return nil
	},
}

var policyRegistrarURL string

var checkPolicyCmd = &cobra.Command{
	Use:   "check-policy <request|file>",
	Short: "Check a presentation request against its verifier attestations",
	Long: `Parse a presentation request, verify the attached verifier attestations
against the registrar and list every requested element the attestations do
not cover.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadEnv()
		if err != nil {
			return err
		}
		registrar := policyRegistrarURL
		if registrar == "" {
			registrar = cfg.Trust.RegistrarURL
		}
		raw, err := readArg(cmd, args[0])
		if err != nil {
			return err
		}

		engine := newPresentationEngine(cfg, logger, registrar)
		reqCtx, _, err := engine.ParseRequest(cmd.Context(), raw)
		if err != nil {
			return err
		}
		eval, err := engine.EvaluateVerifier(cmd.Context(), reqCtx)
		if err != nil {
			return err
		}

		if output == "json" {
			return printJSON(cmd.OutOrStdout(), eval)
		}
		w := cmd.OutOrStdout()
		if !eval.Attested() {
			fmt.Fprintln(w, "Verifier is not attested.")
		}
		if len(eval.Violations) == 0 {
			fmt.Fprintln(w, "No policy violations.")
			return nil
		}
		rows := make([][]string, len(eval.Violations))
		for i, v := range eval.Violations {
			rows[i] = []string{string(v.Kind), orDash(v.DescriptorID), v.Requested, orDash(strings.Join(v.Allowed, ","))}
		}
		printTable(w, []string{"KIND", "DESCRIPTOR", "REQUESTED", "ALLOWED"}, rows)
		return nil
	},
}

func init() {
	checkPolicyCmd.Flags().StringVar(&policyRegistrarURL, "registrar", "", "Registrar root URL (default: trust.registrar_url)")

	rootCmd.AddCommand(parseRequestCmd)
	rootCmd.AddCommand(checkPolicyCmd)
}
