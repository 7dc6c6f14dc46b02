// Package cmd contains all CLI commands for wallet-cli.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-wallet-core/pkg/config"
	"github.com/sirosfoundation/go-wallet-core/pkg/logging"
)

var (
	// Global flags
	configFile string
	output     string
	logLevel   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "wallet-cli",
	Short: "Offline checks for credentials and presentation requests",
	Long: `wallet-cli runs the wallet core trust and presentation logic from the
command line, without a key module.

Examples:
  # Check an issued credential against the configured trust roots
  wallet-cli verify-credential credential.jwt --config config.yaml

  # Verify a verifier attestation against a registrar
  wallet-cli verify-attestation attestation.jwt --registrar https://registrar.example.com/root.pem

  # Show what a verifier is asking for
  wallet-cli parse-request 'openid4vp://?request_uri=https://verifier.example.com/req'

Environment Variables:
  WALLET_*  Override configuration values, as for the server`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
}

// loadEnv reads the configuration and builds a logger writing to stderr
func loadEnv() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logging.Config{Level: logLevel, Format: "text"})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// readArg returns the argument itself, or the file contents for @path and
// existing files. "-" reads stdin.
func readArg(cmd *cobra.Command, arg string) (string, error) {
	path := strings.TrimPrefix(arg, "@")
	if arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if _, err := os.Stat(path); err == nil || strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return arg, nil
}

// printJSON formats and prints v as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// printTable prints data in a simple table format
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(w)
	for i := range headers {
		fmt.Fprintf(w, "%s  ", strings.Repeat("-", widths[i]))
	}
	fmt.Fprintln(w)
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
