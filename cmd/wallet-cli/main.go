// Package main provides the wallet-cli tool for checking credentials and
// presentation requests offline.
package main

import (
	"os"

	"github.com/sirosfoundation/go-wallet-core/cmd/wallet-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
