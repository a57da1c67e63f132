// Command proxy is the pseudonymizing interception proxy.
//
// It sits between local clients and AI chat services, swaps personal data in
// outgoing prompts for realistic pseudonyms via the pseudonymization service,
// and puts the originals back into the responses before the client sees them.
//
// Upstream proxy chaining (e.g. a corporate proxy) is automatic: Go's net/http
// reads HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
//
// Usage:
//
//	# Run the proxy with proxy-config.yaml from the working directory
//	proxy
//
//	# Run the bundled regex pseudonymizer on 127.0.0.1:5000
//	proxy pseudonymizer
//
//	# Create the interception CA up front
//	proxy gen-ca --cert ca-cert.pem --key ca-key.pem
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"pseudonymizing-proxy/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command. Running it without a subcommand
// starts the proxy.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Pseudonymizing interception proxy for AI chat services",
		Long: `Intercepts requests to AI chat services, replaces personal data in prompts
with pseudonyms, and restores the originals in the responses.

Settings come from proxy-config.yaml (or --config), then .env, then the
environment. The config file is watched and reloaded on change.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML or JSON)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newPseudonymizerCmd(), newGenCACmd())
	return rootCmd
}

func printBanner(w io.Writer, cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct, set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}
	pseudonymizer := "(disabled, traffic is forwarded unchanged)"
	if cfg.Pseudonymizer.Enabled && cfg.Pseudonymizer.URL != "" {
		pseudonymizer = cfg.Pseudonymizer.URL
	}
	correlation := cfg.Correlation.Backend
	if correlation == "redis" {
		correlation += " @ " + cfg.Correlation.RedisAddr
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          Pseudonymizing Proxy  (Go)                  ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Management port : %d
  Upstream proxy  : %s
  Pseudonymizer   : %s
  Correlation     : %s (ttl %s)
  Interception CA : %s

  Point clients here:
    export HTTP_PROXY=http://localhost:%d
    export HTTPS_PROXY=http://localhost:%d

  Check status:
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort,
		upstreamProxy,
		pseudonymizer,
		correlation, cfg.Correlation.TTL,
		cfg.CACertFile,
		cfg.ProxyPort, cfg.ProxyPort,
		cfg.ManagementPort)
}
