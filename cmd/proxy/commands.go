package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pseudonymizing-proxy/internal/detector"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mitm"
)

const defaultPseudonymizerAddr = "127.0.0.1:5000"

// newPseudonymizerCmd serves the bundled regex detector over the
// pseudonymization service's HTTP contract.
func newPseudonymizerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pseudonymizer",
		Short: "Run the bundled regex pseudonymization service",
		Long: `Serves POST /pseudonymize, POST /restore, GET /health and GET /prompt_logs
using built-in regex detection and fake-value pools. Point the proxy's
pseudonymizer.url at it when no external service is available.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := cmd.Flags().GetString("addr")
			if err != nil {
				return fmt.Errorf("failed to get addr flag: %w", err)
			}
			logLevel, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return fmt.Errorf("failed to get log-level flag: %w", err)
			}

			log := logger.New("DETECTOR", logLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Infof("listen", "listening on %s", addr)
			return serveUntilDone(ctx, &http.Server{
				Addr:              addr,
				Handler:           detector.NewServer(detector.New(log), log).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			})
		},
	}
	cmd.Flags().StringP("addr", "a", defaultPseudonymizerAddr, "Address to listen on")
	cmd.Flags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	return cmd
}

// newGenCACmd writes a fresh interception CA.
func newGenCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gen-ca",
		Short:        "Generate the interception CA certificate and key",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			certFile, err := cmd.Flags().GetString("cert")
			if err != nil {
				return fmt.Errorf("failed to get cert flag: %w", err)
			}
			keyFile, err := cmd.Flags().GetString("key")
			if err != nil {
				return fmt.Errorf("failed to get key flag: %w", err)
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return fmt.Errorf("failed to get force flag: %w", err)
			}
			return genCA(cmd, certFile, keyFile, force)
		},
	}
	cmd.Flags().String("cert", "ca-cert.pem", "Output certificate file")
	cmd.Flags().String("key", "ca-key.pem", "Output private key file")
	cmd.Flags().Bool("force", false, "Overwrite existing files")
	return cmd
}

func genCA(cmd *cobra.Command, certFile, keyFile string, force bool) error {
	if !force {
		for _, f := range []string{certFile, keyFile} {
			if _, err := os.Stat(f); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", f)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
	}
	if err := mitm.GenerateCA(certFile, keyFile); err != nil {
		return err
	}
	ca, err := mitm.LoadCA(certFile, keyFile)
	if err != nil {
		return err
	}
	c := ca.Certificate()
	fmt.Fprintf(cmd.OutOrStdout(), "Generated %q, valid until %s\n  certificate: %s\n  private key: %s\n",
		c.Subject.CommonName, c.NotAfter.Format(time.DateOnly), certFile, keyFile)
	return nil
}
