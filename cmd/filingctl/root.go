package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"efiling/internal/app"
	"efiling/internal/platform/config"
	"efiling/internal/platform/logger"
)

var rootCmd = &cobra.Command{
	Use:   "filingctl",
	Short: "Operator tooling for the e-filing service",
	Long:  "filingctl applies migrations, runs status sweeps and resolves\nquarantined filings against the configured database.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pollCmd)
	rootCmd.AddCommand(declarationsCmd)
	rootCmd.AddCommand(quarantineCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(auditCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildApp wires the service against the configured backends. Commands that
// change filings refuse to run on in-memory stores.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	a, err := app.Build(ctx, cfg, logger.New(cfg.Log), prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}
	if a.DB == nil {
		a.Close()
		return nil, app.ErrNoDatabase
	}
	return a, nil
}
