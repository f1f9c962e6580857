package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	id "efiling/pkg/domain"
)

var pollFlags struct {
	filingID string
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one status sweep, or poll a single filing",
	RunE:  runPoll,
}

func init() {
	pollCmd.Flags().StringVar(&pollFlags.filingID, "filing-id", "", "Poll only this filing")
}

func runPoll(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	out := cmd.OutOrStdout()

	if pollFlags.filingID == "" {
		n, err := a.Poller.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		fmt.Fprintf(out, "Polled %d submissions\n", n)
		return nil
	}

	filingID, err := id.ParseFilingID(pollFlags.filingID)
	if err != nil {
		return err
	}
	snap, err := a.Poller.Poll(ctx, filingID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
