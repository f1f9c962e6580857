package main

import (
	"fmt"

	"github.com/spf13/cobra"

	id "efiling/pkg/domain"
)

var quarantineFlags struct {
	filingID string
	reason   string
}

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Freeze a filing pending manual review",
	RunE:  runQuarantine,
}

var releaseFlags struct {
	filingID string
	note     string
}

var releaseCmd = &cobra.Command{
	Use:   "release-quarantine",
	Short: "Lift the quarantine of a reviewed filing",
	RunE:  runRelease,
}

func init() {
	f := quarantineCmd.Flags()
	f.StringVar(&quarantineFlags.filingID, "filing-id", "", "Filing ID (required)")
	f.StringVar(&quarantineFlags.reason, "reason", "", "Why the filing is frozen (required)")
	_ = quarantineCmd.MarkFlagRequired("filing-id")
	_ = quarantineCmd.MarkFlagRequired("reason")

	f = releaseCmd.Flags()
	f.StringVar(&releaseFlags.filingID, "filing-id", "", "Filing ID (required)")
	f.StringVar(&releaseFlags.note, "note", "", "Review outcome recorded with the release")
	_ = releaseCmd.MarkFlagRequired("filing-id")
}

func runQuarantine(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	filingID, err := id.ParseFilingID(quarantineFlags.filingID)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := a.Workflow.Quarantine(ctx, filingID, quarantineFlags.reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Filing %s quarantined in state %s: %s\n", f.ID, f.State, f.QuarantineReason)
	return nil
}

func runRelease(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	filingID, err := id.ParseFilingID(releaseFlags.filingID)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := a.Workflow.Release(ctx, filingID, releaseFlags.note)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Filing %s released in state %s\n", f.ID, f.State)
	return nil
}
