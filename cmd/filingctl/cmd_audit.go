package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	id "efiling/pkg/domain"
)

var auditFlags struct {
	filingID string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List the audit trail of a filing",
	RunE:  runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFlags.filingID, "filing-id", "", "Filing ID (required)")
	_ = auditCmd.MarkFlagRequired("filing-id")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	filingID, err := id.ParseFilingID(auditFlags.filingID)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.AuditStore.ListByFiling(ctx, filingID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "No audit events for filing %s\n", filingID)
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(out, "%s  %-28s %-14s %s %s\n",
			ev.Timestamp.UTC().Format(time.RFC3339), ev.Action, ev.Method, ev.Decision, ev.Reason)
	}
	return nil
}
