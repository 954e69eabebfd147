package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ctrlai/plangov/internal/audit"
)

// ============================================================================
// plangov audit - Query and verify the audit trail
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify, and export the audit trail",
	Long: `Every governance action is recorded in the audit trail. Entries are
hash-chained per resource (campaign): each entry's hash covers the previous
entry's hash, its sequence number, timestamp, action, resource, actor, and
metadata, so editing or deleting any entry is detectable.

These commands read the database directly and are meant for operators with
access to the state directory.`,
}

func init() {
	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditVerifyEntryCmd)
	auditCmd.AddCommand(auditExportCmd)
}

var auditListCmd = &cobra.Command{
	Use:   "list <resource-id>",
	Short: "List a resource's audit entries, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		entries, err := st.audit.ListByResource(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read audit trail: %w", err)
		}
		if len(entries) == 0 {
			fmt.Printf("No audit entries for %s.\n", args[0])
			return nil
		}
		for _, e := range entries {
			printAuditEntry(e)
		}
		return nil
	},
}

var (
	auditFollowMode bool
	auditTailLimit  int
)

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries across all resources. Use -f to follow new entries (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		entries, err := st.audit.Recent(cmd.Context(), audit.QueryParams{Limit: auditTailLimit})
		if err != nil {
			return fmt.Errorf("failed to read audit trail: %w", err)
		}
		for i := len(entries) - 1; i >= 0; i-- {
			printAuditEntry(entries[i])
		}

		if auditFollowMode {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			err := st.audit.Follow(ctx, printAuditEntry)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new entries")
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

var (
	auditQueryActor    string
	auditQueryAction   string
	auditQueryResource string
	auditQuerySince    string
	auditQueryLimit    int
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit entries with filters",
	Long: `Query the audit trail, newest first.

Examples:
  plangov audit query --actor alice --action campaign_approve --since 24h
  plangov audit query --resource c1 --limit 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		entries, err := st.audit.Recent(cmd.Context(), audit.QueryParams{
			Actor:    auditQueryActor,
			Action:   auditQueryAction,
			Resource: auditQueryResource,
			Since:    auditQuerySince,
			Limit:    auditQueryLimit,
		})
		if err != nil {
			return fmt.Errorf("audit query failed: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("No matching audit entries found.")
			return nil
		}
		for _, e := range entries {
			printAuditEntry(e)
		}
		fmt.Printf("\n%d entries found.\n", len(entries))
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQueryActor, "actor", "", "Filter by actor id")
	auditQueryCmd.Flags().StringVar(&auditQueryAction, "action", "", "Filter by action (campaign_approve, campaign_submit, ...)")
	auditQueryCmd.Flags().StringVar(&auditQueryResource, "resource", "", "Filter by resource id")
	auditQueryCmd.Flags().StringVar(&auditQuerySince, "since", "", "Entries since a duration (1h, 24h) or RFC 3339 time")
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", 50, "Maximum number of entries to return")
}

var auditVerifyResource string

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Verify the audit hash chains. With --resource only that resource's chain
is checked; otherwise every chain is. Exits non-zero on the first break.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		resources := []string{auditVerifyResource}
		if auditVerifyResource == "" {
			if resources, err = st.audit.Resources(cmd.Context()); err != nil {
				return fmt.Errorf("failed to list audited resources: %w", err)
			}
		}

		total := 0
		for _, res := range resources {
			result, err := st.audit.VerifyChain(cmd.Context(), res)
			if err != nil {
				return fmt.Errorf("verification of %s failed: %w", res, err)
			}
			if !result.Valid {
				fmt.Printf("[plangov] Hash chain of %s BROKEN at entry #%d (%s): %s\n",
					res, result.BrokenAt, result.EntryID, result.Reason)
				if result.ExpectedHash != "" {
					fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
					fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
				}
				return fmt.Errorf("audit chain integrity violation detected")
			}
			total += result.EntriesChecked
		}
		fmt.Printf("[plangov] Hash chains VALID (%d chains, %d entries verified)\n", len(resources), total)
		return nil
	},
}

func init() {
	auditVerifyCmd.Flags().StringVar(&auditVerifyResource, "resource", "", "Verify only this resource's chain")
}

var auditVerifyEntryCmd = &cobra.Command{
	Use:   "verify-entry <entry-id>",
	Short: "Recompute and check one entry's hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		ok, err := st.audit.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("[plangov] Entry %s does NOT match its stored hash\n", args[0])
			return fmt.Errorf("audit entry integrity violation detected")
		}
		fmt.Printf("[plangov] Entry %s VALID\n", args[0])
		return nil
	},
}

var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit trail",
	Long: `Export every audit entry to stdout. Supported formats: csv, json, jsonl.

Example:
  plangov audit export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()
		return st.audit.Export(cmd.Context(), os.Stdout, auditExportFormat)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
