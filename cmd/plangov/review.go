package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctrlai/plangov/internal/governance"
)

// ============================================================================
// plangov campaigns - Campaign registration
// ============================================================================

var campaignsCmd = &cobra.Command{
	Use:   "campaigns",
	Short: "Register and list campaigns",
}

var (
	campaignsAs     string
	campaignsID     string
	campaignsStatus string
)

func init() {
	campaignsCmd.AddCommand(campaignsAddCmd)
	campaignsCmd.AddCommand(campaignsListCmd)
	campaignsCmd.PersistentFlags().StringVar(&campaignsAs, "as", "", "Acting actor id (default $PLANGOV_ACTOR)")
	campaignsAddCmd.Flags().StringVar(&campaignsID, "id", "", "Campaign id (default: generated)")
	campaignsListCmd.Flags().StringVar(&campaignsStatus, "status", "", "Filter by status (draft, pending_review, approved, rejected)")
}

var campaignsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a draft campaign",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, err := actingAs(campaignsAs)
		if err != nil {
			return err
		}
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		c, err := st.engine.CreateCampaign(cmd.Context(), actorID, campaignsID, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("[plangov] Campaign %q registered as %s (status %s)\n", c.Name, c.ID, c.Status)
		return nil
	},
}

var campaignsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, err := actingAs(campaignsAs)
		if err != nil {
			return err
		}
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		campaigns, err := st.engine.ListCampaigns(cmd.Context(), actorID, campaignsStatus)
		if err != nil {
			return err
		}
		if len(campaigns) == 0 {
			fmt.Println("No campaigns.")
			return nil
		}
		fmt.Printf("%-28s %-16s %-12s %s\n", "ID", "STATUS", "CREATED BY", "NAME")
		for _, c := range campaigns {
			fmt.Printf("%-28s %-16s %-12s %s\n", c.ID, c.Status, c.CreatedBy, c.Name)
		}
		return nil
	},
}

// ============================================================================
// plangov submit - Open a review
// ============================================================================

var submitAs string

var submitCmd = &cobra.Command{
	Use:   "submit <campaign-id>",
	Short: "Submit a campaign for review",
	Long: `Submit a campaign for review. The campaign moves to pending_review and a
new pending review is opened. A campaign can have only one open review.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, err := actingAs(submitAs)
		if err != nil {
			return err
		}
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		out, err := st.engine.Submit(cmd.Context(), actorID, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("[plangov] Review %s opened for campaign %s\n", out.Review.ID, out.Review.CampaignID)
		printWarnings(out.Warnings)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitAs, "as", "", "Acting actor id (default $PLANGOV_ACTOR)")
}

// ============================================================================
// plangov decide - Approve or reject
// ============================================================================

var (
	decideAs     string
	decideReason string
)

var decideCmd = &cobra.Command{
	Use:   "decide <review-id> <approve|reject>",
	Short: "Approve or reject a pending review",
	Long: `Approve or reject a pending review. The acting actor needs one of the
governance.decide_permissions (default planner:approve or governance:admin).
A review can be decided once; deciding it again fails with a conflict.

Example:
  plangov decide 01J9Z5... approve --as alice --reason "budget confirmed"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, err := actingAs(decideAs)
		if err != nil {
			return err
		}
		decision, err := governance.ParseDecision(args[1])
		if err != nil {
			return err
		}
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		out, err := st.engine.Decide(cmd.Context(), actorID, args[0], decision, decideReason)
		if err != nil {
			return err
		}
		fmt.Printf("[plangov] Review %s %s (campaign %s)\n", out.Review.ID, out.Status, out.Review.CampaignID)
		if out.AuditEntryID != "" {
			fmt.Printf("  Audit entry: %s\n", out.AuditEntryID)
		}
		printWarnings(out.Warnings)
		return nil
	},
}

func init() {
	decideCmd.Flags().StringVar(&decideAs, "as", "", "Acting actor id (default $PLANGOV_ACTOR)")
	decideCmd.Flags().StringVar(&decideReason, "reason", "", "Reason recorded with the decision (required)")
	decideCmd.MarkFlagRequired("reason")
}

// ============================================================================
// plangov reviews - List reviews
// ============================================================================

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "Inspect reviews",
}

var (
	reviewsAs       string
	reviewsStatus   string
	reviewsCampaign string
	reviewsLimit    int
)

func init() {
	reviewsCmd.AddCommand(reviewsListCmd)
	reviewsListCmd.Flags().StringVar(&reviewsAs, "as", "", "Acting actor id (default $PLANGOV_ACTOR)")
	reviewsListCmd.Flags().StringVar(&reviewsStatus, "status", "", "Filter by status (pending, approved, rejected)")
	reviewsListCmd.Flags().StringVar(&reviewsCampaign, "campaign", "", "Filter by campaign id")
	reviewsListCmd.Flags().IntVar(&reviewsLimit, "limit", 50, "Maximum number of reviews")
}

var reviewsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviews, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		actorID, err := actingAs(reviewsAs)
		if err != nil {
			return err
		}
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		reviews, err := st.engine.ListReviews(cmd.Context(), actorID, governance.ReviewFilter{
			Status:     governance.Status(reviewsStatus),
			CampaignID: reviewsCampaign,
			Limit:      reviewsLimit,
		})
		if err != nil {
			return err
		}
		if len(reviews) == 0 {
			fmt.Println("No reviews.")
			return nil
		}
		fmt.Printf("%-28s %-20s %-9s %-12s %s\n", "ID", "CAMPAIGN", "STATUS", "SUBMITTED BY", "REVIEWED BY")
		for _, r := range reviews {
			fmt.Printf("%-28s %-20s %-9s %-12s %s\n", r.ID, r.CampaignID, r.Status, r.SubmittedBy, r.ReviewedBy)
		}
		return nil
	},
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Printf("  Warning: %s\n", w)
	}
}
