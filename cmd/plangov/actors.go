package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctrlai/plangov/internal/actor"
	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/config"
	"github.com/ctrlai/plangov/internal/governance"
	"github.com/ctrlai/plangov/internal/permission"
)

// ============================================================================
// plangov permissions - Inspect the catalog
// ============================================================================

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Inspect roles, tiers, and effective permissions",
	Long: `The permission catalog lives in catalog.yaml (built-in defaults when the
file is missing). An actor's effective permissions are the union of the
permissions of every role and tier assigned to it.`,
}

var permissionsMatch string

func init() {
	permissionsCmd.AddCommand(permissionsListCmd)
	permissionsCmd.AddCommand(permissionsResolveCmd)
	permissionsCmd.AddCommand(permissionsCheckCmd)
	permissionsListCmd.Flags().StringVar(&permissionsMatch, "match", "",
		"Only list permissions matching a glob, e.g. 'planner:*' or 'reports:export_{store,region}'")
}

func loadCatalog() (*permission.Catalog, error) {
	c, err := permission.LoadCatalog(filepath.Join(stateDir, config.CatalogFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load permission catalog: %w", err)
	}
	return c, nil
}

var permissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List roles, tiers, and permissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCatalog()
		if err != nil {
			return err
		}

		if permissionsMatch != "" {
			perms, err := c.Match(permissionsMatch)
			if err != nil {
				return err
			}
			for _, p := range perms {
				fmt.Println(p)
			}
			return nil
		}

		fmt.Println("ROLES")
		for _, r := range c.Roles() {
			fmt.Printf("  %-16s %-14s %s\n", r.ID, r.Name, strings.Join(r.Permissions, ", "))
		}
		fmt.Println("TIERS")
		for _, t := range c.Tiers() {
			fmt.Printf("  %-16s %-14s %s\n", t.ID, t.Name, strings.Join(t.Permissions, ", "))
		}
		fmt.Printf("\n%d permissions in catalog.\n", len(c.AllPermissions()))
		return nil
	},
}

var permissionsResolveCmd = &cobra.Command{
	Use:   "resolve <actor-id>",
	Short: "Show an actor's effective permissions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCatalog()
		if err != nil {
			return err
		}
		reg, err := actor.NewRegistry(filepath.Join(stateDir, config.ActorsFile))
		if err != nil {
			return err
		}
		a, err := reg.Lookup(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Actor: %s\n", a.ID)
		fmt.Printf("Roles: %s\n", joinOrNone(a.Roles))
		fmt.Printf("Tiers: %s\n", joinOrNone(a.Tiers))
		fmt.Println("Permissions:")
		perms := c.Resolve(a).Sorted()
		if len(perms) == 0 {
			fmt.Println("  (none)")
		}
		for _, p := range perms {
			fmt.Printf("  %s\n", p)
		}
		return nil
	},
}

var permissionsCheckCmd = &cobra.Command{
	Use:   "check <actor-id> <permission>",
	Short: "Check whether an actor holds a permission",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadCatalog()
		if err != nil {
			return err
		}
		reg, err := actor.NewRegistry(filepath.Join(stateDir, config.ActorsFile))
		if err != nil {
			return err
		}
		a, err := reg.Lookup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !permission.HasPermission(c, a, args[1]) {
			fmt.Printf("[plangov] %s does NOT hold %s\n", args[0], args[1])
			return fmt.Errorf("permission not held")
		}
		fmt.Printf("[plangov] %s holds %s\n", args[0], args[1])
		return nil
	},
}

// ============================================================================
// plangov actors - Assignments and suspensions
// ============================================================================

var actorsCmd = &cobra.Command{
	Use:   "actors",
	Short: "Manage actor role/tier assignments and suspensions",
	Long: `Actor assignments live in actors.yaml and suspensions in suspended.yaml.
A running server watches both files, so changes take effect immediately.`,
}

var (
	actorsRoles  string
	actorsTiers  string
	actorsRemove bool
	actorsReason string
)

func init() {
	actorsCmd.AddCommand(actorsListCmd)
	actorsCmd.AddCommand(actorsAssignCmd)
	actorsCmd.AddCommand(actorsSuspendCmd)
	actorsCmd.AddCommand(actorsReinstateCmd)

	actorsAssignCmd.Flags().StringVar(&actorsRoles, "roles", "", "Comma-separated role ids")
	actorsAssignCmd.Flags().StringVar(&actorsTiers, "tiers", "", "Comma-separated tier ids")
	actorsAssignCmd.Flags().BoolVar(&actorsRemove, "remove", false, "Remove the given roles and tiers instead of adding them")
	actorsSuspendCmd.Flags().StringVarP(&actorsReason, "reason", "r", "", "Reason for the suspension")
}

var actorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actors with their assignments",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := actor.NewRegistry(filepath.Join(stateDir, config.ActorsFile))
		if err != nil {
			return err
		}
		susp, err := actor.NewSuspensions(filepath.Join(stateDir, config.SuspensionsFile))
		if err != nil {
			return err
		}

		list := reg.List()
		if len(list) == 0 {
			fmt.Println("No actors assigned. Use 'plangov actors assign <id> --roles role_viewer'.")
			return nil
		}
		fmt.Printf("%-16s %-10s %-40s %s\n", "ACTOR", "STATUS", "ROLES", "TIERS")
		for _, a := range list {
			status := "active"
			if susp.IsSuspended(a.ID) {
				status = "SUSPENDED"
			}
			fmt.Printf("%-16s %-10s %-40s %s\n", a.ID, status, joinOrNone(a.Roles), joinOrNone(a.Tiers))
		}
		return nil
	},
}

var actorsAssignCmd = &cobra.Command{
	Use:   "assign <actor-id>",
	Short: "Add (or with --remove, take away) roles and tiers",
	Long: `Add roles and tiers to an actor. Unknown role or tier ids are rejected.

Examples:
  plangov actors assign alice --roles role_manager --tiers tier_region
  plangov actors assign alice --roles role_manager --remove`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roles, tiers := splitList(actorsRoles), splitList(actorsTiers)
		if len(roles) == 0 && len(tiers) == 0 {
			return fmt.Errorf("nothing to change: pass --roles and/or --tiers")
		}
		c, err := loadCatalog()
		if err != nil {
			return err
		}
		if !actorsRemove {
			for _, r := range roles {
				if _, ok := c.Role(r); !ok {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			for _, t := range tiers {
				if _, ok := c.Tier(t); !ok {
					return fmt.Errorf("unknown tier %q", t)
				}
			}
		}

		reg, err := actor.NewRegistry(filepath.Join(stateDir, config.ActorsFile))
		if err != nil {
			return err
		}
		var a actor.Assignment
		if actorsRemove {
			a, err = reg.Unassign(args[0], roles, tiers)
		} else {
			a, err = reg.Assign(args[0], roles, tiers)
		}
		if err != nil {
			return err
		}
		fmt.Printf("[plangov] %s: roles=%s tiers=%s\n", a.ID, joinOrNone(a.Roles), joinOrNone(a.Tiers))
		return nil
	},
}

var actorsSuspendCmd = &cobra.Command{
	Use:   "suspend <actor-id>",
	Short: "Suspend an actor from all governance actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		id := args[0]
		if st.suspensions.IsSuspended(id) {
			fmt.Printf("[plangov] %s is already suspended\n", id)
			return nil
		}
		reason := actorsReason
		if reason == "" {
			reason = "suspended via CLI"
		}
		if err := st.suspensions.Suspend(id, reason, operatorID()); err != nil {
			return fmt.Errorf("failed to suspend %s: %w", id, err)
		}
		recordActorChange(cmd, st, governance.ActionActorSuspend, id, map[string]string{"reason": reason})
		fmt.Printf("[plangov] %s suspended\n", id)
		return nil
	},
}

var actorsReinstateCmd = &cobra.Command{
	Use:   "reinstate <actor-id>",
	Short: "Lift an actor's suspension",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openState(nil)
		if err != nil {
			return err
		}
		defer st.close()

		id := args[0]
		if !st.suspensions.IsSuspended(id) {
			fmt.Printf("[plangov] %s is not suspended\n", id)
			return nil
		}
		if err := st.suspensions.Reinstate(id); err != nil {
			return fmt.Errorf("failed to reinstate %s: %w", id, err)
		}
		recordActorChange(cmd, st, governance.ActionActorReinstate, id, nil)
		fmt.Printf("[plangov] %s reinstated\n", id)
		return nil
	},
}

// recordActorChange writes the audit record for a CLI suspension change.
// The change itself already happened, so a failure is only reported.
func recordActorChange(cmd *cobra.Command, st *state, action, id string, md map[string]string) {
	_, err := st.audit.Append(cmd.Context(), audit.Record{
		Action:     action,
		ResourceID: "actor:" + id,
		ActorID:    operatorID(),
		Metadata:   md,
	})
	if err != nil {
		fmt.Printf("  Warning: audit entry not written: %v\n", err)
	}
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}
