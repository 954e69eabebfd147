// Package main is the CLI entry point for plangov, the governance and audit
// service of the campaign planner.
//
// plangov owns the review workflow that moves a campaign review from
// pending to approved or rejected, the role/tier permission model that
// decides who may do that, and the hash-chained audit trail that records
// every governance action.
//
// CLI commands (cobra):
//
//	plangov serve            - Run the REST API, dashboard, and live feed
//	plangov init             - Write default config, catalog, and actor files
//	plangov campaigns add    - Register a draft campaign
//	plangov submit           - Submit a campaign for review
//	plangov decide           - Approve or reject a pending review
//	plangov reviews list     - List reviews
//	plangov audit            - Query, verify, and export the audit trail
//	plangov permissions      - Inspect the role/tier catalog
//	plangov actors           - Manage actor assignments and suspensions
//	plangov config           - Show or write the configuration
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// EnvActor names the acting identity for CLI commands when --as is not
// given.
const EnvActor = "PLANGOV_ACTOR"

// defaultStateDir returns ~/.plangov/, where config.yaml, catalog.yaml,
// actors.yaml, suspended.yaml, and the sqlite database live.
func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plangov"
	}
	return filepath.Join(home, ".plangov")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// Global flags.
var (
	stateDir  string
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "plangov",
	Short: "plangov: campaign review governance with a tamper-evident audit trail",
	Long: `plangov runs the campaign review workflow. Planners submit campaigns for
review; actors holding planner:approve approve or reject them. Every
governance action is written to a per-campaign SHA-256 hash chain so that
any later edit of the trail is detectable.

Run 'plangov init' once, then 'plangov serve'.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(logFormat, logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", defaultStateDir(),
		"Path to plangov config and state directory")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(campaignsCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(actorsCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging installs the default slog handler on stderr.
func setupLogging(format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q (use text or json)", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// actingAs resolves the caller identity for a command: the --as flag, then
// $PLANGOV_ACTOR.
func actingAs(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv(EnvActor); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no acting identity: pass --as <actor-id> or set %s", EnvActor)
}

// operatorID names the local operator in audit records written by
// administrative CLI commands that bypass the permission check.
func operatorID() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
