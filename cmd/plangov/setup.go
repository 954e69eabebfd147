package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ctrlai/plangov/internal/actor"
	"github.com/ctrlai/plangov/internal/config"
	"github.com/ctrlai/plangov/internal/permission"
)

// ============================================================================
// plangov init - First-run setup
// ============================================================================

var (
	initAdmin string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and catalog.yaml",
	Long: `Create the state directory with a default config.yaml and catalog.yaml.
Existing files are kept unless --force is given. With --admin, the named
actor is assigned role_admin so there is someone who can decide reviews.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
		}

		files := []struct {
			name  string
			write func(string) error
		}{
			{"config.yaml", config.WriteDefault},
			{config.CatalogFile, permission.WriteDefaultCatalog},
		}
		for _, f := range files {
			path := filepath.Join(stateDir, f.name)
			if _, err := os.Stat(path); err == nil && !initForce {
				fmt.Printf("[plangov] Keeping existing %s\n", path)
				continue
			}
			if err := f.write(path); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			fmt.Printf("[plangov] Wrote %s\n", path)
		}

		if initAdmin != "" {
			reg, err := actor.NewRegistry(filepath.Join(stateDir, config.ActorsFile))
			if err != nil {
				return err
			}
			if _, err := reg.Assign(initAdmin, []string{"role_admin"}, nil); err != nil {
				return fmt.Errorf("failed to assign admin: %w", err)
			}
			fmt.Printf("[plangov] %s assigned role_admin\n", initAdmin)
		}

		fmt.Println("[plangov] Run 'plangov serve' to start the server")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initAdmin, "admin", "", "Actor id to assign role_admin")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
}

// ============================================================================
// plangov config - Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or write the configuration",
	Long: `The config file lives at ~/.plangov/config.yaml and defines the bind
address, storage driver, governance permissions, API authentication, and
rate limits. PLANGOV_* environment variables override it.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(stateDir, "config.yaml")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# No config file at %s; showing defaults\n", path)
		}
		secret := "(not set, X-Actor-ID header trusted)"
		if cfg.Auth.JWTSecret != "" {
			secret = "(set)"
		}
		fmt.Printf("server:      %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		dsn := cfg.Storage.DSN
		if cfg.Storage.Driver == "postgres" {
			dsn = "(set)"
		}
		fmt.Printf("storage:     %s %s\n", cfg.Storage.Driver, dsn)
		fmt.Printf("decide:      %v\n", cfg.Governance.DecidePermissions)
		fmt.Printf("submit:      %v\n", cfg.Governance.SubmitPermissions)
		fmt.Printf("step:        %s\n", cfg.Governance.StepTimeout())
		fmt.Printf("jwt secret:  %s (issuer %s)\n", secret, cfg.Auth.Issuer)
		fmt.Printf("rate limit:  %.1f/s burst %d\n", cfg.API.RateLimitPerSecond, cfg.API.Burst)
		fmt.Printf("dashboard:   %t\n", cfg.Dashboard.Enabled)
		fmt.Printf("metrics:     %t\n", cfg.Metrics.Enabled)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml (overwrites)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(stateDir, "config.yaml")
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("[plangov] Wrote %s\n", path)
		return nil
	},
}
