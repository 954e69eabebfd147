package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/config"
	"github.com/ctrlai/plangov/internal/dashboard"
	"github.com/ctrlai/plangov/internal/governance"
	"github.com/ctrlai/plangov/internal/obs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API, web dashboard, and live audit feed",
	Long: `Run the plangov server. It binds to the address in config.yaml
(default 127.0.0.1:3200) and serves:
  - REST API:  http://127.0.0.1:3200/api/...
  - Dashboard: http://127.0.0.1:3200/dashboard
  - Metrics:   http://127.0.0.1:3200/metrics

catalog.yaml, actors.yaml, and suspended.yaml are watched and reloaded in
place, so 'plangov actors suspend' takes effect immediately.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Metrics registry
//  2. Config, store, catalog, actors, audit log, engine
//  3. Dashboard and API routes on one mux
//  4. State file watcher
//  5. Listen until SIGINT/SIGTERM, then drain
func runServe(cmd *cobra.Command, args []string) error {
	// --- Step 1: Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// --- Step 2: State ---
	st, err := openState(metrics)
	if err != nil {
		return err
	}
	defer st.close()
	cfg := st.cfg
	fmt.Printf("[plangov] Storage: %s\n", cfg.Storage.Driver)
	cat := st.catalog.Current()
	fmt.Printf("[plangov] Catalog: %d roles, %d tiers, %d permissions\n",
		len(cat.Roles()), len(cat.Tiers()), len(cat.AllPermissions()))
	fmt.Printf("[plangov] Actors: %d assigned, %d suspended\n",
		len(st.actors.List()), len(st.suspensions.List()))

	st.engine.OnApproved(func(ctx context.Context, r governance.Review) error {
		slog.Info("campaign approved", "campaign", r.CampaignID, "review", r.ID, "by", r.ReviewedBy)
		return nil
	})

	// --- Step 3: Routes ---
	mux := http.NewServeMux()
	var dash *dashboard.Dashboard
	if cfg.Dashboard.Enabled {
		dash = dashboard.New(dashboard.Options{
			Engine:      st.engine,
			AuditLog:    st.audit,
			Catalog:     st.catalog,
			Actors:      st.actors,
			Suspensions: st.suspensions,
			JWTSecret:   cfg.Auth.JWTSecret,
			Issuer:      cfg.Auth.Issuer,
			RateLimit:   cfg.API.RateLimitPerSecond,
			Burst:       cfg.API.Burst,
		})
		defer dash.Close()
		dash.Register(mux)
	} else {
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
		})
	}
	if cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", obs.Handler(reg))
	}
	if cfg.Auth.JWTSecret == "" && !isLoopbackHost(cfg.Server.Host) {
		slog.Warn("API trusts the X-Actor-ID header on a non-loopback address; set auth.jwt_secret",
			"host", cfg.Server.Host)
	}

	// --- Step 4: Hot reload ---
	watcher, err := config.NewWatcher(st.dir, config.WatchTargets{
		OnCatalogChange: func() {
			if err := st.catalog.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "[plangov] Warning: failed to reload catalog: %v\n", err)
			} else {
				fmt.Println("[plangov] Catalog reloaded")
			}
		},
		OnActorsChange: func() {
			if err := st.actors.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "[plangov] Warning: failed to reload actors: %v\n", err)
			}
		},
		OnSuspensionsChange: func() {
			if err := st.suspensions.Reload(); err != nil {
				fmt.Fprintf(os.Stderr, "[plangov] Warning: failed to reload suspensions: %v\n", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start state watcher: %w", err)
	}
	defer watcher.Close()

	// --- Step 5: Listen ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.Instrument(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[plangov] Listening on http://%s\n", addr)
		if dash != nil {
			fmt.Printf("[plangov] Dashboard at http://%s/dashboard\n", addr)
		}
		fmt.Println("[plangov] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[plangov] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[plangov] Shutdown error: %v\n", err)
	}
	fmt.Println("[plangov] Stopped")
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// printAuditEntry prints one audit entry on a single line.
func printAuditEntry(e audit.Entry) {
	fmt.Printf("[%s] #%-4d %-26s resource=%-14s actor=%-10s",
		e.Timestamp, e.Seq, e.Action, e.ResourceID, e.ActorID)
	for _, k := range sortedKeys(e.Metadata) {
		fmt.Printf(" %s=%q", k, e.Metadata[k])
	}
	fmt.Println()
}
