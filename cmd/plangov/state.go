package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ctrlai/plangov/internal/actor"
	"github.com/ctrlai/plangov/internal/audit"
	"github.com/ctrlai/plangov/internal/config"
	"github.com/ctrlai/plangov/internal/governance"
	"github.com/ctrlai/plangov/internal/obs"
	"github.com/ctrlai/plangov/internal/permission"
	"github.com/ctrlai/plangov/internal/store"
)

// state is everything a command needs, opened from the state directory.
type state struct {
	dir         string
	cfg         *config.Config
	store       store.Store
	audit       *audit.Log
	catalog     *permission.Source
	actors      *actor.Registry
	suspensions *actor.Suspensions
	engine      *governance.Engine
}

// openState loads config and state files and builds the engine. metrics
// may be nil.
func openState(metrics *obs.Metrics) (*state, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	s := &state{dir: stateDir}

	cfg, err := config.Load(s.path("config.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	s.cfg = cfg

	dsn := cfg.Storage.DSN
	if cfg.Storage.Driver == store.DriverSQLite && dsn == "" {
		dsn = s.path("plangov.db")
	}
	if s.store, err = store.Open(cfg.Storage.Driver, dsn); err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	s.audit = audit.New(s.store)

	s.catalog, err = permission.NewSource(s.path(config.CatalogFile),
		cfg.Governance.DecidePermissions, cfg.Governance.SubmitPermissions)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to load permission catalog: %w", err)
	}
	if s.actors, err = actor.NewRegistry(s.path(config.ActorsFile)); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to load actor registry: %w", err)
	}
	if s.suspensions, err = actor.NewSuspensions(s.path(config.SuspensionsFile)); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to load suspensions: %w", err)
	}

	s.engine, err = governance.NewEngine(governance.Options{
		Store:             s.store,
		Audit:             s.audit,
		Catalog:           s.catalog,
		Actors:            s.actors,
		Suspensions:       s.suspensions,
		DecidePermissions: cfg.Governance.DecidePermissions,
		SubmitPermissions: cfg.Governance.SubmitPermissions,
		StepTimeout:       cfg.Governance.StepTimeout(),
		Metrics:           metrics,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *state) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *state) close() {
	if s.store != nil {
		s.store.Close()
	}
}
