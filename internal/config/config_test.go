package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// clearEnv keeps the host environment out of the tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvStorageDriver, EnvStorageDSN, EnvJWTSecret, EnvPort} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_NonexistentFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default driver: expected sqlite, got %q", cfg.Storage.Driver)
	}
	if want := []string{"planner:approve", "governance:admin"}; !reflect.DeepEqual(cfg.Governance.DecidePermissions, want) {
		t.Errorf("default decide permissions: expected %v, got %v", want, cfg.Governance.DecidePermissions)
	}
	if cfg.Governance.StepTimeout() != 5*time.Second {
		t.Errorf("default step timeout: expected 5s, got %s", cfg.Governance.StepTimeout())
	}
	if !cfg.Dashboard.Enabled || !cfg.Metrics.Enabled {
		t.Error("dashboard and metrics should be enabled by default")
	}
	if cfg.Auth.JWTSecret != "" {
		t.Error("jwt secret should be empty by default")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 9090
storage:
  driver: postgres
  dsn: "postgres://plangov@localhost/plangov"
governance:
  decide_permissions: [governance:admin]
  step_timeout_ms: 250
auth:
  jwt_secret: "s3cret"
api:
  rate_limit_per_second: 2.5
  burst: 5
dashboard:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 9090 {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://plangov@localhost/plangov" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if !reflect.DeepEqual(cfg.Governance.DecidePermissions, []string{"governance:admin"}) {
		t.Errorf("decide permissions should replace the default list, got %v", cfg.Governance.DecidePermissions)
	}
	if len(cfg.Governance.SubmitPermissions) != 2 {
		t.Errorf("submit permissions should keep the default, got %v", cfg.Governance.SubmitPermissions)
	}
	if cfg.Governance.StepTimeout() != 250*time.Millisecond {
		t.Errorf("step timeout: expected 250ms, got %s", cfg.Governance.StepTimeout())
	}
	if cfg.Auth.JWTSecret != "s3cret" || cfg.Auth.Issuer != "plangov" {
		t.Errorf("auth: got %+v", cfg.Auth)
	}
	if cfg.API.RateLimitPerSecond != 2.5 || cfg.API.Burst != 5 {
		t.Errorf("api: got %+v", cfg.API)
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard: expected false")
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should keep its default")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, `{{{invalid yaml`)); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "server:\n  port: 9090\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvStorageDriver, "memory")
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvPort, "4000")

	cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: from-file\nserver:\n  port: 9090\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("driver: expected memory, got %q", cfg.Storage.Driver)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("environment should win over the file, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("port: expected 4000, got %d", cfg.Server.Port)
	}

	t.Setenv(EnvPort, "not-a-port")
	if _, err := Load(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"empty host", func(c *Config) { c.Server.Host = "" }, true},
		{"port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"port 65536", func(c *Config) { c.Server.Port = 65536 }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, true},
		{"memory", func(c *Config) { c.Storage.Driver = "memory" }, false},
		{"no decide permissions", func(c *Config) { c.Governance.DecidePermissions = nil }, true},
		{"no submit permissions", func(c *Config) { c.Governance.SubmitPermissions = nil }, true},
		{"negative timeout", func(c *Config) { c.Governance.StepTimeoutMs = -1 }, true},
		{"negative rate", func(c *Config) { c.API.RateLimitPerSecond = -1 }, true},
		{"zero burst", func(c *Config) { c.API.Burst = 0 }, true},
		{"rate limiting off", func(c *Config) { c.API.RateLimitPerSecond = 0; c.API.Burst = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := applyDefaults()
			tt.modify(cfg)
			err := validate(cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if !reflect.DeepEqual(cfg, applyDefaults()) {
		t.Errorf("roundtrip changed the config:\n got %+v\nwant %+v", cfg, applyDefaults())
	}
}

func TestWatcher_DispatchesByFile(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan string, 8)
	w, err := NewWatcher(dir, WatchTargets{
		OnCatalogChange:     func() { fired <- CatalogFile },
		OnActorsChange:      func() { fired <- ActorsFile },
		OnSuspensionsChange: func() { fired <- SuspensionsFile },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for _, name := range []string{"unrelated.txt", SuspensionsFile} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("[]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-fired:
		if got != SuspensionsFile {
			t.Errorf("expected %s, got %s", SuspensionsFile, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher callback")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}
