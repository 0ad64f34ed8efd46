package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// TestDefaultDataDir verifies that DefaultDataDir returns an absolute path
// ending in .arc-groups.
func TestDefaultDataDir(t *testing.T) {
	dataDir := DefaultDataDir()
	if !strings.HasSuffix(dataDir, ".arc-groups") {
		t.Errorf("DefaultDataDir() should end with .arc-groups, got: %s", dataDir)
	}
	if !filepath.IsAbs(dataDir) {
		t.Errorf("DefaultDataDir() should return absolute path, got: %s", dataDir)
	}
}

func chdirTemp(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load with no config file should not error, got: %v", err)
	}

	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend default should be sqlite, got: %s", cfg.Store.Backend)
	}
	if cfg.Lock.Timeout != 5*time.Second {
		t.Errorf("Lock.Timeout default should be 5s, got: %s", cfg.Lock.Timeout)
	}
	if cfg.Commit.MaxAttempts != 5 {
		t.Errorf("Commit.MaxAttempts default should be 5, got: %d", cfg.Commit.MaxAttempts)
	}
	if cfg.Migration.MaxMembers != 1000 || !cfg.Migration.Auto {
		t.Errorf("Migration defaults wrong: %+v", cfg.Migration)
	}
	if cfg.Observability.LogLevel != "info" || cfg.Observability.LogFormat != "text" {
		t.Errorf("Observability log defaults wrong: %+v", cfg.Observability)
	}
	if cfg.Observability.ServiceName != "arc-groups" {
		t.Errorf("Observability.ServiceName default should be arc-groups, got: %s", cfg.Observability.ServiceName)
	}
	if cfg.Announce.Stream != "arc-groups:announcements" {
		t.Errorf("Announce.Stream default wrong: %s", cfg.Announce.Stream)
	}
	if _, err := cfg.SelfACI(); err != ErrNoSelf {
		t.Errorf("SelfACI with no self should be ErrNoSelf, got: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdirTemp(t)
	self := uuid.New()
	t.Setenv("ARC_GROUPS_SELF", self.String())
	t.Setenv("ARC_GROUPS_STORE_BACKEND", "badger")
	t.Setenv("ARC_GROUPS_LOCK_TIMEOUT", "250ms")
	t.Setenv("ARC_GROUPS_COMMIT_MAX_ATTEMPTS", "3")
	t.Setenv("ARC_GROUPS_MIGRATION_AUTO", "false")

	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := cfg.SelfACI(); err != nil || got != self {
		t.Errorf("SelfACI = %s, %v", got, err)
	}
	if cfg.Store.Backend != "badger" || cfg.Lock.Timeout != 250*time.Millisecond || cfg.Commit.MaxAttempts != 3 {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Migration.Auto {
		t.Error("migration.auto should be false")
	}
}

func TestLoadConfigFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "groups.yaml")
	content := `
data_dir: /var/lib/arc-groups
store:
  backend: redis
  config:
    addr: redis:6379
migration:
  max_members: 50
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/arc-groups" || cfg.Store.Backend != "redis" || cfg.Migration.MaxMembers != 50 {
		t.Errorf("config file values not applied: %+v", cfg)
	}
	if cfg.Store.Config["addr"] != "redis:6379" {
		t.Errorf("store config %v", cfg.Store.Config)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	if _, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ARC_GROUPS_COMMIT_MAX_ATTEMPTS", "0")
	t.Setenv("ARC_GROUPS_SELF", "not-a-uuid")

	_, err := Load(viper.New(), "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"commit.max_attempts", "self"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestBindFlags(t *testing.T) {
	chdirTemp(t)
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	BindFlags(cmd, v)

	if err := cmd.PersistentFlags().Parse([]string{"--store", "memory", "--max-attempts", "9", "--lock-timeout", "2s"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(v, "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Backend != "memory" || cfg.Commit.MaxAttempts != 9 || cfg.Lock.Timeout != 2*time.Second {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("unset flag overrode default: %q", cfg.Observability.LogLevel)
	}
}

func TestStoreOptions(t *testing.T) {
	cfg := Config{DataDir: "/data", Store: StoreConfig{Backend: "sqlite"}}
	if got := cfg.StoreOptions()["path"]; got != filepath.Join("/data", "groups.db") {
		t.Errorf("sqlite path %q", got)
	}

	cfg.Store = StoreConfig{Backend: "badger", Config: map[string]string{"path": "/elsewhere"}}
	opts := cfg.StoreOptions()
	if opts["path"] != "/elsewhere" {
		t.Errorf("explicit path overridden: %q", opts["path"])
	}
	opts["path"] = "mutated"
	if cfg.Store.Config["path"] != "/elsewhere" {
		t.Error("StoreOptions returned the underlying map")
	}

	cfg.Store = StoreConfig{Backend: "memory"}
	if _, ok := cfg.StoreOptions()["path"]; ok {
		t.Error("memory backend given a path")
	}
}

func TestObsConfig(t *testing.T) {
	o := ObservabilityConfig{LogLevel: "debug", LogFormat: "json", OTLPEndpoint: "collector:4318", ServiceName: "svc"}
	got := o.ObsConfig()
	if got.LogLevel != "debug" || got.LogFormat != "json" || got.OTLPEndpoint != "collector:4318" || got.ServiceName != "svc" {
		t.Errorf("ObsConfig = %+v", got)
	}
}
