package config

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/arc-groups/internal/observability"
)

// Config is the merged arc-groups configuration.
type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Self          string              `mapstructure:"self"`
	Store         StoreConfig         `mapstructure:"store"`
	Lock          LockConfig          `mapstructure:"lock"`
	Commit        CommitConfig        `mapstructure:"commit"`
	Migration     MigrationConfig     `mapstructure:"migration"`
	Announce      AnnounceConfig      `mapstructure:"announce"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// StoreConfig selects a store backend and its options.
type StoreConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

type LockConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type CommitConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

type MigrationConfig struct {
	MaxMembers int  `mapstructure:"max_members"`
	Auto       bool `mapstructure:"auto"`
}

// AnnounceConfig configures where announcements go. An empty RedisAddr
// means announcements are only logged.
type AnnounceConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
	Stream    string `mapstructure:"stream"`
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// ObsConfig returns the subset used by observability.New.
func (c ObservabilityConfig) ObsConfig() observability.ObsConfig {
	return observability.ObsConfig{
		LogLevel:       c.LogLevel,
		LogFormat:      c.LogFormat,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPProtocol:   c.OTLPProtocol,
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
	}
}

// ErrNoSelf means no local account ACI was configured.
var ErrNoSelf = errors.New("self is not configured")

// SelfACI parses the configured local account ACI.
func (c Config) SelfACI() (uuid.UUID, error) {
	if c.Self == "" {
		return uuid.Nil, ErrNoSelf
	}
	aci, err := uuid.Parse(c.Self)
	if err != nil {
		return uuid.Nil, fmt.Errorf("self: %w", err)
	}
	return aci, nil
}

// StoreOptions returns the backend options with file locations defaulted
// into the data directory.
func (c Config) StoreOptions() map[string]string {
	opts := maps.Clone(c.Store.Config)
	if opts == nil {
		opts = make(map[string]string)
	}
	if _, ok := opts["path"]; !ok {
		switch c.Store.Backend {
		case "sqlite":
			opts["path"] = filepath.Join(c.DataDir, "groups.db")
		case "badger":
			opts["path"] = filepath.Join(c.DataDir, "groups")
		}
	}
	return opts
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Backend == "" {
		errs = append(errs, errors.New("store.backend is empty"))
	}
	if c.Lock.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("lock.timeout must be positive, got %s", c.Lock.Timeout))
	}
	if c.Commit.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("commit.max_attempts must be at least 1, got %d", c.Commit.MaxAttempts))
	}
	if c.Migration.MaxMembers < 1 {
		errs = append(errs, fmt.Errorf("migration.max_members must be at least 1, got %d", c.Migration.MaxMembers))
	}
	if c.Self != "" {
		if _, err := c.SelfACI(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetDefaults configures defaults on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", Defaults.DataDir)
	v.SetDefault("self", "")

	v.SetDefault("store.backend", Defaults.StoreBackend)
	v.SetDefault("lock.timeout", Defaults.LockTimeout)
	v.SetDefault("commit.max_attempts", Defaults.MaxAttempts)
	v.SetDefault("migration.max_members", Defaults.MaxMembers)
	v.SetDefault("migration.auto", Defaults.AutoMigrate)

	v.SetDefault("announce.redis_addr", "")
	v.SetDefault("announce.stream", Defaults.AnnounceStream)

	v.SetDefault("observability.log_level", Defaults.LogLevel)
	v.SetDefault("observability.log_format", Defaults.LogFormat)
	v.SetDefault("observability.metrics_addr", Defaults.MetricsAddr)
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", Defaults.OTLPProtocol)
	v.SetDefault("observability.service_name", Defaults.ServiceName)
	v.SetDefault("observability.service_version", Defaults.ServiceVersion)
}

// BindFlags registers persistent flags on cmd and binds them to Viper.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.PersistentFlags()

	f.String("config", "", "config file path")
	f.String("data-dir", "", "data directory (default ~/.arc-groups)")
	f.String("self", "", "local account ACI")
	f.String("store", "", "store backend (memory, badger, sqlite, redis)")
	f.Duration("lock-timeout", 0, "processing lock acquisition timeout")
	f.Int("max-attempts", 0, "submit attempts per change")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (json, text)")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("self", f.Lookup("self"))
	_ = v.BindPFlag("store.backend", f.Lookup("store"))
	_ = v.BindPFlag("lock.timeout", f.Lookup("lock-timeout"))
	_ = v.BindPFlag("commit.max_attempts", f.Lookup("max-attempts"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
}

// Load reads config from flags, env and file and unmarshals it. A missing
// config file is only an error when configFile names it explicitly.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.arc-groups")
		v.AddConfigPath("/etc/arc-groups")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
