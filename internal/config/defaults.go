// Package config loads arc-groups settings from flags, environment and
// config files.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvPrefix prefixes every environment variable, e.g. ARC_GROUPS_DATA_DIR.
const EnvPrefix = "ARC_GROUPS"

// Defaults contains the default values for every setting.
var Defaults = struct {
	DataDir        string
	StoreBackend   string
	LockTimeout    time.Duration
	MaxAttempts    int
	MaxMembers     int
	AutoMigrate    bool
	LogLevel       string
	LogFormat      string
	MetricsAddr    string
	OTLPProtocol   string
	ServiceName    string
	ServiceVersion string
	AnnounceStream string
}{
	DataDir:        DefaultDataDir(),
	StoreBackend:   "sqlite",
	LockTimeout:    5 * time.Second,
	MaxAttempts:    5,
	MaxMembers:     1000,
	AutoMigrate:    true,
	LogLevel:       "info",
	LogFormat:      "text",
	MetricsAddr:    ":9090",
	OTLPProtocol:   "http",
	ServiceName:    "arc-groups",
	ServiceVersion: "dev",
	AnnounceStream: "arc-groups:announcements",
}

// DefaultDataDir returns the default data directory (~/.arc-groups).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc-groups"
	}
	return filepath.Join(home, ".arc-groups")
}
