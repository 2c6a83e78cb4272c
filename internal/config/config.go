// Package config holds the configuration shared by the docsync binaries.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config for the emulator and the client. When adding or removing fields,
// adjust Default and BindFlags accordingly.
type Config struct {
	// Addr is the emulator listen address.
	Addr string
	// MetricsAddr serves /metrics separately when set.
	MetricsAddr string
	// Endpoint is the emulator base URL the client connects to.
	Endpoint string
	// DataDir holds the durable client store.
	DataDir string
	// Persistence enables durable client storage.
	Persistence bool
	// LogLevel is debug | info | warn | error.
	LogLevel string
	// UserID is the signed in user. Empty means unauthenticated.
	UserID string
	// ProjectID names the database project.
	ProjectID string
	// LockTimeout bounds how long the client waits for the store lock.
	LockTimeout time.Duration
	// Grants enables emulator access control: a comma separated list of
	// collection:user:role entries where * matches anything. Empty leaves
	// every request allowed.
	Grants string
}

// Default creates a new default config.
func Default() Config {
	return Config{
		Addr:        ":8080",
		Endpoint:    "http://localhost:8080",
		DataDir:     "~/.docsync",
		Persistence: true,
		LogLevel:    "info",
		ProjectID:   "docsync",
		LockTimeout: time.Second,
	}
}

// BindFlags binds the flags to the given FlagSet, using the current values
// as defaults.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Emulator listen address")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Separate listen address for /metrics")
	fs.StringVar(&c.Endpoint, "endpoint", c.Endpoint, "Emulator base URL")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory of the durable client store")
	fs.BoolVar(&c.Persistence, "persistence", c.Persistence, "Enable durable client storage")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log verbosity debug | info | warn | error")
	fs.StringVar(&c.UserID, "user", c.UserID, "Signed in user id, empty for unauthenticated")
	fs.StringVar(&c.ProjectID, "project", c.ProjectID, "Database project id")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout, "How long to wait for the store lock")
	fs.StringVar(&c.Grants, "grants", c.Grants, "Emulator access grants as collection:user:role, comma separated")
}

// ExpandDataDir expands a leading ~ in DataDir.
func (c *Config) ExpandDataDir() error {
	if !strings.HasPrefix(c.DataDir, "~") {
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to detect home directory: %w", err)
	}

	c.DataDir = filepath.Join(home, strings.TrimPrefix(c.DataDir, "~"))

	return nil
}

// StorePath returns the path of the durable store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "docsync.db")
}

// GrantList splits Grants into its entries.
func (c *Config) GrantList() []string {
	var out []string

	for _, g := range strings.Split(c.Grants, ",") {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}

	return out
}
