package config_test

import (
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/serroba/docsync/internal/config"
	"github.com/stretchr/testify/require"
)

func TestBindFlags_Defaults(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, fs.Parse(nil))
	require.Equal(t, config.Default(), cfg)
}

func TestBindFlags_Overrides(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	err := fs.Parse([]string{"-addr", ":9999", "-persistence=false", "-user", "alice", "-lock-timeout", "5s"})
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.Addr)
	require.False(t, cfg.Persistence)
	require.Equal(t, "alice", cfg.UserID)
	require.Equal(t, 5*time.Second, cfg.LockTimeout)
}

func TestBindFlags_EnvVars(t *testing.T) {
	t.Setenv("DOCSYNC_LOG_LEVEL", "debug")

	cfg := config.Default()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.BindFlags(fs)

	require.NoError(t, ff.Parse(fs, nil, ff.WithEnvVarPrefix("DOCSYNC")))
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestExpandDataDir(t *testing.T) {
	t.Setenv("HOME", "/home/test")

	cfg := config.Default()
	require.NoError(t, cfg.ExpandDataDir())
	require.Equal(t, "/home/test/.docsync", cfg.DataDir)
	require.Equal(t, filepath.Join("/home/test/.docsync", "docsync.db"), cfg.StorePath())
}

func TestGrantList(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.Empty(t, cfg.GrantList())

	cfg.Grants = "rooms:alice:owner, *:*:viewer,"
	require.Equal(t, []string{"rooms:alice:owner", "*:*:viewer"}, cfg.GrantList())
}
