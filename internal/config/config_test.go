package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 30, cfg.Limiter.MaxPerMinute)
	require.Equal(t, 100, cfg.Batch.Capacity)
	require.Equal(t, 10, cfg.Breaker.Threshold)
	require.Equal(t, "none", cfg.Archive.Backend)
	require.True(t, cfg.Checkpoint.Backup)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
limiter:
  max_per_minute: 12
batch:
  capacity: 5
  prefix: products
archive:
  backend: local
  local_dir: /tmp/archive
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Limiter.MaxPerMinute)
	require.Equal(t, 5, cfg.Batch.Capacity)
	require.Equal(t, "products", cfg.Batch.Prefix)
	require.Equal(t, "local", cfg.Archive.Backend)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	bad := cfg
	bad.Limiter.MaxPerMinute = 0
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Archive.Backend = "gcs"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.PubSub.Enabled = true
	require.Error(t, bad.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
