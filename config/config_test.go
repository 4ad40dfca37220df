package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jrife/polls/config"
	"github.com/jrife/polls/storage/memory/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, plugins.MmapDriverName, cfg.Storage.Driver)
	assert.Equal(t, "polls.db", cfg.Storage.Path)
	assert.Equal(t, uint16(128), cfg.Storage.BucketSize)
	assert.Equal(t, uint64(0), cfg.Storage.MaxPages)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polls.yaml")

	require.NoError(t, os.WriteFile(path, []byte(`
env: prod
storage:
  driver: bbolt
  path: /var/lib/polls/polls.bolt
  bucket_size: 16
`), 0644))

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, plugins.BBoltDriverName, cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/polls/polls.bolt", cfg.Storage.Path)
	assert.Equal(t, uint16(16), cfg.Storage.BucketSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("POLLS_STORAGE_DRIVER", "vector")
	t.Setenv("POLLS_MAX_PAGES", "64")

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, plugins.VectorDriverName, cfg.Storage.Driver)
	assert.Equal(t, uint64(64), cfg.Storage.MaxPages)
	assert.Equal(t, plugins.Options{"path": "polls.db", "max_pages": uint64(64)}, cfg.Storage.PluginOptions())
}

func TestLoadLocalEnv(t *testing.T) {
	t.Setenv("POLLS_ENV", "local")

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Env)
}

func TestLoadUnknownDriver(t *testing.T) {
	t.Setenv("POLLS_STORAGE_DRIVER", "floppy")

	_, err := config.Load("")

	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.Error(t, err)
}
