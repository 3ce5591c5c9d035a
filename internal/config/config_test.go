package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 16127, cfg.API.Port)
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, filepath.Join("/var/lib/swarmhost", "swarmhost.db"), cfg.DatabasePath())
	assert.Equal(t, 30*time.Second, cfg.Election.Interval)
	assert.Equal(t, time.Minute, cfg.Election.Stagger)
	assert.Len(t, cfg.Election.Telemetry, 3)
	assert.Equal(t, 5*time.Second, cfg.Election.ProbeTimeout)
	assert.Equal(t, 7*time.Second, cfg.Election.ProbeDeadline)
	assert.Equal(t, int64(20), cfg.Storage.ReserveGB)
	assert.Equal(t, 2, cfg.Gossip.RunningVersion)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/swarm
node:
  ip: 10.0.0.1
  tier: bamf
database:
  backend: pebble
election:
  stagger: 2m
  telemetry:
    - http://a/stats
storage:
  volumes: [/mnt/a, /mnt/b]
  reserve_gb: 10
`), 0644))

	t.Setenv("SWARMHOST_API_PORT", "18000")
	t.Setenv("SWARMHOST_LIFECYCLE_REDEPLOY_DELAY", "5s")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", cfg.Node.IP)
	assert.Equal(t, "bamf", cfg.Node.Tier)
	assert.Equal(t, filepath.Join("/srv/swarm", "pebble"), cfg.DatabasePath())
	assert.Equal(t, 2*time.Minute, cfg.Election.Stagger)
	assert.Equal(t, []string{"http://a/stats"}, cfg.Election.Telemetry)
	assert.Equal(t, []string{"/mnt/a", "/mnt/b"}, cfg.Storage.Volumes)
	assert.Equal(t, 18000, cfg.API.Port)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.RedeployDelay)
}

func TestLoad_Invalid(t *testing.T) {
	t.Run("Backend", func(t *testing.T) {
		v := New()
		v.Set("database.backend", "mysql")
		_, err := Load(v, "")
		assert.ErrorContains(t, err, "unsupported database backend")
	})

	t.Run("RunningVersion", func(t *testing.T) {
		v := New()
		v.Set("gossip.running_version", 3)
		_, err := Load(v, "")
		assert.Error(t, err)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}
