package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/swarmhost/internal/store"
)

func TestAllocate(t *testing.T) {
	volumes := []Volume{{Path: "/mnt/a", AvailableGB: 100}}

	v, err := Allocate(5, volumes, 20)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/a", v.Path)

	_, err = Allocate(90, volumes, 20)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	t.Run("FirstFit", func(t *testing.T) {
		volumes := []Volume{{Path: "/mnt/small", AvailableGB: 30}, {Path: "/mnt/big", AvailableGB: 500}}
		v, err := Allocate(50, volumes, 20)
		require.NoError(t, err)
		assert.Equal(t, "/mnt/big", v.Path)

		v, err = Allocate(10, volumes, 20)
		require.NoError(t, err)
		assert.Equal(t, "/mnt/small", v.Path)
	})
}

func newTestManager(t *testing.T, freeGB map[string]int64) (*Manager, []string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	db, err := store.Open(store.BackendSQLite, filepath.Join(t.TempDir(), "node.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	paths := []string{filepath.Join(root, "a"), filepath.Join(root, "b")}
	m, err := NewManager(db, paths, logger)
	require.NoError(t, err)
	m.WithSpaceFunc(func(path string) (int64, error) {
		return freeGB[filepath.Base(path)] * gb, nil
	})
	return m, paths
}

func TestProvision(t *testing.T) {
	ctx := context.Background()
	m, paths := newTestManager(t, map[string]int64{"a": 30, "b": 200})

	vol, err := m.Provision(ctx, "demo", "swarmdb_demo", 20)
	require.NoError(t, err)
	assert.Equal(t, paths[1], vol.Volume)
	assert.DirExists(t, vol.Path)

	t.Run("Idempotent", func(t *testing.T) {
		again, err := m.Provision(ctx, "demo", "swarmdb_demo", 20)
		require.NoError(t, err)
		assert.Equal(t, vol.Path, again.Path)
	})

	t.Run("CheckSpace", func(t *testing.T) {
		assert.NoError(t, m.CheckSpace(ctx, 100))
		assert.ErrorIs(t, m.CheckSpace(ctx, 190), ErrInsufficientSpace)
	})

	t.Run("Release", func(t *testing.T) {
		require.NoError(t, m.Release(ctx, "swarmdb_demo"))
		_, err := os.Stat(vol.Path)
		assert.True(t, os.IsNotExist(err))

		_, err = m.Lookup(ctx, "swarmdb_demo")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.NoError(t, m.Release(ctx, "swarmdb_demo"))
	})
}

func TestProvisionCountsPromisedSpace(t *testing.T) {
	ctx := context.Background()
	m, paths := newTestManager(t, map[string]int64{"a": 100, "b": 0})
	m.WithReserve(20)

	_, err := m.Provision(ctx, "first", "swarmfirst", 70)
	require.NoError(t, err)

	volumes, err := m.Volumes(ctx)
	require.NoError(t, err)
	assert.Equal(t, Volume{Path: paths[0], AvailableGB: 30}, volumes[0])

	assert.ErrorIs(t, m.CheckSpace(ctx, 60), ErrInsufficientSpace)
	_, err = m.Provision(ctx, "second", "swarmsecond", 60)
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	vol, err := m.Provision(ctx, "third", "swarmthird", 10)
	require.NoError(t, err)
	assert.Equal(t, paths[0], vol.Volume)

	t.Run("ReleaseReturnsSpace", func(t *testing.T) {
		require.NoError(t, m.Release(ctx, "swarmfirst"))
		assert.NoError(t, m.CheckSpace(ctx, 60))
	})
}
