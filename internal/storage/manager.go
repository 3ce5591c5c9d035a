package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/store"
)

// ErrInsufficientSpace is returned when no volume can hold a request
var ErrInsufficientSpace = errors.New("insufficient space on any volume")

const gb = int64(1) << 30

// DefaultReserveGB is the free space every volume keeps for the node
const DefaultReserveGB = 20

// Volume is a mount point apps can be placed on
type Volume struct {
	Path        string `json:"path"`
	AvailableGB int64  `json:"availableGB"`
}

// Allocate picks the first volume whose free space covers required plus
// reserve, all in GB
func Allocate(required int64, volumes []Volume, reserve int64) (Volume, error) {
	for _, v := range volumes {
		if v.AvailableGB >= required+reserve {
			return v, nil
		}
	}
	return Volume{}, fmt.Errorf("%w: %d GB requested", ErrInsufficientSpace, required)
}

// SpaceFunc reports the free bytes below a path
type SpaceFunc func(path string) (int64, error)

// StatfsSpace reads the free space of a path's filesystem
func StatfsSpace(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// AppVolume records where a container's data lives
type AppVolume struct {
	Container string `json:"container"`
	App       string `json:"app"`
	Volume    string `json:"volume"`
	Path      string `json:"path"`
	SizeGB    int    `json:"sizeGB"`
	CreatedAt int64  `json:"createdAt"`
}

// Manager provisions application data directories on the configured volumes
type Manager struct {
	db           store.Store
	volumePaths  []string
	reserveGB    int64
	space        SpaceFunc
	volumesMutex sync.Mutex
	logger       *logrus.Logger
}

// NewManager creates a storage manager over the given mount points
func NewManager(db store.Store, volumePaths []string, logger *logrus.Logger) (*Manager, error) {
	if len(volumePaths) == 0 {
		return nil, errors.New("no storage volumes configured")
	}
	for _, p := range volumePaths {
		if err := os.MkdirAll(p, 0755); err != nil {
			return nil, fmt.Errorf("failed to create volume directory: %w", err)
		}
	}
	return &Manager{
		db:          db,
		volumePaths: volumePaths,
		reserveGB:   DefaultReserveGB,
		space:       StatfsSpace,
		logger:      logger,
	}, nil
}

// WithReserve sets the free space kept on every volume
func (m *Manager) WithReserve(gb int64) *Manager {
	m.reserveGB = gb
	return m
}

// WithSpaceFunc overrides how free space is measured
func (m *Manager) WithSpaceFunc(f SpaceFunc) *Manager {
	m.space = f
	return m
}

// Volumes returns the configured volumes with the space still free for new
// apps: filesystem free space minus what recorded app volumes were promised
func (m *Manager) Volumes(ctx context.Context) ([]Volume, error) {
	committed, err := m.committed(ctx)
	if err != nil {
		return nil, err
	}

	volumes := make([]Volume, 0, len(m.volumePaths))
	for _, p := range m.volumePaths {
		free, err := m.space(p)
		if err != nil {
			return nil, fmt.Errorf("failed to measure %s: %w", p, err)
		}
		volumes = append(volumes, Volume{Path: p, AvailableGB: free/gb - committed[p]})
	}
	return volumes, nil
}

// committed sums the promised GB of app volumes per volume path
func (m *Manager) committed(ctx context.Context) (map[string]int64, error) {
	rows, err := store.FindAs[AppVolume](ctx, m.db, store.Volumes, store.All)
	if err != nil {
		return nil, fmt.Errorf("failed to read app volumes: %w", err)
	}
	out := make(map[string]int64, len(m.volumePaths))
	for _, row := range rows {
		out[row.Volume] += int64(row.SizeGB)
	}
	return out, nil
}

// CheckSpace reports whether a request of sizeGB fits on some volume
func (m *Manager) CheckSpace(ctx context.Context, sizeGB int) error {
	m.volumesMutex.Lock()
	defer m.volumesMutex.Unlock()

	volumes, err := m.Volumes(ctx)
	if err != nil {
		return err
	}
	_, err = Allocate(int64(sizeGB), volumes, m.reserveGB)
	return err
}

// Provision creates the data directory of a container. A container that
// already has a directory keeps it.
func (m *Manager) Provision(ctx context.Context, app, container string, sizeGB int) (*AppVolume, error) {
	m.volumesMutex.Lock()
	defer m.volumesMutex.Unlock()

	existing, err := store.FindOneAs[AppVolume](ctx, m.db, store.Volumes, store.Where(store.Eq("container", container)))
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	volumes, err := m.Volumes(ctx)
	if err != nil {
		return nil, err
	}
	target, err := Allocate(int64(sizeGB), volumes, m.reserveGB)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(target.Path, "appvolumes", container, "appdata")
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create app data directory: %w", err)
	}

	vol := AppVolume{
		Container: container,
		App:       app,
		Volume:    target.Path,
		Path:      path,
		SizeGB:    sizeGB,
		CreatedAt: time.Now().Unix(),
	}
	if err := m.db.Insert(ctx, store.Volumes, vol); err != nil {
		os.RemoveAll(filepath.Dir(path))
		return nil, fmt.Errorf("failed to record volume: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"container": container,
		"volume":    target.Path,
		"size":      sizeGB,
	}).Info("Provisioned app volume")
	return &vol, nil
}

// Lookup returns the data directory of a container
func (m *Manager) Lookup(ctx context.Context, container string) (*AppVolume, error) {
	vol, err := store.FindOneAs[AppVolume](ctx, m.db, store.Volumes, store.Where(store.Eq("container", container)))
	if err != nil {
		return nil, err
	}
	return &vol, nil
}

// Release deletes the data directory of a container
func (m *Manager) Release(ctx context.Context, container string) error {
	m.volumesMutex.Lock()
	defer m.volumesMutex.Unlock()

	vol, err := store.FindOneAs[AppVolume](ctx, m.db, store.Volumes, store.Where(store.Eq("container", container)))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Dir(vol.Path)); err != nil {
		return fmt.Errorf("failed to remove app data directory: %w", err)
	}
	if _, err := m.db.Delete(ctx, store.Volumes, store.Where(store.Eq("container", container))); err != nil {
		return fmt.Errorf("failed to delete volume record: %w", err)
	}

	m.logger.WithField("container", container).Info("Released app volume")
	return nil
}

// AppVolumes returns every provisioned directory of an app
func (m *Manager) AppVolumes(ctx context.Context, app string) ([]AppVolume, error) {
	return store.FindAs[AppVolume](ctx, m.db, store.Volumes, store.Where(store.EqFold("app", app)), store.SortBy("container", false))
}

// StartVolumeHealthMonitoring warns when a volume drops below its reserve
func (m *Manager) StartVolumeHealthMonitoring(ctx context.Context, interval time.Duration) {
	m.logger.Infof("Starting volume health monitoring with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Stopping volume health monitoring")
				return
			case <-ticker.C:
				volumes, err := m.Volumes(ctx)
				if err != nil {
					m.logger.WithError(err).Error("Failed to get volumes for health monitoring")
					continue
				}
				for _, v := range volumes {
					if v.AvailableGB < m.reserveGB {
						m.logger.WithFields(logrus.Fields{
							"volume":    v.Path,
							"available": v.AvailableGB,
						}).Warn("Volume is below its reserved free space")
					}
				}
			}
		}
	}()
}
