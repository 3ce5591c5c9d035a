// Package election keeps a single writer for applications that replicate
// their storage between nodes. Every pass reads the primary from load
// balancer telemetry and starts or stops the local replica to match.
package election

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/docker"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/pkg/api"
)

// Config holds the election timings
type Config struct {
	Interval      time.Duration
	Stagger       time.Duration
	ProbeDeadline time.Duration
}

// DefaultConfig returns the default election configuration
func DefaultConfig() Config {
	return Config{
		Interval:      30 * time.Second,
		Stagger:       time.Minute,
		ProbeDeadline: 7 * time.Second,
	}
}

// Record is what a node remembers about the primary of a replicated component
type Record struct {
	Primary string    `json:"primary"`
	StartAt time.Time `json:"startAt"`
}

// Tracker stores the primary records between passes
type Tracker interface {
	Record(id string) (Record, bool)
	SetRecord(id string, r Record)
	PruneRecords(keep map[string]bool) int
}

// Apps lists the applications installed on this node
type Apps interface {
	LocalApps(ctx context.Context) ([]lifecycle.LocalApp, error)
}

// Locations lists the nodes running an application
type Locations interface {
	Locations(ctx context.Context, name string) ([]gossip.AppLocation, error)
}

// Runtime starts and stops replica containers
type Runtime interface {
	InspectContainer(ctx context.Context, name string) (*docker.Container, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string) error
}

// Prober asks a node which applications it runs
type Prober interface {
	RunningApps(ctx context.Context, baseURL string) ([]api.RunningApp, error)
}

// Node is the local node
type Node interface {
	IP() string
	APIPort() int
}

// Primaries reports the serving address of a service
type Primaries interface {
	Primary(ctx context.Context, service string) (ip string, found bool)
}

// Manager runs the election loop
type Manager struct {
	config    Config
	apps      Apps
	locations Locations
	runtime   Runtime
	primaries Primaries
	prober    Prober
	tracker   Tracker
	ready     ReadyCache
	sync      SyncChecker
	busy      gossip.BusyChecker
	node      Node
	now       func() time.Time
	logger    *logrus.Logger
}

// NewManager creates an election manager
func NewManager(config Config, apps Apps, locations Locations, runtime Runtime, primaries Primaries, node Node, tracker Tracker, logger *logrus.Logger) *Manager {
	return &Manager{
		config:    config,
		apps:      apps,
		locations: locations,
		runtime:   runtime,
		primaries: primaries,
		tracker:   tracker,
		node:      node,
		now:       time.Now,
		logger:    logger,
	}
}

// WithProber sets the client used to probe a previous primary
func (m *Manager) WithProber(p Prober) *Manager {
	m.prober = p
	return m
}

// WithReadiness sets the readiness cache and the sync daemon fallback
func (m *Manager) WithReadiness(cache ReadyCache, sync SyncChecker) *Manager {
	m.ready = cache
	m.sync = sync
	return m
}

// WithBusyChecker makes passes skip while a lifecycle operation runs
func (m *Manager) WithBusyChecker(b gossip.BusyChecker) *Manager {
	m.busy = b
	return m
}

// WithClock replaces the time source
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// replica is one exclusive-write component installed on this node
type replica struct {
	app       string
	service   string
	container string
}

// Pass runs one election round over every replicated component
func (m *Manager) Pass(ctx context.Context) error {
	if m.busy != nil && m.busy.Busy() {
		m.logger.Debug("Lifecycle operation in progress, skipping election")
		return nil
	}

	apps, err := m.apps.LocalApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list installed apps: %w", err)
	}

	keep := make(map[string]bool)
	for _, app := range apps {
		s := app.Specification
		if s == nil {
			continue
		}
		for _, c := range s.Components() {
			if !c.ExclusiveWrite() {
				continue
			}
			r := replica{
				app:       s.Name,
				service:   s.ServiceName(c.Name),
				container: s.ContainerName(c.Name),
			}
			keep[r.service] = true
			if err := m.elect(ctx, r); err != nil {
				m.logger.WithError(err).WithField("service", r.service).Warn("Election failed")
			}
		}
	}

	if pruned := m.tracker.PruneRecords(keep); pruned > 0 {
		m.logger.WithField("count", pruned).Debug("Pruned stale primary records")
	}
	return nil
}

func (m *Manager) elect(ctx context.Context, r replica) error {
	container, err := m.runtime.InspectContainer(ctx, r.container)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", r.container, err)
	}
	running := container.Status == docker.ContainerStatusRunning

	self := host(m.node.IP())
	primary, _ := m.primaries.Primary(ctx, r.service)
	record, tracked := m.tracker.Record(r.service)
	logger := m.logger.WithFields(logrus.Fields{
		"service": r.service,
		"primary": primary,
		"self":    self,
	})

	switch {
	case primary != "" && primary != self:
		m.tracker.SetRecord(r.service, Record{Primary: primary})
		if running {
			logger.Info("Another node is primary, stopping local replica")
			return m.runtime.StopContainer(ctx, r.container)
		}
		return nil

	case running:
		if primary == self {
			m.tracker.SetRecord(r.service, Record{Primary: self})
		}
		return nil
	}

	// the local replica is stopped and the primary is this node or nobody
	if !m.isReady(ctx, r.container) {
		logger.Debug("Replica is not in sync yet, not starting")
		return nil
	}

	previous := ""
	if tracked && record.Primary != self {
		previous = record.Primary
	}

	if previous == "" && primary == "" {
		locs, err := m.locations.Locations(ctx, r.app)
		if err != nil {
			return fmt.Errorf("failed to get locations: %w", err)
		}
		if Elect(locs) != self {
			return nil
		}
	}

	if previous != "" {
		if m.stillRunning(ctx, previous, r.app) {
			logger.WithField("previous", previous).Info("Previous primary still runs the app, not promoting")
			return nil
		}

		if record.StartAt.IsZero() {
			delay, err := m.stagger(ctx, r.app, previous, self)
			if err != nil {
				return err
			}
			record.StartAt = m.now().Add(delay)
			m.tracker.SetRecord(r.service, record)
			logger.WithField("delay", delay).Info("Previous primary is gone, scheduling promotion")
		}
		if m.now().Before(record.StartAt) {
			return nil
		}
	}

	logger.Info("Starting local replica as primary")
	if err := m.runtime.StartContainer(ctx, r.container); err != nil {
		return err
	}
	m.tracker.SetRecord(r.service, Record{Primary: self})
	return nil
}

func (m *Manager) isReady(ctx context.Context, container string) bool {
	if m.ready != nil && m.ready.IsReady(container) {
		return true
	}
	if m.sync == nil {
		return m.ready == nil
	}
	ok, err := m.sync.FolderReady(ctx, container)
	if err != nil {
		m.logger.WithError(err).WithField("folder", container).Debug("Failed to check sync state")
		return false
	}
	if ok && m.ready != nil {
		m.ready.MarkReady(container)
	}
	return ok
}

// stillRunning probes a node directly. Unreachable nodes count as gone.
func (m *Manager) stillRunning(ctx context.Context, ip, app string) bool {
	if m.prober == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeDeadline)
	defer cancel()

	baseURL := "http://" + ip
	if host(ip) == ip {
		baseURL = fmt.Sprintf("http://%s:%d", ip, m.node.APIPort())
	}

	apps, err := m.prober.RunningApps(ctx, baseURL)
	if err != nil {
		m.logger.WithError(err).WithField("node", ip).Debug("Previous primary did not answer")
		return false
	}
	for _, a := range apps {
		if strings.EqualFold(a.Name, app) {
			return true
		}
	}
	return false
}

// stagger returns how long this node waits before promoting itself, so
// the replicas closest to the previous primary in rank go first
func (m *Manager) stagger(ctx context.Context, app, previous, self string) (time.Duration, error) {
	locs, err := m.locations.Locations(ctx, app)
	if err != nil {
		return 0, fmt.Errorf("failed to get locations: %w", err)
	}
	ranking := Rank(locs)

	mine, prev := indexOf(ranking, self), indexOf(ranking, host(previous))
	if mine < 0 {
		return 0, fmt.Errorf("node %s is not a known location of %s", self, app)
	}
	distance := mine
	if prev >= 0 {
		distance = mine - prev
		if distance < 0 {
			distance = -distance
		}
	}
	return time.Duration(distance) * m.config.Stagger, nil
}

// Rank orders the hosts of an application by runningSince, oldest first,
// then by address
func Rank(locs []gossip.AppLocation) []string {
	sorted := make([]gossip.AppLocation, len(locs))
	copy(sorted, locs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RunningSince != sorted[j].RunningSince {
			return sorted[i].RunningSince < sorted[j].RunningSince
		}
		return sorted[i].IP < sorted[j].IP
	})

	hosts := make([]string, 0, len(sorted))
	for _, loc := range sorted {
		hosts = append(hosts, host(loc.IP))
	}
	return hosts
}

// Elect returns the host that becomes primary when nobody serves
func Elect(locs []gossip.AppLocation) string {
	ranking := Rank(locs)
	if len(ranking) == 0 {
		return ""
	}
	return ranking[0]
}

func indexOf(hosts []string, h string) int {
	for i, candidate := range hosts {
		if candidate == h {
			return i
		}
	}
	return -1
}

// StartElection runs Pass every interval until ctx is done
func (m *Manager) StartElection(ctx context.Context) {
	m.logger.Infof("Starting primary election with interval %s", m.config.Interval)

	go func() {
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Pass(ctx); err != nil {
					m.logger.WithError(err).Warn("Election pass failed")
				}
			case <-ctx.Done():
				m.logger.Info("Stopping primary election")
				return
			}
		}
	}()
}
