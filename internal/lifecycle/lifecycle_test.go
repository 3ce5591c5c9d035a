package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/swarmhost/internal/docker"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/node"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/storage"
	"github.com/ao/swarmhost/internal/store"
	"github.com/ao/swarmhost/pkg/api"
)

const (
	testHeight = 1500000
	testOwner  = "1CbErtneaX2QVyUfwU7JGB7VzvPgrgc3uC"
)

type fixedChain uint32

func (c fixedChain) Height() uint32 { return uint32(c) }

type fakeNode struct {
	ip   string
	tier node.Tier
}

func (n fakeNode) IP() string      { return n.ip }
func (n fakeNode) Tier() node.Tier { return n.tier }
func (n fakeNode) Capacity() node.Hardware {
	cpu, ram, hdd, _ := spec.TierCapacity(string(n.tier))
	return node.Hardware{CPU: cpu, RAM: ram, HDD: hdd}
}

// journal records the order of side effects across fakes
type journal struct {
	mu  sync.Mutex
	ops []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = append(j.ops, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.ops...)
}

func (j *journal) reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ops = nil
}

type fakeRuntime struct {
	journal    *journal
	mu         sync.Mutex
	containers map[string]docker.ContainerStatus
	fail       map[string]error
	pulling    chan struct{}
	pullGate   chan struct{}
}

func newFakeRuntime(j *journal) *fakeRuntime {
	return &fakeRuntime{
		journal:    j,
		containers: make(map[string]docker.ContainerStatus),
		fail:       make(map[string]error),
	}
}

func (r *fakeRuntime) check(op, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journal.add("%s:%s", op, name)
	return r.fail[op+":"+name]
}

func (r *fakeRuntime) PullImage(ctx context.Context, image, auth string) error {
	if r.pulling != nil {
		r.pulling <- struct{}{}
		<-r.pullGate
	}
	return r.check("pull", image)
}

func (r *fakeRuntime) RemoveImage(ctx context.Context, image string) error {
	return r.check("rmi", image)
}

func (r *fakeRuntime) EnsureNetwork(ctx context.Context, name string) error {
	return r.check("network", name)
}

func (r *fakeRuntime) RemoveNetwork(ctx context.Context, name string) error {
	return r.check("rmnetwork", name)
}

func (r *fakeRuntime) CreateContainer(ctx context.Context, opts docker.ContainerOptions) (string, error) {
	if err := r.check("create", opts.Name); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[opts.Name] = docker.ContainerStatusCreated
	return "id-" + opts.Name, nil
}

func (r *fakeRuntime) StartContainer(ctx context.Context, name string) error {
	if err := r.check("start", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; !ok {
		return docker.ErrContainerNotFound
	}
	r.containers[name] = docker.ContainerStatusRunning
	return nil
}

func (r *fakeRuntime) StopContainer(ctx context.Context, name string) error {
	if err := r.check("stop", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; ok {
		r.containers[name] = docker.ContainerStatusStopped
	}
	return nil
}

func (r *fakeRuntime) RemoveContainer(ctx context.Context, name string) error {
	if err := r.check("rm", name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, name)
	return nil
}

func (r *fakeRuntime) InspectContainer(ctx context.Context, name string) (*docker.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.containers[name]
	if !ok {
		return nil, docker.ErrContainerNotFound
	}
	return &docker.Container{Name: name, Status: status}, nil
}

func (r *fakeRuntime) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// journaledVolumes records releases of a real storage manager
type journaledVolumes struct {
	*storage.Manager
	journal *journal
}

func (v journaledVolumes) Release(ctx context.Context, container string) error {
	v.journal.add("release:%s", container)
	return v.Manager.Release(ctx, container)
}

// journaledDB records deletions of local app records and can fail updates
type journaledDB struct {
	store.Store
	journal    *journal
	failUpdate error
}

func (d *journaledDB) Update(ctx context.Context, collection string, filter store.Filter, doc interface{}, upsert bool) (int, error) {
	if collection == store.LocalApps && d.failUpdate != nil {
		return 0, d.failUpdate
	}
	return d.Store.Update(ctx, collection, filter, doc, upsert)
}

func (d *journaledDB) Delete(ctx context.Context, collection string, filter store.Filter) (int, error) {
	if collection == store.LocalApps {
		d.journal.add("db:delete")
	}
	return d.Store.Delete(ctx, collection, filter)
}

type fakeAnnouncer struct {
	journal *journal
}

func (a fakeAnnouncer) AnnounceInstalling(ctx context.Context, name string) error {
	a.journal.add("announce:installing:%s", name)
	return nil
}

func (a fakeAnnouncer) AnnounceInstallError(ctx context.Context, name, hash string, cause error) error {
	a.journal.add("announce:error:%s", name)
	return nil
}

func (a fakeAnnouncer) AnnounceRemoved(ctx context.Context, name string) error {
	a.journal.add("announce:removed:%s", name)
	return nil
}

type fixedLocator int

func (l fixedLocator) InstanceCount(ctx context.Context, name string) (int, error) {
	return int(l), nil
}

type fixture struct {
	coordinator *Coordinator
	runtime     *fakeRuntime
	db          *journaledDB
	journal     *journal
	volumes     *storage.Manager
}

func newFixture(t *testing.T, freeGB int64) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	base, err := store.Open(store.BackendSQLite, filepath.Join(t.TempDir(), "node.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	j := &journal{}
	db := &journaledDB{Store: base, journal: j}
	volumes, err := storage.NewManager(db, []string{t.TempDir()}, logger)
	require.NoError(t, err)
	volumes.WithSpaceFunc(func(string) (int64, error) { return freeGB << 30, nil })

	runtime := newFakeRuntime(j)
	c := NewCoordinator(db, runtime, journaledVolumes{Manager: volumes, journal: j},
		fakeNode{ip: "10.0.0.2", tier: node.TierBamf}, fixedChain(testHeight), logger).
		WithAnnouncer(fakeAnnouncer{journal: j}).
		WithRedeployDelay(0)

	return &fixture{coordinator: c, runtime: runtime, db: db, journal: j, volumes: volumes}
}

func singleApp(t *testing.T, name string, hdd int, cpu float64) *gossip.GlobalApp {
	t.Helper()
	s, err := spec.Validate(map[string]interface{}{
		"version":              1,
		"name":                 name,
		"description":          "",
		"owner":                testOwner,
		"repotag":              "runonflux/website:latest",
		"port":                 31000,
		"containerPort":        80,
		"enviromentParameters": []interface{}{},
		"commands":             []interface{}{},
		"containerData":        "/data",
		"cpu":                  cpu,
		"ram":                  500,
		"hdd":                  hdd,
	}, testHeight)
	require.NoError(t, err)
	return &gossip.GlobalApp{Name: name, Owner: testOwner, Hash: "hash-" + name, Height: 1000, Specification: s}
}

func composeApp(t *testing.T, name string, components ...string) *gossip.GlobalApp {
	t.Helper()
	parts := make([]string, 0, len(components))
	for i, comp := range components {
		parts = append(parts, fmt.Sprintf(`{"name":%q,"description":"","repotag":"%s:latest","ports":[%d],"containerPorts":[80],`+
			`"environmentParameters":[],"commands":[],"containerData":"/data","domains":[""],"cpu":0.5,"ram":500,"hdd":5,"tiered":false}`,
			comp, comp, 31000+i))
	}
	raw := fmt.Sprintf(`{"version":4,"name":%q,"description":"","owner":%q,"compose":[%s],"instances":3}`,
		name, testOwner, strings.Join(parts, ","))
	s, err := spec.Unmarshal([]byte(raw))
	require.NoError(t, err)
	return &gossip.GlobalApp{Name: name, Owner: testOwner, Hash: "hash-" + name, Height: 1000, Specification: s}
}

func TestMutualExclusion(t *testing.T) {
	f := newFixture(t, 500)
	f.runtime.pulling = make(chan struct{})
	f.runtime.pullGate = make(chan struct{})
	ctx := context.Background()

	app := singleApp(t, "website", 5, 0.5)
	done := make(chan error, 1)
	go func() {
		done <- f.coordinator.Install(ctx, app, Hard, nil)
	}()

	<-f.runtime.pulling
	assert.True(t, f.coordinator.Busy())
	assert.Equal(t, OpInstalling, f.coordinator.Active())

	err := f.coordinator.Remove(ctx, "website", Hard, true, nil)
	require.ErrorIs(t, err, ErrConflict)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, OpInstalling, conflict.Active)
	assert.Equal(t, OpRemoving, conflict.Requested)

	assert.ErrorIs(t, f.coordinator.Redeploy(ctx, app, Soft, nil), ErrConflict)

	close(f.runtime.pullGate)
	require.NoError(t, <-done)
	assert.False(t, f.coordinator.Busy())

	f.runtime.pulling = nil
	assert.NoError(t, f.coordinator.Remove(ctx, "website", Hard, true, nil))
	assert.False(t, f.coordinator.Busy())
}

func TestFlagReleasedOnFailure(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()

	err := f.coordinator.Remove(ctx, "missing", Hard, true, nil)
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.False(t, f.coordinator.Busy())

	f.runtime.fail["pull:runonflux/website:latest"] = errors.New("registry down")
	assert.Error(t, f.coordinator.Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
	assert.False(t, f.coordinator.Busy())
}

func TestInstallCompose(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	app := composeApp(t, "shop", "web", "api", "db")
	progress := &Recorder{}

	require.NoError(t, f.coordinator.Install(ctx, app, Hard, progress))

	ops := f.journal.list()
	assert.Equal(t, "announce:installing:shop", ops[0])
	assert.Equal(t, "network:swarmnet_shop", ops[1])
	var starts []string
	for _, op := range ops {
		if strings.HasPrefix(op, "start:") {
			starts = append(starts, op)
		}
	}
	assert.Equal(t, []string{"start:swarmweb_shop", "start:swarmapi_shop", "start:swarmdb_shop"}, starts)

	local, err := f.coordinator.LocalApp(ctx, "SHOP")
	require.NoError(t, err)
	assert.Equal(t, "hash-shop", local.Hash)
	assert.Equal(t, []string{"web", "api", "db"}, local.Specification.ComponentNames())

	vols, err := f.volumes.AppVolumes(ctx, "shop")
	require.NoError(t, err)
	assert.Len(t, vols, 3)

	running, err := f.coordinator.RunningApps(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "shop", running[0].Name)

	steps := progress.Steps()
	require.NotEmpty(t, steps)
	assert.Equal(t, "done", steps[len(steps)-1].Step)

	t.Run("AlreadyInstalled", func(t *testing.T) {
		assert.ErrorIs(t, f.coordinator.Install(ctx, app, Hard, nil), ErrAlreadyInstalled)
	})

	t.Run("StoppedAppIsNotRunning", func(t *testing.T) {
		require.NoError(t, f.runtime.StopContainer(ctx, "swarmapi_shop"))
		running, err := f.coordinator.RunningApps(ctx)
		require.NoError(t, err)
		assert.Empty(t, running)

		require.NoError(t, f.coordinator.Restart(ctx))
		running, err = f.coordinator.RunningApps(ctx)
		require.NoError(t, err)
		assert.Len(t, running, 1)
	})
}

func TestHardRemoveOrder(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Install(ctx, composeApp(t, "shop", "web", "api", "db"), Hard, nil))
	f.journal.reset()

	require.NoError(t, f.coordinator.Remove(ctx, "shop", Hard, true, nil))

	assert.Equal(t, []string{
		"stop:swarmdb_shop", "rm:swarmdb_shop", "rmi:db:latest", "release:swarmdb_shop",
		"stop:swarmapi_shop", "rm:swarmapi_shop", "rmi:api:latest", "release:swarmapi_shop",
		"stop:swarmweb_shop", "rm:swarmweb_shop", "rmi:web:latest", "release:swarmweb_shop",
		"rmnetwork:swarmnet_shop",
		"db:delete",
		"announce:removed:shop",
	}, f.journal.list())

	_, err := f.coordinator.LocalApp(ctx, "shop")
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Zero(t, f.runtime.count())
}

func TestSoftRemoveKeepsData(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
	f.journal.reset()

	require.NoError(t, f.coordinator.Remove(ctx, "website", Soft, true, nil))

	for _, op := range f.journal.list() {
		assert.False(t, strings.HasPrefix(op, "release:"), op)
		assert.False(t, strings.HasPrefix(op, "rmnetwork:"), op)
		assert.False(t, strings.HasPrefix(op, "announce:"), op)
	}
	_, err := f.coordinator.LocalApp(ctx, "website")
	assert.NoError(t, err)
	_, err = f.volumes.Lookup(ctx, "swarmwebsite")
	assert.NoError(t, err)
}

func TestCriticalDBFailure(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	f.db.failUpdate = errors.New("disk full")

	err := f.coordinator.Install(ctx, composeApp(t, "shop", "web", "db"), Hard, nil)
	require.ErrorIs(t, err, ErrCriticalDB)

	assert.Zero(t, f.runtime.count())
	vols, err := f.volumes.AppVolumes(ctx, "shop")
	require.NoError(t, err)
	assert.Empty(t, vols)
	assert.Contains(t, f.journal.list(), "rmnetwork:swarmnet_shop")

	resp := Response("shop", fmt.Errorf("%w: shop: disk full", ErrCriticalDB))
	data, ok := resp.Data.(api.Error)
	require.True(t, ok)
	assert.Equal(t, "CriticalDbFailure", data.Name)
	assert.Equal(t, http.StatusInternalServerError, data.Code)
}

func TestInstallFailureCleansUp(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	f.runtime.fail["create:swarmdb_shop"] = errors.New("no such image")

	err := f.coordinator.Install(ctx, composeApp(t, "shop", "web", "db"), Hard, nil)
	require.Error(t, err)

	assert.Contains(t, f.journal.list(), "announce:error:shop")
	assert.Zero(t, f.runtime.count())
	_, err = f.coordinator.LocalApp(ctx, "shop")
	assert.ErrorIs(t, err, ErrNotInstalled)
	vols, err := f.volumes.AppVolumes(ctx, "shop")
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestRequirements(t *testing.T) {
	ctx := context.Background()

	t.Run("Space", func(t *testing.T) {
		f := newFixture(t, 100)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "small", 5, 0.5), Hard, nil))

		err := f.coordinator.Install(ctx, singleApp(t, "large", 90, 0.5), Hard, nil)
		assert.ErrorIs(t, err, ErrInsufficientSpace)
		assert.ErrorIs(t, err, storage.ErrInsufficientSpace)
		_, err = f.coordinator.LocalApp(ctx, "large")
		assert.ErrorIs(t, err, ErrNotInstalled)
	})

	t.Run("Instances", func(t *testing.T) {
		f := newFixture(t, 500)
		f.coordinator.WithLocator(fixedLocator(3))
		assert.ErrorIs(t, f.coordinator.Install(ctx, composeApp(t, "shop", "web"), Hard, nil), ErrInstancesReached)

		f.coordinator.WithLocator(fixedLocator(2))
		assert.NoError(t, f.coordinator.Install(ctx, composeApp(t, "shop", "web"), Hard, nil))
	})

	t.Run("Hardware", func(t *testing.T) {
		f := newFixture(t, 500)
		f.coordinator.node = fakeNode{ip: "10.0.0.2", tier: node.TierBasic}
		assert.ErrorIs(t, f.coordinator.Install(ctx, singleApp(t, "heavy", 5, 4), Hard, nil), ErrInsufficientHardware)

		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "first", 5, 2), Hard, nil))
		assert.ErrorIs(t, f.coordinator.Install(ctx, singleApp(t, "second", 5, 2), Hard, nil), ErrInsufficientHardware)
	})

	t.Run("Pinned", func(t *testing.T) {
		f := newFixture(t, 500)
		app := composeApp(t, "pinned", "web")
		app.Specification.Version = 7
		app.Specification.Expire = 22000
		app.Specification.Nodes = []string{"10.0.0.1:16127"}
		assert.ErrorIs(t, f.coordinator.Install(ctx, app, Hard, nil), ErrNodeNotSelected)

		app.Specification.Nodes = []string{"10.0.0.1", "10.0.0.2:16127"}
		assert.NoError(t, f.coordinator.Install(ctx, app, Hard, nil))
	})

	t.Run("Invalid", func(t *testing.T) {
		f := newFixture(t, 500)
		app := singleApp(t, "website", 5, 0.5)
		app.Specification.RAM = 50
		err := f.coordinator.Install(ctx, app, Hard, nil)
		assert.True(t, spec.IsValidationError(err))
		assert.Equal(t, "ValidationError", Response("website", err).Data.(api.Error).Name)
	})
}

func TestRedeploy(t *testing.T) {
	ctx := context.Background()

	t.Run("Soft", func(t *testing.T) {
		f := newFixture(t, 500)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
		before, err := f.volumes.Lookup(ctx, "swarmwebsite")
		require.NoError(t, err)
		f.journal.reset()

		next := singleApp(t, "website", 5, 1)
		next.Hash = "hash-next"
		require.NoError(t, f.coordinator.Redeploy(ctx, next, Soft, nil))

		ops := f.journal.list()
		assert.Equal(t, "stop:swarmwebsite", ops[0])
		assert.Equal(t, "start:swarmwebsite", ops[len(ops)-1])
		assert.NotContains(t, ops, "release:swarmwebsite")

		local, err := f.coordinator.LocalApp(ctx, "website")
		require.NoError(t, err)
		assert.Equal(t, "hash-next", local.Hash)
		after, err := f.volumes.Lookup(ctx, "swarmwebsite")
		require.NoError(t, err)
		assert.Equal(t, before.Path, after.Path)
	})

	t.Run("Hard", func(t *testing.T) {
		f := newFixture(t, 500)
		require.NoError(t, f.coordinator.WithLocator(fixedLocator(0)).Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
		f.coordinator.WithLocator(fixedLocator(3))
		f.journal.reset()

		require.NoError(t, f.coordinator.Redeploy(ctx, singleApp(t, "website", 10, 0.5), Hard, nil))
		ops := f.journal.list()
		assert.Contains(t, ops, "release:swarmwebsite")
		assert.NotContains(t, ops, "announce:removed:website")
		vol, err := f.volumes.Lookup(ctx, "swarmwebsite")
		require.NoError(t, err)
		assert.Equal(t, 10, vol.SizeGB)
	})

	t.Run("FailurePurges", func(t *testing.T) {
		f := newFixture(t, 500)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
		f.runtime.fail["pull:runonflux/website:latest"] = errors.New("registry down")

		err := f.coordinator.Redeploy(ctx, singleApp(t, "website", 5, 0.5), Soft, nil)
		require.Error(t, err)
		assert.False(t, f.coordinator.Busy())

		_, err = f.coordinator.LocalApp(ctx, "website")
		assert.ErrorIs(t, err, ErrNotInstalled)
		_, err = f.volumes.Lookup(ctx, "swarmwebsite")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Contains(t, f.journal.list(), "announce:removed:website")
	})

	t.Run("SoftChecksHardware", func(t *testing.T) {
		f := newFixture(t, 500)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "alpha", 5, 10), Hard, nil))
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "beta", 5, 4), Hard, nil))

		// beta's own share is not counted against its next version
		require.NoError(t, f.coordinator.Redeploy(ctx, singleApp(t, "beta", 5, 4.5), Soft, nil))

		err := f.coordinator.Redeploy(ctx, singleApp(t, "beta", 5, 14), Soft, nil)
		assert.ErrorIs(t, err, ErrInsufficientHardware)
		_, err = f.coordinator.LocalApp(ctx, "beta")
		assert.ErrorIs(t, err, ErrNotInstalled)
		_, err = f.coordinator.LocalApp(ctx, "alpha")
		assert.NoError(t, err)
	})

	t.Run("SoftKeepsOwnSpace", func(t *testing.T) {
		f := newFixture(t, 100)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "website", 70, 0.5), Hard, nil))

		// only 10 GB remain free, the 70 GB the app holds stay its own
		require.NoError(t, f.coordinator.Redeploy(ctx, singleApp(t, "website", 70, 1), Soft, nil))
		local, err := f.coordinator.LocalApp(ctx, "website")
		require.NoError(t, err)
		assert.Equal(t, 1.0, local.Specification.CPU)
	})

	t.Run("NotInstalled", func(t *testing.T) {
		f := newFixture(t, 500)
		assert.ErrorIs(t, f.coordinator.Redeploy(ctx, singleApp(t, "website", 5, 0.5), Soft, nil), ErrNotInstalled)
	})

	t.Run("DelayHonorsContext", func(t *testing.T) {
		f := newFixture(t, 500)
		require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "website", 5, 0.5), Hard, nil))
		f.coordinator.WithRedeployDelay(time.Hour)

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		err := f.coordinator.Redeploy(cctx, singleApp(t, "website", 5, 0.5), Soft, nil)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		_, err = f.coordinator.LocalApp(ctx, "website")
		assert.ErrorIs(t, err, ErrNotInstalled)
	})
}

func TestRedeployMode(t *testing.T) {
	base := singleApp(t, "website", 5, 0.5).Specification

	cpu := singleApp(t, "website", 5, 1).Specification
	assert.Equal(t, Soft, RedeployMode(base, cpu))

	hdd := singleApp(t, "website", 6, 0.5).Specification
	assert.Equal(t, Hard, RedeployMode(base, hdd))

	compose := composeApp(t, "website", "web").Specification
	assert.Equal(t, Hard, RedeployMode(base, compose))

	more := composeApp(t, "website", "web", "db").Specification
	assert.Equal(t, Hard, RedeployMode(compose, more))
}

type fakeRegistry map[string]*gossip.GlobalApp

func (r fakeRegistry) RegisteredApp(ctx context.Context, name string) (*gossip.GlobalApp, error) {
	app, ok := r[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return app, nil
}

func TestReinstallOutdated(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "current", 5, 0.5), Hard, nil))
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "outdated", 5, 0.5), Hard, nil))
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "expired", 5, 0.5), Hard, nil))

	newer := singleApp(t, "outdated", 5, 1)
	newer.Hash = "hash-newer"
	registry := fakeRegistry{
		"current":  singleApp(t, "current", 5, 0.5),
		"outdated": newer,
	}

	require.NoError(t, f.coordinator.ReinstallOutdated(ctx, registry, nil))

	local, err := f.coordinator.LocalApp(ctx, "outdated")
	require.NoError(t, err)
	assert.Equal(t, "hash-newer", local.Hash)
	local, err = f.coordinator.LocalApp(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, "hash-current", local.Hash)
	_, err = f.coordinator.LocalApp(ctx, "expired")
	assert.NoError(t, err)
}

func TestResume(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "stopped", 5, 0.5), Hard, nil))
	require.NoError(t, f.coordinator.Install(ctx, singleApp(t, "outdated", 5, 0.5), Hard, nil))
	require.NoError(t, f.runtime.StopContainer(ctx, "swarmstopped"))

	newer := singleApp(t, "outdated", 5, 1)
	newer.Hash = "hash-newer"
	registry := fakeRegistry{
		"stopped":  singleApp(t, "stopped", 5, 0.5),
		"outdated": newer,
	}

	require.NoError(t, f.coordinator.Resume(ctx, registry, nil))
	assert.False(t, f.coordinator.Busy())

	running, err := f.coordinator.RunningApps(ctx)
	require.NoError(t, err)
	assert.Len(t, running, 2)
	local, err := f.coordinator.LocalApp(ctx, "outdated")
	require.NoError(t, err)
	assert.Equal(t, "hash-newer", local.Hash)
}

type fakeHistory map[string]*spec.Specification

func (h fakeHistory) PreviousSpecification(ctx context.Context, name string, before int64) (*spec.Specification, error) {
	s, ok := h[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func TestCompatibleUpdate(t *testing.T) {
	single := singleApp(t, "website", 5, 0.5).Specification
	compose := composeApp(t, "shop", "web", "db").Specification

	otherImage := singleApp(t, "website", 5, 0.5).Specification
	otherImage.Repotag = "runonflux/other:latest"

	v2 := singleApp(t, "website", 5, 0.5).Specification
	v2.Version = 2

	v8 := composeApp(t, "shop", "web", "db").Specification
	v8.Version = 8

	v5 := composeApp(t, "shop", "web", "db").Specification
	v5.Version = 5

	renamed := composeApp(t, "shop", "web", "cache").Specification
	shrunk := composeApp(t, "shop", "web").Specification
	reordered := composeApp(t, "shop", "db", "web").Specification

	cases := []struct {
		name     string
		previous *spec.Specification
		next     *spec.Specification
		ok       bool
	}{
		{"SameSingle", single, single, true},
		{"RepotagChange", single, otherImage, false},
		{"VersionBumpNotTo8", single, v2, false},
		{"SingleTo8", single, v8, true},
		{"ComposeTo8", compose, v8, true},
		{"ComposeVersionChange", compose, v5, false},
		{"ComposeDowngrade", v8, single, false},
		{"ComponentRenamed", compose, renamed, false},
		{"ComponentRemoved", compose, shrunk, false},
		{"ComponentsReordered", compose, reordered, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CompatibleUpdate(tc.previous, tc.next)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrIncompatibleUpdate)
			}
		})
	}

	t.Run("History", func(t *testing.T) {
		f := newFixture(t, 500)
		ctx := context.Background()
		assert.Error(t, f.coordinator.CheckUpdateCompatibility(ctx, compose, 1000))

		f.coordinator.WithHistory(fakeHistory{"shop": compose})
		assert.NoError(t, f.coordinator.CheckUpdateCompatibility(ctx, reordered, 1000))
		assert.ErrorIs(t, f.coordinator.CheckUpdateCompatibility(ctx, renamed, 1000), ErrIncompatibleUpdate)
		assert.ErrorIs(t, f.coordinator.CheckUpdateCompatibility(ctx, single, 1000), store.ErrNotFound)
	})
}

type fakeDecrypter struct {
	plain string
}

func (d fakeDecrypter) Decrypt(ctx context.Context, owner string, height uint32, blob string) ([]byte, error) {
	if blob != "sealed" {
		return nil, errors.New("unknown blob")
	}
	return []byte(d.plain), nil
}

func TestEnterprise(t *testing.T) {
	ctx := context.Background()
	raw := `{"version":8,"name":"secret","description":"","owner":"` + testOwner + `","compose":[],"instances":3,` +
		`"contacts":[],"geolocation":[],"expire":22000,"nodes":[],"staticip":false,"enterprise":"sealed"}`
	s, err := spec.Unmarshal([]byte(raw))
	require.NoError(t, err)
	app := &gossip.GlobalApp{Name: "secret", Hash: "hash-secret", Height: 1000, Specification: s}

	f := newFixture(t, 500)
	assert.ErrorIs(t, f.coordinator.Install(ctx, app, Hard, nil), ErrNoDecrypter)

	f.coordinator.WithDecrypter(fakeDecrypter{plain: `{"compose":[{"name":"vault","description":"","repotag":"vault:1","ports":[31000],` +
		`"containerPorts":[8200],"environmentParameters":[],"commands":[],"containerData":"/vault","domains":[""],` +
		`"cpu":1,"ram":1000,"hdd":5,"tiered":false,"repoauth":""}],"contacts":[]}`})
	require.NoError(t, f.coordinator.Install(ctx, app, Hard, nil))

	local, err := f.coordinator.LocalApp(ctx, "secret")
	require.NoError(t, err)
	assert.Equal(t, []string{"vault"}, local.Specification.ComponentNames())
	assert.Empty(t, local.Specification.Enterprise)
	assert.Contains(t, f.journal.list(), "start:swarmvault_secret")
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "idle", OpIdle.String())
	assert.Equal(t, "hardRedeploying", OpHardRedeploying.String())
	assert.Equal(t, "reinstallingOld", OpReinstallingOld.String())
	assert.Equal(t, "hard", Hard.String())
}

func TestInstallCancelled(t *testing.T) {
	f := newFixture(t, 500)
	f.runtime.pulling = make(chan struct{})
	f.runtime.pullGate = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- f.coordinator.Install(ctx, composeApp(t, "shop", "web", "db"), Hard, nil)
	}()

	<-f.runtime.pulling
	cancel()
	close(f.runtime.pullGate)

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrCriticalDB)
	assert.False(t, f.coordinator.Busy())

	bg := context.Background()
	assert.Zero(t, f.runtime.count())
	vols, err := f.volumes.AppVolumes(bg, "shop")
	require.NoError(t, err)
	assert.Empty(t, vols)
	_, err = f.coordinator.LocalApp(bg, "shop")
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Contains(t, f.journal.list(), "rmnetwork:swarmnet_shop")
}

func TestBusyTracksSlot(t *testing.T) {
	f := newFixture(t, 500)
	c := f.coordinator

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if c.begin(OpRemoving) == nil {
					c.end()
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		c.mu.RLock()
		held := !c.sem.TryAcquire(1)
		if !held {
			c.sem.Release(1)
		}
		active := c.active
		c.mu.RUnlock()
		if held != (active != OpIdle) {
			close(stop)
			wg.Wait()
			t.Fatalf("slot held %v while active operation is %s", held, active)
		}
	}
	close(stop)
	wg.Wait()
	assert.False(t, c.Busy())
}
