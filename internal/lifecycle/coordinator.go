package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ao/swarmhost/internal/docker"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/node"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/storage"
	"github.com/ao/swarmhost/internal/store"
)

// Operation is the lifecycle operation a node is running
type Operation int

const (
	// OpIdle means no operation is running
	OpIdle Operation = iota
	// OpInstalling is a soft or hard install
	OpInstalling
	// OpRemoving is a soft or hard removal
	OpRemoving
	// OpSoftRedeploying recreates containers and keeps data
	OpSoftRedeploying
	// OpHardRedeploying recreates containers and data
	OpHardRedeploying
	// OpReinstallingOld brings outdated local apps to their registered version
	OpReinstallingOld
)

func (o Operation) String() string {
	switch o {
	case OpIdle:
		return "idle"
	case OpInstalling:
		return "installing"
	case OpRemoving:
		return "removing"
	case OpSoftRedeploying:
		return "softRedeploying"
	case OpHardRedeploying:
		return "hardRedeploying"
	case OpReinstallingOld:
		return "reinstallingOld"
	}
	return "unknown"
}

// Mode selects between a soft operation, which keeps app data, and a hard
// one, which creates or deletes it
type Mode int

const (
	// Soft keeps volumes, network and the local record
	Soft Mode = iota
	// Hard provisions or deletes everything an app owns
	Hard
)

func (m Mode) String() string {
	if m == Hard {
		return "hard"
	}
	return "soft"
}

// DefaultRedeployDelay is the pause between removal and install of a redeploy
const DefaultRedeployDelay = time.Minute

// Runtime runs app containers
type Runtime interface {
	PullImage(ctx context.Context, image, auth string) error
	RemoveImage(ctx context.Context, image string) error
	EnsureNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
	CreateContainer(ctx context.Context, opts docker.ContainerOptions) (string, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string) error
	RemoveContainer(ctx context.Context, name string) error
	InspectContainer(ctx context.Context, name string) (*docker.Container, error)
}

// Volumes provisions app data directories
type Volumes interface {
	CheckSpace(ctx context.Context, sizeGB int) error
	Provision(ctx context.Context, app, container string, sizeGB int) (*storage.AppVolume, error)
	Release(ctx context.Context, container string) error
}

// Announcer tells peers about local lifecycle events
type Announcer interface {
	AnnounceInstalling(ctx context.Context, name string) error
	AnnounceInstallError(ctx context.Context, name, hash string, cause error) error
	AnnounceRemoved(ctx context.Context, name string) error
}

// InstanceLocator counts the nodes running or installing an app
type InstanceLocator interface {
	InstanceCount(ctx context.Context, name string) (int, error)
}

// HistoryResolver returns the specification an app had at a point in time
type HistoryResolver interface {
	PreviousSpecification(ctx context.Context, name string, before int64) (*spec.Specification, error)
}

// Registry returns the latest confirmed specification of an app
type Registry interface {
	RegisteredApp(ctx context.Context, name string) (*gossip.GlobalApp, error)
}

// Decrypter opens the encrypted part of enterprise specifications. The
// result is a JSON object carrying the hidden keys, such as compose.
type Decrypter interface {
	Decrypt(ctx context.Context, owner string, height uint32, blob string) ([]byte, error)
}

// Chain reports the current chain height
type Chain interface {
	Height() uint32
}

// Node describes the local node
type Node interface {
	IP() string
	Tier() node.Tier
	Capacity() node.Hardware
}

// Coordinator runs install, remove and redeploy operations one at a time
type Coordinator struct {
	db            store.Store
	runtime       Runtime
	volumes       Volumes
	node          Node
	chain         Chain
	announcer     Announcer
	locator       InstanceLocator
	history       HistoryResolver
	decrypter     Decrypter
	redeployDelay time.Duration
	now           func() time.Time
	sem           *semaphore.Weighted
	active        Operation
	mu            sync.RWMutex
	logger        *logrus.Logger
}

// NewCoordinator creates a lifecycle coordinator
func NewCoordinator(db store.Store, runtime Runtime, volumes Volumes, n Node, chain Chain, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		db:            db,
		runtime:       runtime,
		volumes:       volumes,
		node:          n,
		chain:         chain,
		redeployDelay: DefaultRedeployDelay,
		now:           time.Now,
		sem:           semaphore.NewWeighted(1),
		logger:        logger,
	}
}

// WithAnnouncer sets where installing, install error and removed events go
func (c *Coordinator) WithAnnouncer(a Announcer) *Coordinator {
	c.announcer = a
	return c
}

// WithLocator enables the instance count requirement
func (c *Coordinator) WithLocator(l InstanceLocator) *Coordinator {
	c.locator = l
	return c
}

// WithHistory sets the source of previous specifications for update checks
func (c *Coordinator) WithHistory(h HistoryResolver) *Coordinator {
	c.history = h
	return c
}

// WithDecrypter enables enterprise specifications
func (c *Coordinator) WithDecrypter(d Decrypter) *Coordinator {
	c.decrypter = d
	return c
}

// WithRedeployDelay sets the pause between removal and install
func (c *Coordinator) WithRedeployDelay(d time.Duration) *Coordinator {
	c.redeployDelay = d
	return c
}

// WithClock overrides the time source
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Busy reports whether an operation is running
func (c *Coordinator) Busy() bool {
	return c.Active() != OpIdle
}

// Active returns the running operation
func (c *Coordinator) Active() Operation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// begin takes the operation slot. The slot and the active operation change
// together under mu so Busy never misses a held slot.
func (c *Coordinator) begin(op Operation) error {
	c.mu.Lock()
	if !c.sem.TryAcquire(1) {
		active := c.active
		c.mu.Unlock()
		return &ConflictError{Active: active, Requested: op}
	}
	c.active = op
	c.mu.Unlock()
	c.logger.WithField("operation", op).Debug("Lifecycle operation started")
	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	op := c.active
	c.active = OpIdle
	c.sem.Release(1)
	c.mu.Unlock()
	c.logger.WithField("operation", op).Debug("Lifecycle operation finished")
}

func (c *Coordinator) announceInstalling(ctx context.Context, name string) {
	if c.announcer == nil {
		return
	}
	if err := c.announcer.AnnounceInstalling(ctx, name); err != nil {
		c.logger.WithError(err).WithField("app", name).Warn("Failed to announce installation")
	}
}

func (c *Coordinator) announceInstallError(ctx context.Context, name, hash string, cause error) {
	if c.announcer == nil {
		return
	}
	if err := c.announcer.AnnounceInstallError(ctx, name, hash, cause); err != nil {
		c.logger.WithError(err).WithField("app", name).Warn("Failed to announce installation error")
	}
}

func (c *Coordinator) announceRemoved(ctx context.Context, name string) {
	if c.announcer == nil {
		return
	}
	if err := c.announcer.AnnounceRemoved(ctx, name); err != nil {
		c.logger.WithError(err).WithField("app", name).Warn("Failed to announce removal")
	}
}
