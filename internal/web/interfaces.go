package web

import (
	"context"

	"github.com/ao/swarmhost/internal/election"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/internal/membership"
	"github.com/ao/swarmhost/internal/node"
)

// Lifecycle defines the app operations exposed by the API
type Lifecycle interface {
	Busy() bool
	Active() lifecycle.Operation
	RunningApps(ctx context.Context) ([]gossip.RunningApp, error)
	LocalApps(ctx context.Context) ([]lifecycle.LocalApp, error)
	Install(ctx context.Context, app *gossip.GlobalApp, mode lifecycle.Mode, progress lifecycle.Progress) error
	Remove(ctx context.Context, name string, mode lifecycle.Mode, broadcast bool, progress lifecycle.Progress) error
	Redeploy(ctx context.Context, app *gossip.GlobalApp, mode lifecycle.Mode, progress lifecycle.Progress) error
}

// Messages defines the read side of the message store
type Messages interface {
	Lookup(ctx context.Context, hash string) (*gossip.Message, error)
	RegisteredApp(ctx context.Context, name string) (*gossip.GlobalApp, error)
	RegisteredApps(ctx context.Context) ([]gossip.GlobalApp, error)
	Locations(ctx context.Context, name string) ([]gossip.AppLocation, error)
	AllLocations(ctx context.Context) ([]gossip.AppLocation, error)
}

// Publisher sends signed register and update messages to the network
type Publisher interface {
	Publish(ctx context.Context, msg *gossip.Message) error
}

// Confirmer promotes messages once their transaction is mined
type Confirmer interface {
	Confirm(ctx context.Context, hash, txid string, height uint32, valueSat int64) error
}

// NodeManager describes the local node
type NodeManager interface {
	Info() node.Info
}

// Elections exposes the primary records of replicated components
type Elections interface {
	Records() map[string]election.Record
}

// MembershipManager lists the cluster members
type MembershipManager interface {
	Members() []membership.Peer
}
