// Package orchestrator ties the message store, the lifecycle coordinator and
// the election loop together. It reacts to confirmed messages, keeps the
// chain height and runs queued app updates one at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/internal/store"
)

// Chain tracks the highest confirmed block height seen by the node
type Chain struct {
	height atomic.Uint32
}

// NewChain creates a height tracker starting at height
func NewChain(height uint32) *Chain {
	c := &Chain{}
	c.height.Store(height)
	return c
}

// Height returns the current height
func (c *Chain) Height() uint32 {
	return c.height.Load()
}

// Advance raises the height. It reports false if height is not newer.
func (c *Chain) Advance(height uint32) bool {
	for {
		current := c.height.Load()
		if height <= current {
			return false
		}
		if c.height.CompareAndSwap(current, height) {
			return true
		}
	}
}

// Messages is the part of the message store the orchestrator drives
type Messages interface {
	Confirm(ctx context.Context, hash, txid string, height uint32, valueSat int64) error
	Lookup(ctx context.Context, hash string) (*gossip.Message, error)
	RegisteredApp(ctx context.Context, name string) (*gossip.GlobalApp, error)
	ExpireApplications(ctx context.Context, height uint32) ([]string, error)
}

// Lifecycle is the part of the coordinator the orchestrator drives
type Lifecycle interface {
	Busy() bool
	LocalApp(ctx context.Context, name string) (*lifecycle.LocalApp, error)
	Redeploy(ctx context.Context, app *gossip.GlobalApp, mode lifecycle.Mode, progress lifecycle.Progress) error
	Remove(ctx context.Context, name string, mode lifecycle.Mode, broadcast bool, progress lifecycle.Progress) error
}

// Orchestrator reacts to confirmations and applies updates to local apps
type Orchestrator struct {
	state     *State
	messages  Messages
	lifecycle Lifecycle
	chain     *Chain
	logger    *logrus.Logger
}

// New creates an orchestrator
func New(state *State, messages Messages, lc Lifecycle, chain *Chain, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		state:     state,
		messages:  messages,
		lifecycle: lc,
		chain:     chain,
		logger:    logger,
	}
}

// State returns the shared node state
func (o *Orchestrator) State() *State {
	return o.state
}

// Chain returns the height tracker
func (o *Orchestrator) Chain() *Chain {
	return o.chain
}

// Confirm promotes a pending message once its transaction is mined. An
// update of an app installed here is queued for redeploy, and a new height
// expires the apps whose registration ran out.
func (o *Orchestrator) Confirm(ctx context.Context, hash, txid string, height uint32, valueSat int64) error {
	if err := o.messages.Confirm(ctx, hash, txid, height, valueSat); err != nil {
		return err
	}

	msg, err := o.messages.Lookup(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to load confirmed message: %w", err)
	}
	if msg.Type == gossip.TypeUpdate {
		if err := o.queueIfInstalled(ctx, msg.AppName()); err != nil {
			return err
		}
	}

	if o.chain.Advance(height) {
		return o.ExpireApplications(ctx, height)
	}
	return nil
}

func (o *Orchestrator) queueIfInstalled(ctx context.Context, name string) error {
	local, err := o.lifecycle.LocalApp(ctx, name)
	if errors.Is(err, lifecycle.ErrNotInstalled) {
		return nil
	}
	if err != nil {
		return err
	}

	registered, err := o.messages.RegisteredApp(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load registry entry of %s: %w", name, err)
	}
	if registered.Hash == local.Hash {
		return nil
	}
	if o.state.Enqueue(local.Name) {
		o.logger.WithFields(logrus.Fields{
			"app":  local.Name,
			"hash": registered.Hash,
		}).Info("Queued application update")
	}
	return nil
}

// ExpireApplications drops registrations that ended before height and
// hard removes the expired apps installed on this node. A removal that
// meets another running operation is queued and retried by ProcessUpdates.
func (o *Orchestrator) ExpireApplications(ctx context.Context, height uint32) error {
	expired, err := o.messages.ExpireApplications(ctx, height)
	if err != nil {
		return fmt.Errorf("failed to expire applications: %w", err)
	}

	var errs []error
	for _, name := range expired {
		if _, err := o.lifecycle.LocalApp(ctx, name); err != nil {
			continue
		}
		o.logger.WithField("app", name).Info("Removing expired application")
		err := o.removeUnregistered(ctx, name)
		if errors.Is(err, lifecycle.ErrConflict) {
			o.state.Enqueue(name)
			o.logger.WithField("app", name).Info("Queued removal of expired application")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to remove expired %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) removeUnregistered(ctx context.Context, name string) error {
	return o.lifecycle.Remove(ctx, name, lifecycle.Hard, true, lifecycle.LogProgress(o.logger))
}

// ProcessUpdates redeploys queued apps with their registered specification
// and removes queued apps that are no longer registered. It stops early while another lifecycle operation runs and keeps the rest
// of the queue for the next round.
func (o *Orchestrator) ProcessUpdates(ctx context.Context) error {
	for {
		if o.lifecycle.Busy() {
			return nil
		}
		name, ok := o.state.Dequeue()
		if !ok {
			return nil
		}

		err := o.update(ctx, name)
		if errors.Is(err, lifecycle.ErrConflict) {
			o.state.Enqueue(name)
			return nil
		}
		if err != nil {
			o.logger.WithError(err).WithField("app", name).Error("Application update failed")
		}
	}
}

func (o *Orchestrator) update(ctx context.Context, name string) error {
	local, err := o.lifecycle.LocalApp(ctx, name)
	if err != nil {
		return err
	}
	registered, err := o.messages.RegisteredApp(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.WithField("app", name).Info("Removing unregistered application")
		return o.removeUnregistered(ctx, local.Name)
	}
	if err != nil {
		return err
	}
	if strings.EqualFold(registered.Hash, local.Hash) {
		return nil
	}

	mode := lifecycle.RedeployMode(local.Specification, registered.Specification)
	o.logger.WithFields(logrus.Fields{
		"app":  name,
		"mode": mode,
	}).Info("Updating application")
	return o.lifecycle.Redeploy(ctx, registered, mode, lifecycle.LogProgress(o.logger))
}

// StartUpdates runs ProcessUpdates every interval until ctx is done
func (o *Orchestrator) StartUpdates(ctx context.Context, interval time.Duration) {
	o.logger.Infof("Starting application updates with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := o.ProcessUpdates(ctx); err != nil {
					o.logger.WithError(err).Warn("Failed to process application updates")
				}
			case <-ctx.Done():
				o.logger.Info("Stopping application updates")
				return
			}
		}
	}()
}
