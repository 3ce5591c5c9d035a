package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/store"
)

// Redeploy replaces a local app with the given registry entry: it removes
// the app, waits the redeploy delay, checks the requirements again and
// installs. A failed install leaves nothing of the app behind.
func (c *Coordinator) Redeploy(ctx context.Context, app *gossip.GlobalApp, mode Mode, progress Progress) error {
	op := OpSoftRedeploying
	if mode == Hard {
		op = OpHardRedeploying
	}
	if err := c.begin(op); err != nil {
		return err
	}
	defer c.end()

	return c.redeploy(ctx, app, mode, reporter{sink: progress, name: app.Name})
}

func (c *Coordinator) redeploy(ctx context.Context, app *gossip.GlobalApp, mode Mode, rep reporter) error {
	log := c.logger.WithFields(logrus.Fields{"app": app.Name, "mode": mode})

	installed, err := c.LocalApp(ctx, app.Name)
	if err != nil {
		return err
	}

	log.Info("Redeploying application")
	if err := c.remove(ctx, installed.Name, mode, false, rep); err != nil {
		log.WithError(err).Warn("Continuing redeploy after incomplete removal")
	}

	if c.redeployDelay > 0 {
		rep.step("wait", fmt.Sprintf("Waiting %s before reinstalling", c.redeployDelay))
		select {
		case <-ctx.Done():
			c.purge(ctx, installed.Specification, rep)
			return ctx.Err()
		case <-time.After(c.redeployDelay):
		}
	}

	if err := c.install(ctx, app, mode, false, rep); err != nil {
		log.WithError(err).Error("Redeploy failed, removing application")
		c.purge(ctx, installed.Specification, rep)
		return err
	}
	return nil
}

// purge removes every trace of an app without failing
func (c *Coordinator) purge(ctx context.Context, s *spec.Specification, rep reporter) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.WithField("app", s.Name)

	if err := c.teardown(ctx, s, Hard, rep); err != nil {
		log.WithError(err).Warn("Purge teardown was incomplete")
	}
	if err := c.deleteLocalApp(ctx, s.Name); err != nil {
		log.WithError(err).Warn("Failed to delete local app record")
	}
	c.announceRemoved(ctx, s.Name)
}

// RedeployMode returns the kind of redeploy needed to move from one
// specification to the next. Changes to the data layout need a hard one.
func RedeployMode(current, next *spec.Specification) Mode {
	if current.Version != next.Version {
		return Hard
	}
	old := current.Components()
	fresh := next.Components()
	if len(old) != len(fresh) {
		return Hard
	}
	for i := range old {
		if old[i].Name != fresh[i].Name ||
			old[i].HDD != fresh[i].HDD ||
			old[i].ContainerData != fresh[i].ContainerData ||
			old[i].Tiered != fresh[i].Tiered ||
			old[i].Tiers != fresh[i].Tiers {
			return Hard
		}
	}
	return Soft
}

// ReinstallOutdated redeploys every local app whose hash differs from its
// registered one
func (c *Coordinator) ReinstallOutdated(ctx context.Context, registry Registry, progress Progress) error {
	if err := c.begin(OpReinstallingOld); err != nil {
		return err
	}
	defer c.end()

	apps, err := c.LocalApps(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, app := range apps {
		latest, err := registry.RegisteredApp(ctx, app.Name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if latest.Hash == app.Hash {
			continue
		}

		mode := RedeployMode(app.Specification, latest.Specification)
		c.logger.WithFields(logrus.Fields{
			"app":  app.Name,
			"mode": mode,
			"from": app.Hash,
			"to":   latest.Hash,
		}).Info("Local application is outdated")
		if err := c.redeploy(ctx, latest, mode, reporter{sink: progress, name: app.Name}); err != nil {
			errs = append(errs, fmt.Errorf("failed to reinstall %s: %w", app.Name, err))
		}
	}
	return errors.Join(errs...)
}
