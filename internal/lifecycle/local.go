package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/docker"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/store"
)

// LocalApp is an application installed on this node. Enterprise apps are
// kept in their decrypted form.
type LocalApp struct {
	Name          string              `json:"name"`
	Hash          string              `json:"hash"`
	Height        uint32              `json:"height"`
	InstalledAt   int64               `json:"installedAt"`
	Specification *spec.Specification `json:"appSpecifications"`
}

func byName(name string) store.Filter {
	return store.Where(store.EqFold("name", name))
}

// LocalApps returns every installed application
func (c *Coordinator) LocalApps(ctx context.Context) ([]LocalApp, error) {
	return store.FindAs[LocalApp](ctx, c.db, store.LocalApps, store.All, store.SortBy("name", false))
}

// LocalApp returns one installed application
func (c *Coordinator) LocalApp(ctx context.Context, name string) (*LocalApp, error) {
	app, err := store.FindOneAs[LocalApp](ctx, c.db, store.LocalApps, byName(name))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local app %s: %w", name, err)
	}
	return &app, nil
}

func (c *Coordinator) saveLocalApp(ctx context.Context, app LocalApp) error {
	_, err := c.db.Update(ctx, store.LocalApps, byName(app.Name), app, true)
	return err
}

func (c *Coordinator) deleteLocalApp(ctx context.Context, name string) error {
	if _, err := c.db.Delete(ctx, store.LocalApps, byName(name)); err != nil {
		return fmt.Errorf("failed to delete local app %s: %w", name, err)
	}
	return nil
}

// RunningApps returns the installed apps whose containers all run. An app
// is running since its installation.
func (c *Coordinator) RunningApps(ctx context.Context) ([]gossip.RunningApp, error) {
	apps, err := c.LocalApps(ctx)
	if err != nil {
		return nil, err
	}

	running := make([]gossip.RunningApp, 0, len(apps))
	for _, app := range apps {
		ok, err := c.allRunning(ctx, app.Specification)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.logger.WithField("app", app.Name).Debug("Installed app is not running")
			continue
		}
		running = append(running, gossip.RunningApp{
			Name:         app.Name,
			Hash:         app.Hash,
			RunningSince: app.InstalledAt,
		})
	}
	return running, nil
}

func (c *Coordinator) allRunning(ctx context.Context, s *spec.Specification) (bool, error) {
	for _, comp := range s.Components() {
		container, err := c.runtime.InspectContainer(ctx, s.ContainerName(comp.Name))
		if errors.Is(err, docker.ErrContainerNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if container.Status != docker.ContainerStatusRunning {
			return false, nil
		}
	}
	return true, nil
}

// Restart starts the stopped containers of installed apps, as after a
// daemon restart
func (c *Coordinator) Restart(ctx context.Context) error {
	apps, err := c.LocalApps(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, app := range apps {
		for _, comp := range app.Specification.Components() {
			name := app.Specification.ContainerName(comp.Name)
			if err := c.runtime.StartContainer(ctx, name); err != nil {
				c.logger.WithError(err).WithFields(logrus.Fields{
					"app":       app.Name,
					"container": name,
				}).Error("Failed to start app container")
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Resume brings the node back after a daemon restart: it starts the
// containers of installed apps and then redeploys the outdated ones
func (c *Coordinator) Resume(ctx context.Context, registry Registry, progress Progress) error {
	var errs []error
	if err := c.Restart(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to restart installed apps: %w", err))
	}
	if err := c.ReinstallOutdated(ctx, registry, progress); err != nil {
		errs = append(errs, fmt.Errorf("failed to reinstall outdated apps: %w", err))
	}
	return errors.Join(errs...)
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 && !strings.Contains(addr[:i], ":") {
		return addr[:i]
	}
	return addr
}
