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
)

// Install runs a registered app on this node. A hard install checks the
// requirements, announces the installation and provisions volumes and the
// app network; a soft install only validates the specification and reuses
// what is already there. Components start in declared order and the local
// record is written last.
func (c *Coordinator) Install(ctx context.Context, app *gossip.GlobalApp, mode Mode, progress Progress) error {
	if err := c.begin(OpInstalling); err != nil {
		return err
	}
	defer c.end()

	return c.install(ctx, app, mode, true, reporter{sink: progress, name: app.Name})
}

func (c *Coordinator) install(ctx context.Context, app *gossip.GlobalApp, mode Mode, countInstances bool, rep reporter) error {
	log := c.logger.WithFields(logrus.Fields{"app": app.Name, "mode": mode})

	s, err := c.open(ctx, app)
	if err != nil {
		return err
	}

	if mode == Hard {
		rep.step("requirements", "Checking application requirements")
		if err := c.checkRequirements(ctx, s, countInstances); err != nil {
			log.WithError(err).Warn("Application requirements not met")
			return err
		}
		c.announceInstalling(ctx, s.Name)
	} else if err := c.checkReplacement(ctx, s); err != nil {
		log.WithError(err).Warn("Application requirements not met")
		return err
	}

	// cleanup and the local record outlive a cancelled request
	keep := context.WithoutCancel(ctx)

	log.Info("Installing application")
	if err := c.deploy(ctx, s, app.Hash, mode, rep); err != nil {
		log.WithError(err).Error("Failed to install application")
		if mode == Hard {
			c.announceInstallError(keep, s.Name, app.Hash, err)
		}
		rep.step("cleanup", "Cleaning up after failed installation")
		if cerr := c.teardown(keep, s, mode, rep); cerr != nil {
			log.WithError(cerr).Warn("Cleanup after failed installation was incomplete")
		}
		return err
	}

	record := LocalApp{
		Name:          s.Name,
		Hash:          app.Hash,
		Height:        app.Height,
		InstalledAt:   c.now().UnixMilli(),
		Specification: s,
	}
	if err := c.saveLocalApp(keep, record); err != nil {
		log.WithError(err).Error("Failed to record installed application")
		rep.step("cleanup", "Removing application that could not be recorded")
		if cerr := c.teardown(keep, s, Hard, rep); cerr != nil {
			log.WithError(cerr).Warn("Cleanup after database failure was incomplete")
		}
		return fmt.Errorf("%w: %s: %v", ErrCriticalDB, s.Name, err)
	}

	rep.step("done", "Application installed")
	log.Info("Application installed")
	return nil
}

func (c *Coordinator) deploy(ctx context.Context, s *spec.Specification, hash string, mode Mode, rep reporter) error {
	rep.step("network", "Creating application network")
	if err := c.runtime.EnsureNetwork(ctx, s.NetworkName()); err != nil {
		return err
	}
	for _, comp := range s.Components() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.deployComponent(ctx, s, comp, hash, rep); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deployComponent(ctx context.Context, s *spec.Specification, comp spec.Component, hash string, rep reporter) error {
	name := s.ContainerName(comp.Name)
	cpu, ram, hdd := comp.ResourcesFor(string(c.node.Tier()))

	rep.step("volume", fmt.Sprintf("Allocating %d GB for %s", hdd, name))
	vol, err := c.volumes.Provision(ctx, s.Name, name, hdd)
	if err != nil {
		return err
	}

	rep.step("pull", "Pulling image "+comp.Repotag)
	if err := c.runtime.PullImage(ctx, comp.Repotag, comp.RepoAuth); err != nil {
		return err
	}

	// a leftover container of an earlier attempt would block the name
	if err := c.runtime.RemoveContainer(ctx, name); err != nil {
		return err
	}

	opts := docker.ContainerOptions{
		Name:     name,
		Image:    comp.Repotag,
		Env:      comp.EnvironmentParameters,
		Command:  comp.Commands,
		CPU:      cpu,
		MemoryMB: ram,
		Network:  s.NetworkName(),
		Labels: map[string]string{
			docker.LabelApp:       s.Name,
			docker.LabelComponent: comp.Name,
			docker.LabelHash:      hash,
		},
	}
	for i, port := range comp.Ports {
		target := port
		if i < len(comp.ContainerPorts) {
			target = comp.ContainerPorts[i]
		}
		opts.Ports = append(opts.Ports, docker.PortMapping{HostPort: port, ContainerPort: target})
	}
	if mount := comp.MountPath(); strings.HasPrefix(mount, "/") {
		opts.Mounts = append(opts.Mounts, docker.Mount{Source: vol.Path, Target: mount})
	}

	rep.step("create", "Creating container "+name)
	if _, err := c.runtime.CreateContainer(ctx, opts); err != nil {
		return err
	}
	rep.step("start", "Starting container "+name)
	return c.runtime.StartContainer(ctx, name)
}

// teardown removes the components of s in reverse order. A hard teardown
// also releases their volumes and finally the app network.
func (c *Coordinator) teardown(ctx context.Context, s *spec.Specification, mode Mode, rep reporter) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	components := s.Components()
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]
		name := s.ContainerName(comp.Name)

		rep.step("stop", "Stopping container "+name)
		collect(c.runtime.StopContainer(ctx, name))
		rep.step("remove", "Removing container "+name)
		collect(c.runtime.RemoveContainer(ctx, name))
		collect(c.runtime.RemoveImage(ctx, comp.Repotag))
		if mode == Hard {
			rep.step("volume", "Removing data of "+name)
			collect(c.volumes.Release(ctx, name))
		}
	}

	if mode == Hard {
		rep.step("network", "Removing application network")
		collect(c.runtime.RemoveNetwork(ctx, s.NetworkName()))
	}
	return errors.Join(errs...)
}
