package lifecycle

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Remove uninstalls a local app. A soft removal keeps its data, network and
// record; a hard removal deletes them and, when broadcast is set, tells
// peers the app no longer runs here. Failures of single steps do not stop
// the removal and are returned joined.
func (c *Coordinator) Remove(ctx context.Context, name string, mode Mode, broadcast bool, progress Progress) error {
	if err := c.begin(OpRemoving); err != nil {
		return err
	}
	defer c.end()

	return c.remove(ctx, name, mode, broadcast, reporter{sink: progress, name: name})
}

func (c *Coordinator) remove(ctx context.Context, name string, mode Mode, broadcast bool, rep reporter) error {
	app, err := c.LocalApp(ctx, name)
	if err != nil {
		return err
	}
	log := c.logger.WithFields(logrus.Fields{"app": app.Name, "mode": mode})
	log.Info("Removing application")

	err = c.teardown(ctx, app.Specification, mode, rep)
	if mode == Hard {
		if derr := c.deleteLocalApp(ctx, app.Name); derr != nil {
			err = errors.Join(err, derr)
		}
		if broadcast {
			c.announceRemoved(ctx, app.Name)
		}
	}

	if err != nil {
		log.WithError(err).Warn("Application removal was incomplete")
		return err
	}
	rep.step("done", "Application removed")
	log.Info("Application removed")
	return nil
}
