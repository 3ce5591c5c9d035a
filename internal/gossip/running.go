package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RunningSource lists applications confirmed running on this node
type RunningSource interface {
	RunningApps(ctx context.Context) ([]RunningApp, error)
}

// BusyChecker reports whether a lifecycle operation is in progress
type BusyChecker interface {
	Busy() bool
}

// Node describes this node in running messages
type Node interface {
	IP() string
	StaticIP() bool
	Uptime() int64
}

// Reporter periodically advertises the applications running on this node
type Reporter struct {
	handler        *Handler
	source         RunningSource
	busy           BusyChecker
	node           Node
	version        int
	announcedEmpty bool
	mu             sync.Mutex
	logger         *logrus.Logger
}

// NewReporter creates a running state reporter using v2 batch messages
func NewReporter(h *Handler, source RunningSource, busy BusyChecker, node Node, logger *logrus.Logger) *Reporter {
	return &Reporter{
		handler: h,
		source:  source,
		busy:    busy,
		node:    node,
		version: 2,
		logger:  logger,
	}
}

// WithVersion selects v1 (one message per app) or v2 (one batch) messages
func (r *Reporter) WithVersion(version int) *Reporter {
	r.version = version
	return r
}

// Report advertises the running applications once. A node with nothing
// running sends a single empty batch after start so peers can drop stale
// locations, and stays silent afterwards.
func (r *Reporter) Report(ctx context.Context) error {
	if r.busy != nil && r.busy.Busy() {
		r.logger.Debug("Lifecycle operation in progress, skipping running broadcast")
		return nil
	}

	apps, err := r.source.RunningApps(ctx)
	if err != nil {
		return fmt.Errorf("failed to list running apps: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	base := RunningMessage{
		Type:          TypeRunning,
		Version:       r.version,
		IP:            r.node.IP(),
		BroadcastedAt: millis(r.handler.now()),
		OSUptime:      r.node.Uptime(),
		StaticIP:      r.node.StaticIP(),
	}

	if len(apps) == 0 {
		if r.announcedEmpty {
			return nil
		}
		base.Version = 2
		base.Apps = []RunningApp{}
		if err := r.handler.AnnounceRunning(ctx, base); err != nil {
			return err
		}
		r.announcedEmpty = true
		r.logger.Info("Announced that no apps are running")
		return nil
	}

	if r.version == 1 {
		for _, app := range apps {
			msg := base
			msg.Name = app.Name
			msg.Hash = app.Hash
			msg.RunningSince = app.RunningSince
			if err := r.handler.AnnounceRunning(ctx, msg); err != nil {
				return err
			}
		}
	} else {
		msg := base
		msg.Apps = apps
		if err := r.handler.AnnounceRunning(ctx, msg); err != nil {
			return err
		}
	}

	r.logger.WithField("apps", len(apps)).Debug("Broadcast running apps")
	return nil
}

// StartReporting runs Report every interval until ctx is done
func (r *Reporter) StartReporting(ctx context.Context, interval time.Duration) {
	r.logger.Infof("Starting running state broadcast with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.Report(ctx); err != nil {
					r.logger.WithError(err).Warn("Failed to broadcast running apps")
				}
			case <-ctx.Done():
				r.logger.Info("Stopping running state broadcast")
				return
			}
		}
	}()
}
