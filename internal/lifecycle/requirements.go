package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/node"
	"github.com/ao/swarmhost/internal/spec"
)

// resourcesOf returns what an app needs on a node of the given tier
func resourcesOf(s *spec.Specification, tier node.Tier) node.Hardware {
	var total node.Hardware
	for _, comp := range s.Components() {
		cpu, ram, hdd := comp.ResourcesFor(string(tier))
		total = total.Add(node.Hardware{CPU: cpu, RAM: ram, HDD: hdd})
	}
	return total
}

func instancesOf(s *spec.Specification) int {
	if s.Instances > 0 {
		return s.Instances
	}
	return spec.MinInstances
}

// checkRequirements decides whether this node may install s. The instance
// count is skipped when the node replaces its own installation.
func (c *Coordinator) checkRequirements(ctx context.Context, s *spec.Specification, countInstances bool) error {
	if err := spec.Check(s, c.chain.Height()); err != nil {
		return err
	}

	_, err := c.LocalApp(ctx, s.Name)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, s.Name)
	}
	if !errors.Is(err, ErrNotInstalled) {
		return err
	}

	if len(s.Nodes) > 0 && !pinnedTo(s.Nodes, c.node.IP()) {
		return fmt.Errorf("%w: %s", ErrNodeNotSelected, s.Name)
	}

	if countInstances && c.locator != nil {
		count, err := c.locator.InstanceCount(ctx, s.Name)
		if err != nil {
			return fmt.Errorf("failed to count instances of %s: %w", s.Name, err)
		}
		if count >= instancesOf(s) {
			return fmt.Errorf("%w: %d of %d", ErrInstancesReached, count, instancesOf(s))
		}
	}

	return c.checkResources(ctx, s)
}

// checkReplacement decides whether s may take the place of the installed
// version of the same app, as a soft redeploy does
func (c *Coordinator) checkReplacement(ctx context.Context, s *spec.Specification) error {
	if err := spec.Check(s, c.chain.Height()); err != nil {
		return err
	}
	if len(s.Nodes) > 0 && !pinnedTo(s.Nodes, c.node.IP()) {
		return fmt.Errorf("%w: %s", ErrNodeNotSelected, s.Name)
	}
	return c.checkResources(ctx, s)
}

// checkResources compares what s needs with what the other local apps hold.
// An installed version of s is left out, and only disk space beyond what it
// already occupies has to be free.
func (c *Coordinator) checkResources(ctx context.Context, s *spec.Specification) error {
	tier := c.node.Tier()
	apps, err := c.LocalApps(ctx)
	if err != nil {
		return err
	}
	var used, kept node.Hardware
	for _, app := range apps {
		if strings.EqualFold(app.Name, s.Name) {
			kept = resourcesOf(app.Specification, tier)
			continue
		}
		used = used.Add(resourcesOf(app.Specification, tier))
	}
	need := resourcesOf(s, tier)
	if !used.Add(need).Fits(c.node.Capacity()) {
		return fmt.Errorf("%w: %s needs %.1f cpu %d MB ram %d GB hdd, %.1f/%d/%d in use",
			ErrInsufficientHardware, s.Name, need.CPU, need.RAM, need.HDD, used.CPU, used.RAM, used.HDD)
	}

	if grow := need.HDD - kept.HDD; grow > 0 {
		return c.volumes.CheckSpace(ctx, grow)
	}
	return nil
}

func pinnedTo(nodes []string, ip string) bool {
	for _, n := range nodes {
		if hostOf(n) == ip {
			return true
		}
	}
	return false
}

// open returns the specification of app with its enterprise payload
// decrypted and validated
func (c *Coordinator) open(ctx context.Context, app *gossip.GlobalApp) (*spec.Specification, error) {
	s := app.Specification
	if s.Enterprise == "" {
		return s, nil
	}
	if c.decrypter == nil {
		return nil, ErrNoDecrypter
	}

	plain, err := c.decrypter.Decrypt(ctx, s.Owner, app.Height, s.Enterprise)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %s: %w", s.Name, err)
	}
	var hidden map[string]interface{}
	if err := json.Unmarshal(plain, &hidden); err != nil {
		return nil, fmt.Errorf("failed to decode decrypted %s: %w", s.Name, err)
	}

	formatted, err := spec.Format(s)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(formatted, &raw); err != nil {
		return nil, err
	}
	for _, key := range []string{"compose", "contacts"} {
		if v, ok := hidden[key]; ok {
			raw[key] = v
		}
	}
	raw["enterprise"] = ""

	return spec.Validate(raw, c.chain.Height())
}
