package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/spec"
)

// CheckUpdateCompatibility decides whether next may replace the
// specification its app had at timestamp
func (c *Coordinator) CheckUpdateCompatibility(ctx context.Context, next *spec.Specification, timestamp int64) error {
	if c.history == nil {
		return errors.New("no specification history configured")
	}
	previous, err := c.history.PreviousSpecification(ctx, next.Name, timestamp)
	if err != nil {
		return fmt.Errorf("failed to resolve previous specification of %s: %w", next.Name, err)
	}
	return CompatibleUpdate(previous, next)
}

// CompatibleUpdate applies the update rules: the version may only change
// to 8, compose apps keep their component names and count, compose apps
// cannot go back to a single container and single container apps keep
// their image repository and tag.
func CompatibleUpdate(previous, next *spec.Specification) error {
	if next.Version != previous.Version && next.Version != 8 {
		return fmt.Errorf("%w: version %d cannot be updated to %d", ErrIncompatibleUpdate, previous.Version, next.Version)
	}
	if previous.IsCompose() && !next.IsCompose() {
		return fmt.Errorf("%w: compose application cannot become version %d", ErrIncompatibleUpdate, next.Version)
	}

	if !previous.IsCompose() && !next.IsCompose() {
		if previous.Repotag != next.Repotag {
			return fmt.Errorf("%w: repotag %s cannot change", ErrIncompatibleUpdate, previous.Repotag)
		}
		return nil
	}

	// hidden components are checked once decrypted
	if !previous.IsCompose() || next.Enterprise != "" || previous.Enterprise != "" {
		return nil
	}
	if len(previous.Compose) != len(next.Compose) {
		return fmt.Errorf("%w: component count cannot change from %d to %d",
			ErrIncompatibleUpdate, len(previous.Compose), len(next.Compose))
	}
	names := make(map[string]struct{}, len(next.Compose))
	for _, comp := range next.Compose {
		names[comp.Name] = struct{}{}
	}
	for _, comp := range previous.Compose {
		if _, ok := names[comp.Name]; !ok {
			return fmt.Errorf("%w: component %s cannot be removed or renamed", ErrIncompatibleUpdate, comp.Name)
		}
	}
	return nil
}

var _ gossip.UpdateValidator = (*Coordinator)(nil)
