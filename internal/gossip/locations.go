package gossip

import (
	"context"
	"errors"
	"fmt"

	"github.com/ao/swarmhost/internal/store"
)

func byNameIP(name, ip string) store.Filter {
	return store.Where(store.EqFold("name", name), store.Eq("ip", ip))
}

// UpsertLocation stores a location row unless a newer broadcast for the same
// (name, ip) is already known. It reports whether the row changed.
func (s *Store) UpsertLocation(ctx context.Context, loc AppLocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := store.FindOneAs[AppLocation](ctx, s.db, store.Locations, byNameIP(loc.Name, loc.IP))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err == nil && current.BroadcastedAt >= loc.BroadcastedAt {
		return false, nil
	}
	if _, err := s.db.Update(ctx, store.Locations, byNameIP(loc.Name, loc.IP), loc, true); err != nil {
		return false, fmt.Errorf("failed to store location: %w", err)
	}
	return true, nil
}

// RemoveLocation deletes the (name, ip) row if it was broadcast before the
// removal. It reports whether a row was deleted.
func (s *Store) RemoveLocation(ctx context.Context, name, ip string, broadcastedAt int64) (bool, error) {
	filter := append(byNameIP(name, ip), store.Lte("broadcastedAt", broadcastedAt))
	n, err := s.db.Delete(ctx, store.Locations, filter)
	if err != nil {
		return false, fmt.Errorf("failed to remove location: %w", err)
	}
	return n > 0, nil
}

// ClearLocations deletes every location of a node broadcast before the
// given time
func (s *Store) ClearLocations(ctx context.Context, ip string, broadcastedAt int64) (int, error) {
	return s.db.Delete(ctx, store.Locations, store.Where(store.Eq("ip", ip), store.Lt("broadcastedAt", broadcastedAt)))
}

// ChangeIP rewrites the address of every row of a node
func (s *Store) ChangeIP(ctx context.Context, oldIP, newIP string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locs, err := store.FindAs[AppLocation](ctx, s.db, store.Locations, store.Where(store.Eq("ip", oldIP)))
	if err != nil {
		return 0, err
	}
	for _, loc := range locs {
		filter := byNameIP(loc.Name, oldIP)
		loc.IP = newIP
		if _, err := s.db.Delete(ctx, store.Locations, byNameIP(loc.Name, newIP)); err != nil {
			return 0, err
		}
		if _, err := s.db.Update(ctx, store.Locations, filter, loc, false); err != nil {
			return 0, fmt.Errorf("failed to rewrite location ip: %w", err)
		}
	}
	return len(locs), nil
}

// Locations returns every known location of an application
func (s *Store) Locations(ctx context.Context, name string) ([]AppLocation, error) {
	return store.FindAs[AppLocation](ctx, s.db, store.Locations, store.Where(store.EqFold("name", name)))
}

// AllLocations returns every known location
func (s *Store) AllLocations(ctx context.Context) ([]AppLocation, error) {
	return store.FindAs[AppLocation](ctx, s.db, store.Locations, store.All, store.SortBy("name", false))
}

// UpsertInstalling records an install in progress. It reports whether the
// row changed.
func (s *Store) UpsertInstalling(ctx context.Context, loc InstallingLocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := store.FindOneAs[InstallingLocation](ctx, s.db, store.InstallingLocations, byNameIP(loc.Name, loc.IP))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err == nil && current.BroadcastedAt >= loc.BroadcastedAt {
		return false, nil
	}
	if _, err := s.db.Update(ctx, store.InstallingLocations, byNameIP(loc.Name, loc.IP), loc, true); err != nil {
		return false, fmt.Errorf("failed to store installing location: %w", err)
	}
	return true, nil
}

// InstallingLocations returns installs in progress for an application
func (s *Store) InstallingLocations(ctx context.Context, name string) ([]InstallingLocation, error) {
	return store.FindAs[InstallingLocation](ctx, s.db, store.InstallingLocations, store.Where(store.EqFold("name", name)))
}

// UpsertInstallingError records a failed install and drops the matching
// installing row. It reports whether the row changed.
func (s *Store) UpsertInstallingError(ctx context.Context, loc InstallingErrorLocation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := store.FindOneAs[InstallingErrorLocation](ctx, s.db, store.InstallingErrorLocations, byNameIP(loc.Name, loc.IP))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if err == nil && current.BroadcastedAt >= loc.BroadcastedAt {
		return false, nil
	}
	if _, err := s.db.Update(ctx, store.InstallingErrorLocations, byNameIP(loc.Name, loc.IP), loc, true); err != nil {
		return false, fmt.Errorf("failed to store installing error: %w", err)
	}
	if _, err := s.db.Delete(ctx, store.InstallingLocations, byNameIP(loc.Name, loc.IP)); err != nil {
		return false, fmt.Errorf("failed to clear installing location: %w", err)
	}
	return true, nil
}

// InstallingErrors returns recent install failures for an application
func (s *Store) InstallingErrors(ctx context.Context, name string) ([]InstallingErrorLocation, error) {
	return store.FindAs[InstallingErrorLocation](ctx, s.db, store.InstallingErrorLocations, store.Where(store.EqFold("name", name)))
}

// InstanceCount returns the number of nodes running or installing an app
func (s *Store) InstanceCount(ctx context.Context, name string) (int, error) {
	running, err := s.db.Count(ctx, store.Locations, store.Where(store.EqFold("name", name)))
	if err != nil {
		return 0, err
	}
	installing, err := s.db.Count(ctx, store.InstallingLocations, store.Where(store.EqFold("name", name)))
	if err != nil {
		return 0, err
	}
	return running + installing, nil
}
