package orchestrator

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/ao/swarmhost/internal/election"
)

// DefaultReadyTTL is how long a replica stays known as in sync
const DefaultReadyTTL = 30 * time.Minute

// State is the shared in-memory state of the node: replica readiness,
// primary records of replicated components and pending app updates
type State struct {
	ready   *ttlcache.Cache[string, struct{}]
	records map[string]election.Record
	pending []string
	mu      sync.Mutex
}

// NewState creates the node state. Readiness entries expire after ttl.
func NewState(ttl time.Duration) *State {
	if ttl <= 0 {
		ttl = DefaultReadyTTL
	}
	return &State{
		ready: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		records: make(map[string]election.Record),
	}
}

// IsReady reports whether a replica finished syncing recently
func (s *State) IsReady(id string) bool {
	return s.ready.Get(id) != nil
}

// MarkReady remembers that a replica is in sync
func (s *State) MarkReady(id string) {
	s.ready.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

// Record returns the primary record of a component
func (s *State) Record(id string) (election.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r, ok
}

// SetRecord stores the primary record of a component
func (s *State) SetRecord(id string, r election.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = r
}

// PruneRecords drops the records of components not in keep
func (s *State) PruneRecords(keep map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id := range s.records {
		if !keep[id] {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// Records returns a copy of every primary record
func (s *State) Records() map[string]election.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]election.Record, len(s.records))
	for id, r := range s.records {
		out[id] = r
	}
	return out
}

// Enqueue schedules an app for update. It reports false when the app is
// already waiting.
func (s *State) Enqueue(app string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.pending {
		if name == app {
			return false
		}
	}
	s.pending = append(s.pending, app)
	return true
}

// Dequeue takes the oldest pending update
func (s *State) Dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return "", false
	}
	app := s.pending[0]
	s.pending = s.pending[1:]
	return app, true
}

// Pending returns the apps waiting for an update
func (s *State) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// StartExpiry removes expired readiness entries until Stop is called
func (s *State) StartExpiry() {
	go s.ready.Start()
}

// Stop ends the readiness expiry loop. It must only follow StartExpiry.
func (s *State) Stop() {
	s.ready.Stop()
}

var (
	_ election.Tracker    = (*State)(nil)
	_ election.ReadyCache = (*State)(nil)
)
