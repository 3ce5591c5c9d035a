package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ao/swarmhost/internal/election"
	"github.com/ao/swarmhost/internal/gossip"
	"github.com/ao/swarmhost/internal/lifecycle"
	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/store"
)

func website(t *testing.T, repotag string) *spec.Specification {
	t.Helper()
	raw := fmt.Sprintf(`{"version":1,"name":"website","description":"","owner":"owner","repotag":%q,"port":31000,`+
		`"containerPort":80,"enviromentParameters":[],"commands":[],"containerData":"/data","cpu":0.5,"ram":500,"hdd":5}`, repotag)
	s, err := spec.Unmarshal([]byte(raw))
	require.NoError(t, err)
	return s
}

type fakeMessages struct {
	messages  map[string]*gossip.Message
	registry  map[string]*gossip.GlobalApp
	expire    []string
	confirmed []string
}

func (f *fakeMessages) Confirm(ctx context.Context, hash, txid string, height uint32, valueSat int64) error {
	if _, ok := f.messages[hash]; !ok {
		return store.ErrNotFound
	}
	f.confirmed = append(f.confirmed, hash)
	return nil
}

func (f *fakeMessages) Lookup(ctx context.Context, hash string) (*gossip.Message, error) {
	if m, ok := f.messages[hash]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeMessages) RegisteredApp(ctx context.Context, name string) (*gossip.GlobalApp, error) {
	if a, ok := f.registry[name]; ok {
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeMessages) ExpireApplications(ctx context.Context, height uint32) ([]string, error) {
	return f.expire, nil
}

type redeployCall struct {
	name string
	hash string
	mode lifecycle.Mode
}

type fakeLifecycle struct {
	busy      bool
	local     map[string]*lifecycle.LocalApp
	redeploys []redeployCall
	removes   []string
	err       error
	removeErr error
}

func (f *fakeLifecycle) Busy() bool { return f.busy }

func (f *fakeLifecycle) LocalApp(ctx context.Context, name string) (*lifecycle.LocalApp, error) {
	if a, ok := f.local[name]; ok {
		return a, nil
	}
	return nil, lifecycle.ErrNotInstalled
}

func (f *fakeLifecycle) Redeploy(ctx context.Context, app *gossip.GlobalApp, mode lifecycle.Mode, progress lifecycle.Progress) error {
	if f.err != nil {
		return f.err
	}
	f.redeploys = append(f.redeploys, redeployCall{name: app.Name, hash: app.Hash, mode: mode})
	return nil
}

func (f *fakeLifecycle) Remove(ctx context.Context, name string, mode lifecycle.Mode, broadcast bool, progress lifecycle.Progress) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.local, name)
	f.removes = append(f.removes, fmt.Sprintf("%s:%s:%t", name, mode, broadcast))
	return nil
}

func newOrchestrator(t *testing.T) (*Orchestrator, *fakeMessages, *fakeLifecycle) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	installed := website(t, "runonflux/website:1")
	updated := website(t, "runonflux/website:2")

	messages := &fakeMessages{
		messages: map[string]*gossip.Message{
			"h2": {Type: gossip.TypeUpdate, AppSpecifications: updated, Hash: "h2"},
			"r1": {Type: gossip.TypeRegister, AppSpecifications: website(t, "other:1"), Hash: "r1"},
		},
		registry: map[string]*gossip.GlobalApp{
			"website": {Name: "website", Hash: "h2", Specification: updated},
		},
	}
	lc := &fakeLifecycle{
		local: map[string]*lifecycle.LocalApp{
			"website": {Name: "website", Hash: "h1", Specification: installed},
		},
	}
	return New(NewState(time.Minute), messages, lc, NewChain(1000), logger), messages, lc
}

func TestChain_Advance(t *testing.T) {
	c := NewChain(100)
	assert.True(t, c.Advance(101))
	assert.False(t, c.Advance(101))
	assert.False(t, c.Advance(50))
	assert.Equal(t, uint32(101), c.Height())
}

func TestState(t *testing.T) {
	s := NewState(time.Minute)

	t.Run("Queue", func(t *testing.T) {
		assert.True(t, s.Enqueue("a"))
		assert.True(t, s.Enqueue("b"))
		assert.False(t, s.Enqueue("a"))
		assert.Equal(t, []string{"a", "b"}, s.Pending())

		name, ok := s.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "a", name)
		name, _ = s.Dequeue()
		assert.Equal(t, "b", name)
		_, ok = s.Dequeue()
		assert.False(t, ok)
	})

	t.Run("Records", func(t *testing.T) {
		s.SetRecord("db_shop", election.Record{Primary: "10.0.0.1"})
		s.SetRecord("db_gone", election.Record{Primary: "10.0.0.2"})

		assert.Equal(t, 1, s.PruneRecords(map[string]bool{"db_shop": true}))
		r, ok := s.Record("db_shop")
		require.True(t, ok)
		assert.Equal(t, "10.0.0.1", r.Primary)
		_, ok = s.Record("db_gone")
		assert.False(t, ok)
		assert.Len(t, s.Records(), 1)
	})

	t.Run("ReadinessExpires", func(t *testing.T) {
		short := NewState(20 * time.Millisecond)
		assert.False(t, short.IsReady("swarmdb_shop"))
		short.MarkReady("swarmdb_shop")
		assert.True(t, short.IsReady("swarmdb_shop"))
		time.Sleep(50 * time.Millisecond)
		assert.False(t, short.IsReady("swarmdb_shop"))
	})
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("QueuesInstalledUpdate", func(t *testing.T) {
		o, messages, _ := newOrchestrator(t)
		require.NoError(t, o.Confirm(ctx, "h2", "tx", 1001, 1000))
		assert.Equal(t, []string{"h2"}, messages.confirmed)
		assert.Equal(t, []string{"website"}, o.State().Pending())
		assert.Equal(t, uint32(1001), o.Chain().Height())
	})

	t.Run("IgnoresRegistrations", func(t *testing.T) {
		o, _, _ := newOrchestrator(t)
		require.NoError(t, o.Confirm(ctx, "r1", "tx", 1001, 1000))
		assert.Empty(t, o.State().Pending())
	})

	t.Run("UpToDate", func(t *testing.T) {
		o, _, lc := newOrchestrator(t)
		lc.local["website"].Hash = "h2"
		require.NoError(t, o.Confirm(ctx, "h2", "tx", 1001, 1000))
		assert.Empty(t, o.State().Pending())
	})

	t.Run("UnknownMessage", func(t *testing.T) {
		o, _, _ := newOrchestrator(t)
		assert.ErrorIs(t, o.Confirm(ctx, "missing", "tx", 1001, 1000), store.ErrNotFound)
	})

	t.Run("ExpiresInstalledApps", func(t *testing.T) {
		o, messages, lc := newOrchestrator(t)
		messages.expire = []string{"website", "elsewhere"}
		require.NoError(t, o.Confirm(ctx, "r1", "tx", 1001, 1000))
		assert.Equal(t, []string{"website:hard:true"}, lc.removes)

		lc.removes = nil
		require.NoError(t, o.Confirm(ctx, "r1", "tx", 999, 1000))
		assert.Empty(t, lc.removes)
	})
}

func TestProcessUpdates(t *testing.T) {
	ctx := context.Background()

	t.Run("Redeploys", func(t *testing.T) {
		o, _, lc := newOrchestrator(t)
		o.State().Enqueue("website")

		require.NoError(t, o.ProcessUpdates(ctx))
		require.Len(t, lc.redeploys, 1)
		assert.Equal(t, redeployCall{name: "website", hash: "h2", mode: lifecycle.Soft}, lc.redeploys[0])
		assert.Empty(t, o.State().Pending())
	})

	t.Run("WaitsWhileBusy", func(t *testing.T) {
		o, _, lc := newOrchestrator(t)
		lc.busy = true
		o.State().Enqueue("website")

		require.NoError(t, o.ProcessUpdates(ctx))
		assert.Empty(t, lc.redeploys)
		assert.Equal(t, []string{"website"}, o.State().Pending())
	})

	t.Run("RequeuesOnConflict", func(t *testing.T) {
		o, _, lc := newOrchestrator(t)
		lc.err = &lifecycle.ConflictError{Active: lifecycle.OpInstalling, Requested: lifecycle.OpSoftRedeploying}
		o.State().Enqueue("website")

		require.NoError(t, o.ProcessUpdates(ctx))
		assert.Equal(t, []string{"website"}, o.State().Pending())
	})

	t.Run("RemovesUnregistered", func(t *testing.T) {
		o, messages, lc := newOrchestrator(t)
		delete(messages.registry, "website")
		o.State().Enqueue("website")

		require.NoError(t, o.ProcessUpdates(ctx))
		assert.Empty(t, lc.redeploys)
		assert.Equal(t, []string{"website:hard:true"}, lc.removes)
		assert.Empty(t, o.State().Pending())
	})

	t.Run("ExpiryRetriedAfterConflict", func(t *testing.T) {
		o, messages, lc := newOrchestrator(t)
		messages.expire = []string{"website"}
		delete(messages.registry, "website")
		lc.removeErr = &lifecycle.ConflictError{Active: lifecycle.OpInstalling, Requested: lifecycle.OpRemoving}

		require.NoError(t, o.ExpireApplications(ctx, 1001))
		assert.Empty(t, lc.removes)
		assert.Equal(t, []string{"website"}, o.State().Pending())

		require.NoError(t, o.ProcessUpdates(ctx))
		assert.Equal(t, []string{"website"}, o.State().Pending())

		lc.removeErr = nil
		require.NoError(t, o.ProcessUpdates(ctx))
		assert.Equal(t, []string{"website:hard:true"}, lc.removes)
		assert.Empty(t, o.State().Pending())
		_, err := lc.LocalApp(ctx, "website")
		assert.ErrorIs(t, err, lifecycle.ErrNotInstalled)
	})
}
