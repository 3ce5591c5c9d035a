package store

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

// pebbleEngine keeps every collection in one database under
// "<collection>\x00<id>" keys
type pebbleEngine struct {
	db *pebble.DB
}

func openPebble(dir string) (*pebbleEngine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database at %s: %w", dir, err)
	}
	return &pebbleEngine{db: db}, nil
}

func pebbleKey(collection, id string) []byte {
	return []byte(collection + "\x00" + id)
}

func (e *pebbleEngine) list(ctx context.Context, collection string) ([]record, error) {
	prefix := collection + "\x00"
	iter, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(collection + "\x01"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []record
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		body := make([]byte, len(iter.Value()))
		copy(body, iter.Value())
		out = append(out, record{
			id:   string(iter.Key()[len(prefix):]),
			body: body,
		})
	}
	return out, iter.Error()
}

func (e *pebbleEngine) put(_ context.Context, collection string, rec record) error {
	return e.db.Set(pebbleKey(collection, rec.id), rec.body, pebble.Sync)
}

func (e *pebbleEngine) remove(_ context.Context, collection, id string) error {
	return e.db.Delete(pebbleKey(collection, id), pebble.Sync)
}

func (e *pebbleEngine) close() error {
	return e.db.Close()
}
