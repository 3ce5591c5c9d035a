package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// record is one stored document
type record struct {
	id   string
	body []byte
}

// engine is the key-value layer a docStore runs on
type engine interface {
	list(ctx context.Context, collection string) ([]record, error)
	put(ctx context.Context, collection string, rec record) error
	remove(ctx context.Context, collection, id string) error
	close() error
}

// docStore implements Store on top of an engine. Writes are serialized so
// that read-modify-write operations such as upserts are atomic per process.
type docStore struct {
	engine engine
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

func newDocStore(e engine, logger *logrus.Logger) *docStore {
	return &docStore{engine: e, logger: logger}
}

func (s *docStore) matching(ctx context.Context, collection string, filter Filter) ([]record, error) {
	if s.closed {
		return nil, ErrClosed
	}
	all, err := s.engine.list(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}
	out := all[:0]
	for _, rec := range all {
		if filter.Match(rec.body) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Find returns matching documents in insertion order unless sorted
func (s *docStore) Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	recs = applyOptions(recs, opts)

	docs := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		docs = append(docs, json.RawMessage(rec.body))
	}
	return docs, nil
}

// FindOne returns the first matching document or ErrNotFound
func (s *docStore) FindOne(ctx context.Context, collection string, filter Filter, opts ...FindOption) (json.RawMessage, error) {
	docs, err := s.Find(ctx, collection, filter, append(opts, Limit(1))...)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// Insert adds a document to a collection
func (s *docStore) Insert(ctx context.Context, collection string, doc interface{}) error {
	body, err := encode(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.engine.put(ctx, collection, record{id: newID(), body: body}); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", collection, err)
	}
	return nil
}

// Update replaces matching documents
func (s *docStore) Update(ctx context.Context, collection string, filter Filter, doc interface{}, upsert bool) (int, error) {
	body, err := encode(doc)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		if !upsert {
			return 0, nil
		}
		if err := s.engine.put(ctx, collection, record{id: newID(), body: body}); err != nil {
			return 0, fmt.Errorf("failed to upsert into %s: %w", collection, err)
		}
		return 1, nil
	}

	for _, rec := range recs {
		if err := s.engine.put(ctx, collection, record{id: rec.id, body: body}); err != nil {
			return 0, fmt.Errorf("failed to update %s: %w", collection, err)
		}
	}
	return len(recs), nil
}

// Delete removes matching documents
func (s *docStore) Delete(ctx context.Context, collection string, filter Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := s.engine.remove(ctx, collection, rec.id); err != nil {
			return 0, fmt.Errorf("failed to delete from %s: %w", collection, err)
		}
	}
	if len(recs) > 0 {
		s.logger.WithFields(logrus.Fields{
			"collection": collection,
			"count":      len(recs),
		}).Debug("Documents deleted")
	}
	return len(recs), nil
}

// Count returns the number of matching documents
func (s *docStore) Count(ctx context.Context, collection string, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Aggregate groups matching documents by the value at path, ordered by key
func (s *docStore) Aggregate(ctx context.Context, collection string, filter Filter, path string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.matching(ctx, collection, filter)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*Group)
	for _, rec := range recs {
		key := gjson.GetBytes(rec.body, path).String()
		g, ok := groups[key]
		if !ok {
			g = &Group{Key: key}
			groups[key] = g
		}
		g.Count++
		g.Docs = append(g.Docs, json.RawMessage(rec.body))
	}

	out := make([]Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Close releases the engine
func (s *docStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.engine.close()
}

func encode(doc interface{}) ([]byte, error) {
	switch d := doc.(type) {
	case json.RawMessage:
		return d, nil
	case []byte:
		return d, nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return body, nil
}

// newID returns a time ordered id so engines iterate in insertion order
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
