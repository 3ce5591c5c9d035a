// Package store is the document store shared by the gossip, lifecycle and
// election components. Documents are JSON objects kept in named collections
// and matched with gjson path filters.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned by FindOne when nothing matches
	ErrNotFound = errors.New("document not found")
	// ErrUnsupportedBackend is returned by Open for unknown backends
	ErrUnsupportedBackend = errors.New("unsupported store backend")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("store is closed")
)

// Backend names accepted by Open
const (
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Collections used by the node
const (
	TemporaryMessages        = "appsTemporaryMessages"
	PermanentMessages        = "appsMessages"
	Locations                = "appsLocations"
	InstallingLocations      = "appsInstallingLocations"
	InstallingErrorLocations = "appsInstallingErrorsLocations"
	LocalApps                = "localAppsInformation"
	GlobalApps               = "globalAppsInformation"
	Volumes                  = "appsVolumes"
)

// Group is one bucket of an aggregation
type Group struct {
	Key   string            `json:"key"`
	Count int               `json:"count"`
	Docs  []json.RawMessage `json:"docs"`
}

// Store is a document store over named collections
type Store interface {
	Find(ctx context.Context, collection string, filter Filter, opts ...FindOption) ([]json.RawMessage, error)
	FindOne(ctx context.Context, collection string, filter Filter, opts ...FindOption) (json.RawMessage, error)
	Insert(ctx context.Context, collection string, doc interface{}) error
	// Update replaces every matching document with doc. With upsert set, doc
	// is inserted when nothing matches. It returns the number of documents
	// written.
	Update(ctx context.Context, collection string, filter Filter, doc interface{}, upsert bool) (int, error)
	Delete(ctx context.Context, collection string, filter Filter) (int, error)
	Count(ctx context.Context, collection string, filter Filter) (int, error)
	// Aggregate groups matching documents by the string value at path
	Aggregate(ctx context.Context, collection string, filter Filter, path string) ([]Group, error)
	Close() error
}

// Open creates a store for the given backend. For sqlite path is a database
// file, for pebble a directory.
func Open(backend, path string, logger *logrus.Logger) (Store, error) {
	var b engine
	var err error
	switch backend {
	case BackendSQLite, "":
		b, err = openSQLite(path)
	case BackendPebble:
		b, err = openPebble(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"backend": backend,
		"path":    path,
	}).Info("Document store opened")

	return newDocStore(b, logger), nil
}

// FindAs decodes every matching document into T
func FindAs[T any](ctx context.Context, s Store, collection string, filter Filter, opts ...FindOption) ([]T, error) {
	docs, err := s.Find(ctx, collection, filter, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", collection, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// FindOneAs decodes the first matching document into T
func FindOneAs[T any](ctx context.Context, s Store, collection string, filter Filter, opts ...FindOption) (T, error) {
	var v T
	doc, err := s.FindOne(ctx, collection, filter, opts...)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return v, fmt.Errorf("failed to decode %s document: %w", collection, err)
	}
	return v, nil
}
