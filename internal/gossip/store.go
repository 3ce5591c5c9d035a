package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/spec"
	"github.com/ao/swarmhost/internal/store"
)

var (
	// ErrNameTaken is returned for a register message of an existing app
	ErrNameTaken = errors.New("application name already registered")
	// ErrUnknownApplication is returned for an update of an unregistered app
	ErrUnknownApplication = errors.New("application is not registered")
	// ErrUnknownType is returned for messages the store does not handle
	ErrUnknownType = errors.New("unknown message type")
)

// Chain reports the current chain height
type Chain interface {
	Height() uint32
}

// UpdateValidator checks an update against the previous specification
type UpdateValidator interface {
	CheckUpdateCompatibility(ctx context.Context, next *spec.Specification, timestamp int64) error
}

// Store keeps temporary and permanent application messages
type Store struct {
	db                 store.Store
	chain              Chain
	updateValidator    UpdateValidator
	marketplaceSupport string
	now                func() time.Time
	mu                 sync.Mutex
	logger             *logrus.Logger
}

// NewStore creates a message store on top of a document store
func NewStore(db store.Store, chain Chain, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		chain:  chain,
		now:    time.Now,
		logger: logger,
	}
}

// WithUpdateValidator sets the compatibility check run on update messages
func (s *Store) WithUpdateValidator(v UpdateValidator) *Store {
	s.updateValidator = v
	return s
}

// WithMarketplaceSupport sets the address allowed to sign marketplace updates
func (s *Store) WithMarketplaceSupport(address string) *Store {
	s.marketplaceSupport = address
	return s
}

// WithClock overrides the time source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// StoreTemporary verifies a register or update message and stores it as
// pending. It returns true when the message is new and should be
// rebroadcast. Already known messages return false without error.
func (s *Store) StoreTemporary(ctx context.Context, msg *Message) (bool, error) {
	if msg.Type != TypeRegister && msg.Type != TypeUpdate {
		return false, fmt.Errorf("%w: %s", ErrUnknownType, msg.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	known, err := s.known(ctx, msg.Hash)
	if err != nil {
		return false, err
	}
	if known {
		return false, nil
	}

	if err := s.verify(ctx, msg); err != nil {
		s.logger.WithFields(logrus.Fields{
			"hash": msg.Hash,
			"type": msg.Type,
			"app":  msg.AppName(),
		}).WithError(err).Warn("Rejected application message")
		return false, err
	}

	now := s.now()
	tmp := TemporaryMessage{
		Message:    *msg,
		ReceivedAt: millis(now),
		ExpireAt:   millis(now.Add(TemporaryMessageTTL)),
	}
	tmp.TxID, tmp.Height, tmp.ValueSat = "", 0, 0
	if err := s.db.Insert(ctx, store.TemporaryMessages, tmp); err != nil {
		return false, fmt.Errorf("failed to store temporary message: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"hash": msg.Hash,
		"type": msg.Type,
		"app":  msg.AppName(),
	}).Info("Stored temporary application message")
	return true, nil
}

func (s *Store) known(ctx context.Context, hash string) (bool, error) {
	n, err := s.db.Count(ctx, store.PermanentMessages, store.Where(store.Eq("hash", hash)))
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	n, err = s.db.Count(ctx, store.TemporaryMessages, store.Where(store.Eq("hash", hash)))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) verify(ctx context.Context, msg *Message) error {
	if err := VerifyHash(msg); err != nil {
		return err
	}

	app := msg.AppSpecifications
	if err := spec.Check(app, s.chain.Height()); err != nil {
		return err
	}

	registered, err := s.RegisteredApp(ctx, app.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch msg.Type {
	case TypeRegister:
		if registered != nil {
			return fmt.Errorf("%w: %s", ErrNameTaken, app.Name)
		}
		return VerifySignature(msg, app.Owner)

	default:
		if registered == nil {
			return fmt.Errorf("%w: %s", ErrUnknownApplication, app.Name)
		}
		signers := []string{registered.Owner}
		if s.marketplaceSupport != "" && HasMarketplaceToken(app.Name, s.now()) {
			signers = append(signers, s.marketplaceSupport)
		}
		if err := VerifySignature(msg, signers...); err != nil {
			return err
		}
		if s.updateValidator != nil {
			return s.updateValidator.CheckUpdateCompatibility(ctx, app, msg.Timestamp)
		}
		return nil
	}
}

// TemporaryByHash returns a pending message
func (s *Store) TemporaryByHash(ctx context.Context, hash string) (*TemporaryMessage, error) {
	tmp, err := store.FindOneAs[TemporaryMessage](ctx, s.db, store.TemporaryMessages, store.Where(store.Eq("hash", hash)))
	if err != nil {
		return nil, err
	}
	return &tmp, nil
}

// PermanentByHash returns a confirmed message
func (s *Store) PermanentByHash(ctx context.Context, hash string) (*Message, error) {
	msg, err := store.FindOneAs[Message](ctx, s.db, store.PermanentMessages, store.Where(store.Eq("hash", hash)))
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Lookup returns a message by hash from either store
func (s *Store) Lookup(ctx context.Context, hash string) (*Message, error) {
	msg, err := s.PermanentByHash(ctx, hash)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	tmp, err := s.TemporaryByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &tmp.Message, nil
}

// Confirm promotes the pending message with the given hash
func (s *Store) Confirm(ctx context.Context, hash, txid string, height uint32, valueSat int64) error {
	tmp, err := s.TemporaryByHash(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to find pending message %s: %w", hash, err)
	}
	return s.PromoteToPermanent(ctx, &tmp.Message, txid, height, valueSat)
}

// PromoteToPermanent records a chain-confirmed message and refreshes the
// global registry entry of its application
func (s *Store) PromoteToPermanent(ctx context.Context, msg *Message, txid string, height uint32, valueSat int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash := store.Where(store.Eq("hash", msg.Hash))
	permanent := *msg
	permanent.TxID = txid
	permanent.Height = height
	permanent.ValueSat = valueSat

	if _, err := s.db.Update(ctx, store.PermanentMessages, byHash, permanent, true); err != nil {
		return fmt.Errorf("failed to store permanent message: %w", err)
	}
	if _, err := s.db.Delete(ctx, store.TemporaryMessages, byHash); err != nil {
		return fmt.Errorf("failed to delete temporary message: %w", err)
	}

	app := msg.AppSpecifications
	current, err := s.RegisteredApp(ctx, app.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if current != nil && (current.Timestamp > msg.Timestamp ||
		(current.Timestamp == msg.Timestamp && current.Height > height)) {
		return nil
	}

	entry := GlobalApp{
		Name:          app.Name,
		Owner:         app.Owner,
		Hash:          msg.Hash,
		Height:        height,
		Timestamp:     msg.Timestamp,
		Specification: app,
	}
	if _, err := s.db.Update(ctx, store.GlobalApps, store.Where(store.EqFold("name", app.Name)), entry, true); err != nil {
		return fmt.Errorf("failed to update global registry: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"hash":   msg.Hash,
		"app":    app.Name,
		"height": height,
	}).Info("Application message confirmed")
	return nil
}

// RegisteredApp returns the registry entry of an application
func (s *Store) RegisteredApp(ctx context.Context, name string) (*GlobalApp, error) {
	app, err := store.FindOneAs[GlobalApp](ctx, s.db, store.GlobalApps, store.Where(store.EqFold("name", name)))
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// RegisteredApps returns every registry entry
func (s *Store) RegisteredApps(ctx context.Context) ([]GlobalApp, error) {
	return store.FindAs[GlobalApp](ctx, s.db, store.GlobalApps, store.All, store.SortBy("name", false))
}

// PreviousSpecification returns the specification of name as it was right
// before the given timestamp, taking the latest confirmed register or
// update message not newer than it
func (s *Store) PreviousSpecification(ctx context.Context, name string, before int64) (*spec.Specification, error) {
	msg, err := store.FindOneAs[Message](ctx, s.db, store.PermanentMessages,
		store.Where(
			store.EqFold("appSpecifications.name", name),
			store.In("type", TypeRegister, TypeUpdate),
			store.Lte("timestamp", before),
		),
		store.SortBy("timestamp", true),
		store.SortBy("height", true),
	)
	if err != nil {
		return nil, err
	}
	return msg.AppSpecifications, nil
}

// ExpireApplications deletes the history and registry entry of every app
// whose registration lifetime ended before height
func (s *Store) ExpireApplications(ctx context.Context, height uint32) ([]string, error) {
	apps, err := s.RegisteredApps(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for _, app := range apps {
		if app.Specification == nil {
			continue
		}
		if uint64(app.Height)+uint64(app.Specification.ExpireBlocks()) >= uint64(height) {
			continue
		}
		if _, err := s.db.Delete(ctx, store.PermanentMessages, store.Where(store.EqFold("appSpecifications.name", app.Name))); err != nil {
			return expired, fmt.Errorf("failed to delete messages of %s: %w", app.Name, err)
		}
		if _, err := s.db.Delete(ctx, store.GlobalApps, store.Where(store.EqFold("name", app.Name))); err != nil {
			return expired, fmt.Errorf("failed to delete registry entry of %s: %w", app.Name, err)
		}
		expired = append(expired, app.Name)
	}

	if len(expired) > 0 {
		s.logger.WithFields(logrus.Fields{
			"height": height,
			"apps":   expired,
		}).Info("Expired applications removed")
	}
	return expired, nil
}

// Prune deletes expired temporary messages and location rows
func (s *Store) Prune(ctx context.Context) error {
	now := millis(s.now())
	for _, collection := range []string{
		store.TemporaryMessages,
		store.Locations,
		store.InstallingLocations,
		store.InstallingErrorLocations,
	} {
		n, err := s.db.Delete(ctx, collection, store.Where(store.Lt("expireAt", now)))
		if err != nil {
			return fmt.Errorf("failed to prune %s: %w", collection, err)
		}
		if n > 0 {
			s.logger.WithFields(logrus.Fields{
				"collection": collection,
				"count":      n,
			}).Debug("Pruned expired documents")
		}
	}
	return nil
}

// StartMaintenance prunes expired documents periodically
func (s *Store) StartMaintenance(ctx context.Context, interval time.Duration) {
	s.logger.Infof("Starting message store maintenance with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Prune(ctx); err != nil {
					s.logger.WithError(err).Error("Failed to prune message store")
				}
			case <-ctx.Done():
				s.logger.Info("Stopping message store maintenance")
				return
			}
		}
	}()
}
