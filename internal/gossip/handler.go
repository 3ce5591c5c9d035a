package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ao/swarmhost/internal/store"
)

// ErrNotPropagated is returned when a published message never came back
// from the network
var ErrNotPropagated = errors.New("message was not propagated by peers")

// Default retrieval wait, attempts times interval
const (
	DefaultWaitAttempts = 10
	DefaultWaitInterval = 500 * time.Millisecond
)

// Identity exposes the address this node advertises
type Identity interface {
	IP() string
}

// Handler dispatches inbound peer messages and publishes local ones
type Handler struct {
	store        *Store
	broadcaster  *Broadcaster
	identity     Identity
	now          func() time.Time
	waitAttempts int
	waitInterval time.Duration
	logger       *logrus.Logger
}

// NewHandler creates a message handler
func NewHandler(s *Store, b *Broadcaster, identity Identity, logger *logrus.Logger) *Handler {
	return &Handler{
		store:        s,
		broadcaster:  b,
		identity:     identity,
		now:          time.Now,
		waitAttempts: DefaultWaitAttempts,
		waitInterval: DefaultWaitInterval,
		logger:       logger,
	}
}

// WithClock overrides the time source
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// WithWait sets how long Publish waits for a message to come back
func (h *Handler) WithWait(attempts int, interval time.Duration) *Handler {
	h.waitAttempts = attempts
	h.waitInterval = interval
	return h
}

// Store returns the underlying message store
func (h *Handler) Store() *Store {
	return h.store
}

// HandleMessage processes one message received from peer. Messages that
// change local state are rebroadcast to every other peer.
func (h *Handler) HandleMessage(ctx context.Context, peer string, data []byte) error {
	rebroadcast, err := h.apply(ctx, peer, data)
	if err != nil {
		return err
	}
	if rebroadcast {
		sent := h.broadcaster.Broadcast(ctx, data, peer)
		h.logger.WithFields(logrus.Fields{
			"peer":  peer,
			"type":  gjson.GetBytes(data, "type").String(),
			"peers": sent,
		}).Debug("Rebroadcast message")
	}
	return nil
}

// apply updates local state from a message and reports whether it was new
func (h *Handler) apply(ctx context.Context, peer string, data []byte) (bool, error) {
	msgType := gjson.GetBytes(data, "type").String()

	var rebroadcast bool
	var err error
	switch msgType {
	case TypeRegister, TypeUpdate:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode %s message: %w", msgType, err)
		}
		rebroadcast, err = h.store.StoreTemporary(ctx, &msg)
	case TypeRunning:
		var msg RunningMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode running message: %w", err)
		}
		rebroadcast, err = h.handleRunning(ctx, &msg)
	case TypeInstalling:
		var msg InstallingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode installing message: %w", err)
		}
		rebroadcast, err = h.handleInstalling(ctx, &msg)
	case TypeInstallingError:
		var msg InstallingErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode installing error message: %w", err)
		}
		rebroadcast, err = h.handleInstallingError(ctx, &msg)
	case TypeRemoved:
		var msg RemovedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode removed message: %w", err)
		}
		rebroadcast, err = h.store.RemoveLocation(ctx, msg.AppName, msg.IP, msg.BroadcastedAt)
	case TypeIPChanged:
		var msg IPChangedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode ip change message: %w", err)
		}
		var n int
		n, err = h.store.ChangeIP(ctx, msg.OldIP, msg.NewIP)
		rebroadcast = n > 0
	case TypeRequest:
		var msg RequestMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return false, fmt.Errorf("failed to decode request message: %w", err)
		}
		return false, h.answerRequest(ctx, peer, &msg)
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
	}
	return rebroadcast, err
}

func (h *Handler) handleRunning(ctx context.Context, msg *RunningMessage) (bool, error) {
	now := h.now()
	broadcastedAt := time.UnixMilli(msg.BroadcastedAt)
	if broadcastedAt.Before(now.Add(-RunningMaxAge)) || broadcastedAt.After(now) {
		h.logger.WithFields(logrus.Fields{
			"ip":            msg.IP,
			"broadcastedAt": msg.BroadcastedAt,
		}).Debug("Dropping running message outside the accepted window")
		return false, nil
	}

	entries := msg.Entries()
	if len(entries) == 0 {
		n, err := h.store.ClearLocations(ctx, msg.IP, msg.BroadcastedAt)
		return n > 0, err
	}

	changed := false
	for _, app := range entries {
		updated, err := h.store.UpsertLocation(ctx, AppLocation{
			Name:          app.Name,
			Hash:          app.Hash,
			IP:            msg.IP,
			RunningSince:  app.RunningSince,
			BroadcastedAt: msg.BroadcastedAt,
			ExpireAt:      millis(broadcastedAt.Add(LocationTTL)),
			OSUptime:      msg.OSUptime,
			StaticIP:      msg.StaticIP,
		})
		if err != nil {
			return changed, err
		}
		if updated {
			changed = true
			if _, err := h.store.db.Delete(ctx, store.InstallingLocations, byNameIP(app.Name, msg.IP)); err != nil {
				return changed, err
			}
		}
	}
	return changed, nil
}

func (h *Handler) handleInstalling(ctx context.Context, msg *InstallingMessage) (bool, error) {
	broadcastedAt := time.UnixMilli(msg.BroadcastedAt)
	if broadcastedAt.Add(InstallingTTL).Before(h.now()) {
		return false, nil
	}
	return h.store.UpsertInstalling(ctx, InstallingLocation{
		Name:          msg.Name,
		IP:            msg.IP,
		BroadcastedAt: msg.BroadcastedAt,
		ExpireAt:      millis(broadcastedAt.Add(InstallingTTL)),
	})
}

func (h *Handler) handleInstallingError(ctx context.Context, msg *InstallingErrorMessage) (bool, error) {
	broadcastedAt := time.UnixMilli(msg.BroadcastedAt)
	if broadcastedAt.Add(InstallingErrorTTL).Before(h.now()) {
		return false, nil
	}
	return h.store.UpsertInstallingError(ctx, InstallingErrorLocation{
		Name:          msg.Name,
		Hash:          msg.Hash,
		IP:            msg.IP,
		Error:         msg.Error,
		BroadcastedAt: msg.BroadcastedAt,
		ExpireAt:      millis(broadcastedAt.Add(InstallingErrorTTL)),
	})
}

// answerRequest sends every requested message this node knows back to peer
func (h *Handler) answerRequest(ctx context.Context, peer string, msg *RequestMessage) error {
	hashes := msg.Hashes
	if msg.Version == 1 || len(hashes) == 0 {
		hashes = []string{msg.Hash}
	}

	for _, hash := range hashes {
		if hash == "" {
			continue
		}
		found, err := h.store.Lookup(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		reply := *found
		reply.TxID, reply.Height, reply.ValueSat = "", 0, 0
		data, err := json.Marshal(&reply)
		if err != nil {
			return fmt.Errorf("failed to encode reply: %w", err)
		}
		if err := h.broadcaster.SendTo(ctx, peer, data); err != nil {
			return fmt.Errorf("failed to answer request from %s: %w", peer, err)
		}
	}
	return nil
}

// RequestByHash asks every peer for the given messages
func (h *Handler) RequestByHash(ctx context.Context, hashes ...string) error {
	req := RequestMessage{Type: TypeRequest, Version: 1}
	if len(hashes) == 1 {
		req.Hash = hashes[0]
	} else {
		req.Version = 2
		req.Hashes = hashes
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	h.broadcaster.Broadcast(ctx, data, "")
	return nil
}

// WaitFor polls the local store until the message with hash is known
func (h *Handler) WaitFor(ctx context.Context, hash string) error {
	for i := 0; i < h.waitAttempts; i++ {
		if _, err := h.store.Lookup(ctx, hash); err == nil {
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		select {
		case <-time.After(h.waitInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotPropagated, hash)
}

// Publish sends a signed register or update message to the network. The
// message is accepted once a peer hands it back and it passes local
// verification.
func (h *Handler) Publish(ctx context.Context, msg *Message) error {
	if err := VerifyHash(msg); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	sent := h.broadcaster.Broadcast(ctx, data, "")
	h.logger.WithFields(logrus.Fields{
		"hash":  msg.Hash,
		"app":   msg.AppName(),
		"peers": sent,
	}).Info("Published application message")

	if err := h.RequestByHash(ctx, msg.Hash); err != nil {
		return err
	}
	return h.WaitFor(ctx, msg.Hash)
}

// announce applies a locally produced message and broadcasts it
func (h *Handler) announce(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := h.apply(ctx, "", data); err != nil {
		return err
	}
	h.broadcaster.Broadcast(ctx, data, "")
	return nil
}

// AnnounceInstalling tells peers this node started installing name
func (h *Handler) AnnounceInstalling(ctx context.Context, name string) error {
	return h.announce(ctx, InstallingMessage{
		Type:          TypeInstalling,
		Version:       1,
		Name:          name,
		IP:            h.identity.IP(),
		BroadcastedAt: millis(h.now()),
	})
}

// AnnounceInstallError tells peers an install of name failed
func (h *Handler) AnnounceInstallError(ctx context.Context, name, hash string, cause error) error {
	return h.announce(ctx, InstallingErrorMessage{
		Type:          TypeInstallingError,
		Version:       1,
		Name:          name,
		Hash:          hash,
		IP:            h.identity.IP(),
		Error:         cause.Error(),
		BroadcastedAt: millis(h.now()),
	})
}

// AnnounceRemoved tells peers this node no longer runs name
func (h *Handler) AnnounceRemoved(ctx context.Context, name string) error {
	return h.announce(ctx, RemovedMessage{
		Type:          TypeRemoved,
		Version:       1,
		IP:            h.identity.IP(),
		AppName:       name,
		BroadcastedAt: millis(h.now()),
	})
}

// AnnounceIPChange tells peers this node moved to a new address
func (h *Handler) AnnounceIPChange(ctx context.Context, oldIP, newIP string) error {
	return h.announce(ctx, IPChangedMessage{
		Type:          TypeIPChanged,
		Version:       1,
		OldIP:         oldIP,
		NewIP:         newIP,
		BroadcastedAt: millis(h.now()),
	})
}

// AnnounceRunning applies and broadcasts a running message
func (h *Handler) AnnounceRunning(ctx context.Context, msg RunningMessage) error {
	return h.announce(ctx, msg)
}
