package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotStarted is returned when sending before Start
	ErrNotStarted = errors.New("membership is not started")
	// ErrUnknownPeer is returned when sending to a peer that is not a member
	ErrUnknownPeer = errors.New("unknown peer")
)

// Direction tells who initiated the connection to a peer
type Direction string

const (
	// Outgoing peers are seeds or nodes we reached while joining
	Outgoing Direction = "outgoing"
	// Incoming peers joined the cluster through someone else
	Incoming Direction = "incoming"
)

// MessageHandler receives gossip payloads from peers
type MessageHandler interface {
	HandleMessage(ctx context.Context, peer string, data []byte) error
}

// Config holds the peer transport settings
type Config struct {
	NodeName      string
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Seeds         []string
	ProbeInterval time.Duration
	Meta          map[string]string
}

// DefaultConfig returns the default membership configuration
func DefaultConfig() Config {
	return Config{
		BindAddr:      "0.0.0.0",
		BindPort:      7946,
		ProbeInterval: time.Second,
		Meta:          map[string]string{},
	}
}

// Peer describes one cluster member
type Peer struct {
	Name      string            `json:"name"`
	Address   string            `json:"address"`
	Status    string            `json:"status"`
	Direction Direction         `json:"direction"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// envelope carries the sender name so handlers can exclude it on rebroadcast
type envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Manager runs the memberlist cluster and exposes it as a peer transport
type Manager struct {
	config  Config
	list    *memberlist.Memberlist
	handler MessageHandler
	ctx     context.Context

	peers   map[string]Direction
	seeds   map[string]struct{}
	joining bool
	mu      sync.RWMutex

	logger *logrus.Logger
}

// NewManager creates a membership manager
func NewManager(config Config, logger *logrus.Logger) *Manager {
	seeds := make(map[string]struct{}, len(config.Seeds))
	for _, s := range config.Seeds {
		seeds[s] = struct{}{}
		if host, _, err := net.SplitHostPort(s); err == nil {
			seeds[host] = struct{}{}
		}
	}
	return &Manager{
		config: config,
		ctx:    context.Background(),
		peers:  make(map[string]Direction),
		seeds:  seeds,
		logger: logger,
	}
}

// WithHandler sets the receiver of inbound gossip payloads
func (m *Manager) WithHandler(h MessageHandler) *Manager {
	m.handler = h
	return m
}

// Start creates the memberlist and joins the configured seeds. Inbound
// messages are delivered with ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Starting membership protocol")
	m.ctx = ctx

	conf := memberlist.DefaultLANConfig()
	conf.Name = m.config.NodeName
	conf.BindAddr = m.config.BindAddr
	conf.BindPort = m.config.BindPort
	if m.config.AdvertiseAddr != "" {
		conf.AdvertiseAddr = m.config.AdvertiseAddr
		conf.AdvertisePort = m.config.BindPort
	}
	if m.config.AdvertisePort > 0 {
		conf.AdvertisePort = m.config.AdvertisePort
	}
	if m.config.ProbeInterval > 0 {
		conf.ProbeInterval = m.config.ProbeInterval
	}
	conf.LogOutput = m.logger.Writer()
	conf.Delegate = &delegate{manager: m}
	conf.Events = &eventDelegate{manager: m}

	list, err := memberlist.Create(conf)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	m.mu.Lock()
	m.list = list
	m.mu.Unlock()

	if len(m.config.Seeds) > 0 {
		if _, err := m.Join(m.config.Seeds); err != nil {
			m.logger.WithError(err).Warn("Failed to join seeds, waiting for incoming peers")
		}
	}
	return nil
}

// Join contacts the given addresses. Nodes learned during the join are
// treated as outgoing peers.
func (m *Manager) Join(addresses []string) (int, error) {
	m.logger.Infof("Joining cluster via %v", addresses)

	m.mu.Lock()
	list := m.list
	if list == nil {
		m.mu.Unlock()
		return 0, ErrNotStarted
	}
	m.joining = true
	m.mu.Unlock()

	n, err := list.Join(addresses)

	m.mu.Lock()
	m.joining = false
	m.mu.Unlock()
	return n, err
}

// Leave gracefully leaves the cluster and stops the transport
func (m *Manager) Leave(timeout time.Duration) error {
	m.mu.Lock()
	list := m.list
	m.list = nil
	m.mu.Unlock()
	if list == nil {
		return nil
	}

	m.logger.Info("Leaving cluster")
	if err := list.Leave(timeout); err != nil {
		m.logger.WithError(err).Warn("Failed to announce leave")
	}
	return list.Shutdown()
}

// Close leaves the cluster with a default timeout
func (m *Manager) Close() error {
	return m.Leave(5 * time.Second)
}

// OutgoingPeers returns the names of outgoing peers in stable order
func (m *Manager) OutgoingPeers() []string {
	return m.peersWith(Outgoing)
}

// IncomingPeers returns the names of incoming peers in stable order
func (m *Manager) IncomingPeers() []string {
	return m.peersWith(Incoming)
}

func (m *Manager) peersWith(dir Direction) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.peers))
	for name, d := range m.peers {
		if d == dir {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Send delivers a payload to one peer over the reliable channel
func (m *Manager) Send(ctx context.Context, peer string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()
	if list == nil {
		return ErrNotStarted
	}

	var target *memberlist.Node
	for _, n := range list.Members() {
		if n.Name == peer {
			target = n
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}

	buf, err := json.Marshal(envelope{From: m.config.NodeName, Payload: data})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := list.SendReliable(target, buf); err != nil {
		return fmt.Errorf("failed to send to %s: %w", peer, err)
	}
	return nil
}

// Members returns every known member except this node
func (m *Manager) Members() []Peer {
	m.mu.RLock()
	list := m.list
	m.mu.RUnlock()
	if list == nil {
		return nil
	}

	var result []Peer
	for _, n := range list.Members() {
		if n.Name == m.config.NodeName {
			continue
		}
		peer := Peer{
			Name:      n.Name,
			Address:   n.Address(),
			Status:    memberStatusToString(n.State),
			Direction: m.direction(n.Name),
		}
		if len(n.Meta) > 0 {
			var meta map[string]string
			if err := json.Unmarshal(n.Meta, &meta); err == nil {
				peer.Meta = meta
			}
		}
		result = append(result, peer)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

func (m *Manager) direction(name string) Direction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[name]
}

// deliver decodes an envelope and hands the payload to the handler
func (m *Manager) deliver(buf []byte) {
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		m.logger.WithError(err).Debug("Dropping malformed peer message")
		return
	}
	if m.handler == nil || len(env.Payload) == 0 {
		return
	}

	payload := append([]byte(nil), env.Payload...)
	go func() {
		if err := m.handler.HandleMessage(m.ctx, env.From, payload); err != nil {
			m.logger.WithError(err).WithField("peer", env.From).Debug("Failed to handle peer message")
		}
	}()
}

func (m *Manager) addPeer(node *memberlist.Node) {
	if node.Name == m.config.NodeName {
		return
	}

	m.mu.Lock()
	dir := Incoming
	if m.joining || m.isSeed(node) {
		dir = Outgoing
	}
	if _, known := m.peers[node.Name]; !known {
		m.peers[node.Name] = dir
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"peer":      node.Name,
		"address":   node.Address(),
		"direction": dir,
	}).Info("Peer joined")
}

func (m *Manager) removePeer(node *memberlist.Node) {
	m.mu.Lock()
	delete(m.peers, node.Name)
	m.mu.Unlock()

	m.logger.WithField("peer", node.Name).Info("Peer left")
}

func (m *Manager) isSeed(node *memberlist.Node) bool {
	if _, ok := m.seeds[node.Address()]; ok {
		return true
	}
	if node.Addr != nil {
		if _, ok := m.seeds[node.Addr.String()]; ok {
			return true
		}
	}
	return false
}

// StartHealthMonitoring logs the peer counts periodically
func (m *Manager) StartHealthMonitoring(ctx context.Context, interval time.Duration) {
	m.logger.Infof("Starting health monitoring with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.checkMembersHealth()
			case <-ctx.Done():
				m.logger.Info("Stopping health monitoring")
				return
			}
		}
	}()
}

func (m *Manager) checkMembersHealth() {
	outgoing, incoming := len(m.OutgoingPeers()), len(m.IncomingPeers())
	entry := m.logger.WithFields(logrus.Fields{
		"outgoing": outgoing,
		"incoming": incoming,
	})
	if outgoing+incoming == 0 {
		entry.Warn("No gossip peers connected")
		return
	}
	for _, p := range m.Members() {
		if p.Status != "alive" {
			m.logger.Warnf("Member %s is %s", p.Name, p.Status)
		}
	}
	entry.Debug("Gossip peers healthy")
}

// memberStatusToString converts a memberlist.NodeStateType to a string
func memberStatusToString(state memberlist.NodeStateType) string {
	switch state {
	case memberlist.StateAlive:
		return "alive"
	case memberlist.StateSuspect:
		return "suspect"
	case memberlist.StateDead:
		return "dead"
	case memberlist.StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

// delegate implements memberlist.Delegate
type delegate struct {
	manager *Manager
}

// NodeMeta advertises the configured metadata, ip and api port among others
func (d *delegate) NodeMeta(limit int) []byte {
	meta, err := json.Marshal(d.manager.config.Meta)
	if err != nil || len(meta) > limit {
		d.manager.logger.Warn("Node metadata does not fit, advertising none")
		return nil
	}
	return meta
}

// NotifyMsg is called for every user message; buf is only valid during the call
func (d *delegate) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}
	d.manager.deliver(buf)
}

// GetBroadcasts returns nothing, payloads go out through Send
func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate implements memberlist.EventDelegate
type eventDelegate struct {
	manager *Manager
}

func (e *eventDelegate) NotifyJoin(node *memberlist.Node) { e.manager.addPeer(node) }

func (e *eventDelegate) NotifyLeave(node *memberlist.Node) { e.manager.removePeer(node) }

func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.manager.logger.Debugf("Peer updated: %s (%s)", node.Name, node.Address())
}
