package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ao/swarmhost/internal/spec"
)

// Tier is the hardware class of a node
type Tier string

const (
	// TierBasic is the smallest node class
	TierBasic Tier = "basic"
	// TierSuper is the middle node class
	TierSuper Tier = "super"
	// TierBamf is the largest node class
	TierBamf Tier = "bamf"
)

// ErrUnknownTier is returned for tiers other than basic, super and bamf
var ErrUnknownTier = errors.New("unknown node tier")

// Hardware is an amount of cpu cores, ram in MB and hdd in GB
type Hardware struct {
	CPU float64 `json:"cpu"`
	RAM int     `json:"ram"`
	HDD int     `json:"hdd"`
}

// Fits reports whether h stays within limit
func (h Hardware) Fits(limit Hardware) bool {
	return h.CPU <= limit.CPU+1e-9 && h.RAM <= limit.RAM && h.HDD <= limit.HDD
}

// Add returns the sum of two amounts
func (h Hardware) Add(o Hardware) Hardware {
	return Hardware{CPU: h.CPU + o.CPU, RAM: h.RAM + o.RAM, HDD: h.HDD + o.HDD}
}

// Config describes this node
type Config struct {
	IP       string
	StaticIP bool
	Tier     Tier
	APIPort  int
	DataDir  string
}

// Info is the status view of the node
type Info struct {
	ID       string   `json:"id"`
	IP       string   `json:"ip"`
	StaticIP bool     `json:"staticIp"`
	Tier     Tier     `json:"tier"`
	APIPort  int      `json:"apiPort"`
	Capacity Hardware `json:"capacity"`
	Uptime   int64    `json:"uptime"`
}

// Manager holds the identity of the local node
type Manager struct {
	id        string
	ip        string
	staticIP  bool
	pinnedIP  bool
	tier      Tier
	apiPort   int
	startedAt time.Time
	mu        sync.RWMutex
	logger    *logrus.Logger
}

// NewManager creates the node identity. Without a configured ip the first
// non-loopback IPv4 address is used and watched for changes.
func NewManager(config Config, logger *logrus.Logger) (*Manager, error) {
	if _, _, _, ok := spec.TierCapacity(string(config.Tier)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, config.Tier)
	}

	ip := config.IP
	if ip == "" {
		ip = getLocalIP()
	}

	m := &Manager{
		id:        getPersistentNodeID(config.DataDir, logger),
		ip:        ip,
		staticIP:  config.StaticIP,
		pinnedIP:  config.IP != "",
		tier:      config.Tier,
		apiPort:   config.APIPort,
		startedAt: time.Now(),
		logger:    logger,
	}

	logger.WithFields(logrus.Fields{
		"id":   m.id,
		"ip":   m.ip,
		"tier": m.tier,
	}).Info("Node identity initialized")
	return m, nil
}

// ID returns the persistent node id
func (m *Manager) ID() string {
	return m.id
}

// IP returns the address this node advertises
func (m *Manager) IP() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ip
}

// SetIP replaces the advertised address and returns the previous one
func (m *Manager) SetIP(ip string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.ip
	m.ip = ip
	return old
}

// StaticIP reports whether the node has a static public address
func (m *Manager) StaticIP() bool {
	return m.staticIP
}

// Tier returns the hardware class of the node
func (m *Manager) Tier() Tier {
	return m.tier
}

// APIPort returns the port of the status API
func (m *Manager) APIPort() int {
	return m.apiPort
}

// Capacity returns the hardware the node can hand to applications
func (m *Manager) Capacity() Hardware {
	cpu, ram, hdd, _ := spec.TierCapacity(string(m.tier))
	return Hardware{CPU: cpu, RAM: ram, HDD: hdd}
}

// Uptime returns the operating system uptime in seconds, or the process
// uptime where the system value is unavailable
func (m *Manager) Uptime() int64 {
	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if secs, err := strconv.ParseFloat(fields[0], 64); err == nil {
				return int64(secs)
			}
		}
	}
	return int64(time.Since(m.startedAt).Seconds())
}

// Info returns the status view of the node
func (m *Manager) Info() Info {
	return Info{
		ID:       m.id,
		IP:       m.IP(),
		StaticIP: m.staticIP,
		Tier:     m.tier,
		APIPort:  m.apiPort,
		Capacity: m.Capacity(),
		Uptime:   m.Uptime(),
	}
}

// StartIPMonitoring checks the local address every interval and calls
// onChange when it moved. Nodes with a configured ip are not watched.
func (m *Manager) StartIPMonitoring(ctx context.Context, interval time.Duration, onChange func(oldIP, newIP string)) {
	if m.pinnedIP {
		return
	}
	m.logger.Infof("Starting ip monitoring with interval %s", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.checkIP(getLocalIP(), onChange)
			case <-ctx.Done():
				m.logger.Info("Stopping ip monitoring")
				return
			}
		}
	}()
}

func (m *Manager) checkIP(current string, onChange func(oldIP, newIP string)) bool {
	if current == "" || current == m.IP() {
		return false
	}
	old := m.SetIP(current)
	m.logger.WithFields(logrus.Fields{
		"old": old,
		"new": current,
	}).Warn("Node ip changed")
	if onChange != nil {
		onChange(old, current)
	}
	return true
}

// getLocalIP returns the first non-loopback IPv4 address
func getLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}

// getPersistentNodeID reads the node id from dataDir or creates one
func getPersistentNodeID(dataDir string, logger *logrus.Logger) string {
	if dataDir == "" {
		return fmt.Sprintf("node-%s", uuid.New().String())
	}
	path := filepath.Join(dataDir, "node_id")

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return strings.TrimSpace(string(data))
	}

	nodeID := fmt.Sprintf("node-%s", uuid.New().String())
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.WithError(err).Warn("Failed to create data directory")
		return nodeID
	}
	if err := os.WriteFile(path, []byte(nodeID), 0644); err != nil {
		logger.WithError(err).Warn("Failed to persist node id")
	}
	return nodeID
}
