package gossip

import (
	"encoding/json"
	"time"

	"github.com/ao/swarmhost/internal/spec"
)

// Message types carried over the peer transport
const (
	TypeRegister        = "register"
	TypeUpdate          = "update"
	TypeRunning         = "running"
	TypeInstalling      = "installing"
	TypeInstallingError = "installing-error"
	TypeRemoved         = "removed"
	TypeIPChanged       = "ip-changed"
	TypeRequest         = "request"
)

// Retention windows
const (
	TemporaryMessageTTL  = 60 * time.Minute
	LocationTTL          = 125 * time.Minute
	RunningMaxAge        = 65 * time.Minute
	InstallingTTL        = 5 * time.Minute
	InstallingErrorTTL   = 60 * time.Minute
	DefaultBroadcastPace = 25 * time.Millisecond
)

// Message is a register or update message. TxID, Height and ValueSat are
// only set once the message is confirmed on chain.
type Message struct {
	Type              string              `json:"type"`
	Version           int                 `json:"version"`
	AppSpecifications *spec.Specification `json:"appSpecifications"`
	Hash              string              `json:"hash"`
	Timestamp         int64               `json:"timestamp"`
	Signature         string              `json:"signature"`
	TxID              string              `json:"txid,omitempty"`
	Height            uint32              `json:"height,omitempty"`
	ValueSat          int64               `json:"valueSat,omitempty"`
}

// AppName returns the name of the application the message carries
func (m *Message) AppName() string {
	if m.AppSpecifications == nil {
		return ""
	}
	return m.AppSpecifications.Name
}

// TemporaryMessage is a verified message waiting for confirmation
type TemporaryMessage struct {
	Message
	ReceivedAt int64 `json:"receivedAt"`
	ExpireAt   int64 `json:"expireAt"`
}

// GlobalApp is the latest confirmed specification of an application
type GlobalApp struct {
	Name          string              `json:"name"`
	Owner         string              `json:"owner"`
	Hash          string              `json:"hash"`
	Height        uint32              `json:"height"`
	Timestamp     int64               `json:"timestamp"`
	Specification *spec.Specification `json:"appSpecifications"`
}

// RunningApp is one entry of a running v2 message
type RunningApp struct {
	Name         string `json:"name"`
	Hash         string `json:"hash"`
	RunningSince int64  `json:"runningSince"`
}

// RunningMessage advertises the applications a node runs. Version 1 carries
// a single app in Name/Hash/RunningSince, version 2 a batch in Apps.
type RunningMessage struct {
	Type          string       `json:"type"`
	Version       int          `json:"version"`
	Name          string       `json:"name,omitempty"`
	Hash          string       `json:"hash,omitempty"`
	RunningSince  int64        `json:"runningSince,omitempty"`
	Apps          []RunningApp `json:"apps"`
	IP            string       `json:"ip"`
	BroadcastedAt int64        `json:"broadcastedAt"`
	OSUptime      int64        `json:"osUptime"`
	StaticIP      bool         `json:"staticIp"`
}

// MarshalJSON writes the field set of the message version
func (m RunningMessage) MarshalJSON() ([]byte, error) {
	if m.Version == 1 {
		return json.Marshal(struct {
			Type          string `json:"type"`
			Version       int    `json:"version"`
			Name          string `json:"name"`
			Hash          string `json:"hash"`
			IP            string `json:"ip"`
			BroadcastedAt int64  `json:"broadcastedAt"`
			RunningSince  int64  `json:"runningSince"`
			OSUptime      int64  `json:"osUptime"`
			StaticIP      bool   `json:"staticIp"`
		}{m.Type, m.Version, m.Name, m.Hash, m.IP, m.BroadcastedAt, m.RunningSince, m.OSUptime, m.StaticIP})
	}

	apps := m.Apps
	if apps == nil {
		apps = []RunningApp{}
	}
	return json.Marshal(struct {
		Type          string       `json:"type"`
		Version       int          `json:"version"`
		Apps          []RunningApp `json:"apps"`
		IP            string       `json:"ip"`
		BroadcastedAt int64        `json:"broadcastedAt"`
		OSUptime      int64        `json:"osUptime"`
		StaticIP      bool         `json:"staticIp"`
	}{m.Type, m.Version, apps, m.IP, m.BroadcastedAt, m.OSUptime, m.StaticIP})
}

// Entries returns the advertised apps regardless of message version
func (m *RunningMessage) Entries() []RunningApp {
	if m.Version == 1 {
		return []RunningApp{{Name: m.Name, Hash: m.Hash, RunningSince: m.RunningSince}}
	}
	return m.Apps
}

// InstallingMessage announces that a node started a hard install
type InstallingMessage struct {
	Type          string `json:"type"`
	Version       int    `json:"version"`
	Name          string `json:"name"`
	IP            string `json:"ip"`
	BroadcastedAt int64  `json:"broadcastedAt"`
}

// InstallingErrorMessage announces a failed install
type InstallingErrorMessage struct {
	Type          string `json:"type"`
	Version       int    `json:"version"`
	Name          string `json:"name"`
	Hash          string `json:"hash"`
	IP            string `json:"ip"`
	Error         string `json:"error"`
	BroadcastedAt int64  `json:"broadcastedAt"`
}

// RemovedMessage announces that a node no longer runs an app
type RemovedMessage struct {
	Type          string `json:"type"`
	Version       int    `json:"version"`
	IP            string `json:"ip"`
	AppName       string `json:"appName"`
	BroadcastedAt int64  `json:"broadcastedAt"`
}

// IPChangedMessage announces a node address change
type IPChangedMessage struct {
	Type          string `json:"type"`
	Version       int    `json:"version"`
	OldIP         string `json:"oldIP"`
	NewIP         string `json:"newIP"`
	BroadcastedAt int64  `json:"broadcastedAt"`
}

// RequestMessage asks peers for messages by hash. Version 1 carries one
// hash, version 2 a list.
type RequestMessage struct {
	Type    string   `json:"type"`
	Version int      `json:"version"`
	Hash    string   `json:"hash,omitempty"`
	Hashes  []string `json:"hashes,omitempty"`
}

// AppLocation records that a node runs an application
type AppLocation struct {
	Name          string `json:"name"`
	Hash          string `json:"hash"`
	IP            string `json:"ip"`
	RunningSince  int64  `json:"runningSince"`
	BroadcastedAt int64  `json:"broadcastedAt"`
	ExpireAt      int64  `json:"expireAt"`
	OSUptime      int64  `json:"osUptime"`
	StaticIP      bool   `json:"staticIp"`
}

// InstallingLocation records an install in progress on a node
type InstallingLocation struct {
	Name          string `json:"name"`
	IP            string `json:"ip"`
	BroadcastedAt int64  `json:"broadcastedAt"`
	ExpireAt      int64  `json:"expireAt"`
}

// InstallingErrorLocation records a failed install on a node
type InstallingErrorLocation struct {
	Name          string `json:"name"`
	Hash          string `json:"hash"`
	IP            string `json:"ip"`
	Error         string `json:"error"`
	BroadcastedAt int64  `json:"broadcastedAt"`
	ExpireAt      int64  `json:"expireAt"`
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
