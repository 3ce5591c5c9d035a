package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SWARMHOST_API_PORT
const EnvPrefix = "SWARMHOST"

// Config is the node configuration
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	LogLevel   string           `mapstructure:"log_level"`
	Node       NodeConfig       `mapstructure:"node"`
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gossip     GossipConfig     `mapstructure:"gossip"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Election   ElectionConfig   `mapstructure:"election"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Membership MembershipConfig `mapstructure:"membership"`
	Sync       SyncConfig       `mapstructure:"sync"`
}

// NodeConfig describes the local node
type NodeConfig struct {
	IP       string `mapstructure:"ip"`
	StaticIP bool   `mapstructure:"static_ip"`
	Tier     string `mapstructure:"tier"`
	// ChainHeight is the height assumed until the first confirmation
	ChainHeight        uint32        `mapstructure:"chain_height"`
	IPCheckInterval    time.Duration `mapstructure:"ip_check_interval"`
	MarketplaceSupport string        `mapstructure:"marketplace_support"`
}

// APIConfig configures the status API
type APIConfig struct {
	Port    int           `mapstructure:"port"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig selects the document store
type DatabaseConfig struct {
	Backend string `mapstructure:"backend"` // sqlite or pebble
	Path    string `mapstructure:"path"`
}

// GossipConfig configures message handling and broadcasts
type GossipConfig struct {
	Pace                time.Duration `mapstructure:"pace"`
	RunningInterval     time.Duration `mapstructure:"running_interval"`
	RunningVersion      int           `mapstructure:"running_version"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

// LifecycleConfig configures app operations
type LifecycleConfig struct {
	RedeployDelay  time.Duration `mapstructure:"redeploy_delay"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	DecryptURL     string        `mapstructure:"decrypt_url"`
}

// ElectionConfig configures the primary election of replicated apps
type ElectionConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	Stagger       time.Duration `mapstructure:"stagger"`
	Telemetry     []string      `mapstructure:"telemetry"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	ProbeDeadline time.Duration `mapstructure:"probe_deadline"`
	ReadyTTL      time.Duration `mapstructure:"ready_ttl"`
}

// DockerConfig points at the container runtime
type DockerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// StorageConfig lists the volumes apps may use
type StorageConfig struct {
	Volumes        []string      `mapstructure:"volumes"`
	ReserveGB      int64         `mapstructure:"reserve_gb"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// MembershipConfig configures the peer transport
type MembershipConfig struct {
	NodeName      string        `mapstructure:"node_name"`
	BindAddr      string        `mapstructure:"bind_addr"`
	BindPort      int           `mapstructure:"bind_port"`
	AdvertiseAddr string        `mapstructure:"advertise_addr"`
	AdvertisePort int           `mapstructure:"advertise_port"`
	Seeds         []string      `mapstructure:"seeds"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// SyncConfig points at the storage sync daemon
type SyncConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/var/lib/swarmhost")
	v.SetDefault("log_level", "info")

	v.SetDefault("node.ip", "")
	v.SetDefault("node.static_ip", false)
	v.SetDefault("node.tier", "basic")
	v.SetDefault("node.chain_height", 0)
	v.SetDefault("node.ip_check_interval", time.Minute)
	v.SetDefault("node.marketplace_support", "")

	v.SetDefault("api.port", 16127)
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 30*time.Second)

	v.SetDefault("database.backend", "sqlite")
	v.SetDefault("database.path", "")

	v.SetDefault("gossip.pace", 25*time.Millisecond)
	v.SetDefault("gossip.running_interval", 60*time.Minute)
	v.SetDefault("gossip.running_version", 2)
	v.SetDefault("gossip.maintenance_interval", 5*time.Minute)

	v.SetDefault("lifecycle.redeploy_delay", time.Minute)
	v.SetDefault("lifecycle.update_interval", time.Minute)
	v.SetDefault("lifecycle.decrypt_url", "")

	v.SetDefault("election.enabled", true)
	v.SetDefault("election.interval", 30*time.Second)
	v.SetDefault("election.stagger", time.Minute)
	v.SetDefault("election.telemetry", []string{
		"https://telemetry-eu.swarmhost.io/stats",
		"https://telemetry-us.swarmhost.io/stats",
		"https://telemetry-as.swarmhost.io/stats",
	})
	v.SetDefault("election.probe_timeout", 5*time.Second)
	v.SetDefault("election.probe_deadline", 7*time.Second)
	v.SetDefault("election.ready_ttl", 30*time.Minute)

	v.SetDefault("docker.endpoint", "unix:///var/run/docker.sock")

	v.SetDefault("storage.volumes", []string{"/var/lib/swarmhost/volumes"})
	v.SetDefault("storage.reserve_gb", 20)
	v.SetDefault("storage.health_interval", time.Minute)

	v.SetDefault("membership.node_name", "")
	v.SetDefault("membership.bind_addr", "0.0.0.0")
	v.SetDefault("membership.bind_port", 7946)
	v.SetDefault("membership.advertise_addr", "")
	v.SetDefault("membership.advertise_port", 0)
	v.SetDefault("membership.seeds", []string{})
	v.SetDefault("membership.probe_interval", time.Second)

	v.SetDefault("sync.url", "http://127.0.0.1:8384")
	v.SetDefault("sync.api_key", "")
}

// New returns a viper instance with defaults and environment overrides
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and decodes the configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no safe fallback
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case "sqlite", "pebble":
	default:
		return fmt.Errorf("unsupported database backend %q (supported: sqlite, pebble)", c.Database.Backend)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	if c.Gossip.RunningVersion != 1 && c.Gossip.RunningVersion != 2 {
		return fmt.Errorf("invalid running message version %d", c.Gossip.RunningVersion)
	}
	if len(c.Storage.Volumes) == 0 {
		return fmt.Errorf("at least one storage volume is required")
	}
	return nil
}

// DatabasePath returns the store location, defaulting under the data dir
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	if c.Database.Backend == "pebble" {
		return filepath.Join(c.DataDir, "pebble")
	}
	return filepath.Join(c.DataDir, "swarmhost.db")
}
