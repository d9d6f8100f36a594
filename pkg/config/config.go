package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tacticalmesh/meshagent/pkg/api"
)

// EnvPrefix is the prefix for environment overrides (MESHAGENT_NODE_ID, ...)
const EnvPrefix = "MESHAGENT"

// Config is the agent configuration file model
type Config struct {
	NodeID              string        `mapstructure:"node_id" yaml:"node_id"`
	Name                string        `mapstructure:"name" yaml:"name"`
	NodeType            string        `mapstructure:"node_type" yaml:"node_type"`
	DataDir             string        `mapstructure:"data_dir" yaml:"data_dir"`
	LogLevel            string        `mapstructure:"log_level" yaml:"log_level"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	CommandPollInterval time.Duration `mapstructure:"command_poll_interval" yaml:"command_poll_interval"`
	ReregisterAfter     int           `mapstructure:"reregister_after" yaml:"reregister_after"`

	Controller ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Buffer     BufferConfig     `mapstructure:"buffer" yaml:"buffer"`
	Mesh       MeshConfig       `mapstructure:"mesh" yaml:"mesh"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Geo        GeoConfig        `mapstructure:"geo" yaml:"geo"`

	// Metadata is sent with registration as free-form labels
	Metadata map[string]string `mapstructure:"metadata" yaml:"metadata,omitempty"`
}

// EndpointConfig is one controller URL with its failover rank (lower first)
type EndpointConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Priority int    `mapstructure:"priority" yaml:"priority"`
}

// ControllerConfig configures the controller client
type ControllerConfig struct {
	Endpoints           []EndpointConfig `mapstructure:"endpoints" yaml:"endpoints"`
	JoinToken           string           `mapstructure:"join_token" yaml:"join_token,omitempty"`
	AttemptTimeout      time.Duration    `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	AttemptsPerEndpoint int              `mapstructure:"attempts_per_endpoint" yaml:"attempts_per_endpoint"`
	BackoffBase         time.Duration    `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax          time.Duration    `mapstructure:"backoff_max" yaml:"backoff_max"`
	BackoffMultiplier   float64          `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffJitter       float64          `mapstructure:"backoff_jitter" yaml:"backoff_jitter"`
	StreamEnabled       bool             `mapstructure:"stream_enabled" yaml:"stream_enabled"`
}

// BufferConfig configures the local heartbeat buffer
type BufferConfig struct {
	Capacity int  `mapstructure:"capacity" yaml:"capacity"`
	Persist  bool `mapstructure:"persist" yaml:"persist"`
}

// PeerConfig is a statically configured mesh neighbour
type PeerConfig struct {
	NodeID  string `mapstructure:"node_id" yaml:"node_id"`
	Address string `mapstructure:"address" yaml:"address"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

// MeshConfig configures peer discovery and relaying
type MeshConfig struct {
	Enabled          bool          `mapstructure:"enabled" yaml:"enabled"`
	ListenPort       int           `mapstructure:"listen_port" yaml:"listen_port"`
	BindAddress      string        `mapstructure:"bind_address" yaml:"bind_address"`
	BroadcastAddress string        `mapstructure:"broadcast_address" yaml:"broadcast_address,omitempty"`
	HelloInterval    time.Duration `mapstructure:"hello_interval" yaml:"hello_interval"`
	LivenessMisses   int           `mapstructure:"liveness_misses" yaml:"liveness_misses"`
	RouteTTL         time.Duration `mapstructure:"route_ttl" yaml:"route_ttl"`
	MaxHops          int           `mapstructure:"max_hops" yaml:"max_hops"`
	RelayTimeout     time.Duration `mapstructure:"relay_timeout" yaml:"relay_timeout"`
	Peers            []PeerConfig  `mapstructure:"peers" yaml:"peers,omitempty"`
}

// AdminConfig configures the local status and metrics endpoint
type AdminConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	GRPCAddress   string `mapstructure:"grpc_address" yaml:"grpc_address,omitempty"`
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
}

// GeoConfig is a static position for nodes without a positioning source
type GeoConfig struct {
	Enabled   bool    `mapstructure:"enabled" yaml:"enabled"`
	Latitude  float64 `mapstructure:"latitude" yaml:"latitude"`
	Longitude float64 `mapstructure:"longitude" yaml:"longitude"`
	Altitude  float64 `mapstructure:"altitude" yaml:"altitude,omitempty"`
}

// Mesh defaults
const (
	DefaultListenPort     = 7777
	DefaultMaxHops        = 5
	MinMaxHops            = 2
	MaxMaxHops            = 10
	DefaultLivenessMisses = 3
)

// Default returns a configuration with every tunable set
func Default() *Config {
	return &Config{
		NodeType:            string(api.NodeTypeUnknown),
		DataDir:             "./data",
		LogLevel:            "info",
		HeartbeatInterval:   30 * time.Second,
		CommandPollInterval: 10 * time.Second,
		ReregisterAfter:     3,
		Controller: ControllerConfig{
			AttemptTimeout:      5 * time.Second,
			AttemptsPerEndpoint: 3,
			BackoffBase:         time.Second,
			BackoffMax:          30 * time.Second,
			BackoffMultiplier:   2,
			BackoffJitter:       0.2,
		},
		Buffer: BufferConfig{
			Capacity: 1000,
			Persist:  true,
		},
		Mesh: MeshConfig{
			ListenPort:     DefaultListenPort,
			BindAddress:    "0.0.0.0",
			HelloInterval:  10 * time.Second,
			LivenessMisses: DefaultLivenessMisses,
			RouteTTL:       60 * time.Second,
			MaxHops:        DefaultMaxHops,
			RelayTimeout:   3 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1:9477",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
			Insecure:   true,
		},
	}
}

// Validate fills zero values with defaults and rejects invalid settings
func (c *Config) Validate() error {
	d := Default()

	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Name == "" {
		c.Name = c.NodeID
	}
	nodeType, err := api.ParseNodeType(c.NodeType)
	if err != nil {
		return err
	}
	c.NodeType = string(nodeType)
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.CommandPollInterval <= 0 {
		c.CommandPollInterval = d.CommandPollInterval
	}
	if c.ReregisterAfter <= 0 {
		c.ReregisterAfter = d.ReregisterAfter
	}

	if err := c.Controller.validate(d.Controller); err != nil {
		return err
	}

	if c.Buffer.Capacity <= 0 {
		c.Buffer.Capacity = d.Buffer.Capacity
	}

	return c.Mesh.validate(d.Mesh)
}

func (cc *ControllerConfig) validate(d ControllerConfig) error {
	if len(cc.Endpoints) == 0 {
		return fmt.Errorf("at least one controller endpoint is required")
	}
	for i, ep := range cc.Endpoints {
		u, err := url.Parse(ep.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("controller endpoint %d: invalid url %q", i, ep.URL)
		}
		cc.Endpoints[i].URL = strings.TrimRight(ep.URL, "/")
	}
	sort.SliceStable(cc.Endpoints, func(i, j int) bool {
		return cc.Endpoints[i].Priority < cc.Endpoints[j].Priority
	})

	if cc.AttemptTimeout <= 0 {
		cc.AttemptTimeout = d.AttemptTimeout
	}
	if cc.AttemptsPerEndpoint <= 0 {
		cc.AttemptsPerEndpoint = d.AttemptsPerEndpoint
	}
	if cc.BackoffBase <= 0 {
		cc.BackoffBase = d.BackoffBase
	}
	if cc.BackoffMax <= 0 {
		cc.BackoffMax = d.BackoffMax
	}
	if cc.BackoffMax < cc.BackoffBase {
		return fmt.Errorf("controller.backoff_max (%s) is below backoff_base (%s)", cc.BackoffMax, cc.BackoffBase)
	}
	if cc.BackoffMultiplier < 1 {
		cc.BackoffMultiplier = d.BackoffMultiplier
	}
	if cc.BackoffJitter < 0 || cc.BackoffJitter >= 1 {
		return fmt.Errorf("controller.backoff_jitter must be in [0,1), got %v", cc.BackoffJitter)
	}
	return nil
}

func (m *MeshConfig) validate(d MeshConfig) error {
	if m.ListenPort == 0 {
		m.ListenPort = d.ListenPort
	}
	if m.ListenPort < 0 || m.ListenPort > 65535 {
		return fmt.Errorf("mesh.listen_port out of range: %d", m.ListenPort)
	}
	if m.BindAddress == "" {
		m.BindAddress = d.BindAddress
	}
	if m.HelloInterval <= 0 {
		m.HelloInterval = d.HelloInterval
	}
	if m.LivenessMisses <= 0 {
		m.LivenessMisses = d.LivenessMisses
	}
	if m.RouteTTL <= 0 {
		m.RouteTTL = d.RouteTTL
	}
	if m.RelayTimeout <= 0 {
		m.RelayTimeout = d.RelayTimeout
	}
	if m.MaxHops == 0 {
		m.MaxHops = d.MaxHops
	}
	if m.MaxHops < MinMaxHops || m.MaxHops > MaxMaxHops {
		return fmt.Errorf("mesh.max_hops must be between %d and %d, got %d", MinMaxHops, MaxMaxHops, m.MaxHops)
	}
	for i := range m.Peers {
		if m.Peers[i].Address == "" {
			return fmt.Errorf("mesh peer %d: address is required", i)
		}
		if m.Peers[i].Port == 0 {
			m.Peers[i].Port = DefaultListenPort
		}
	}
	return nil
}

// Identity returns the node identity derived from the configuration
func (c *Config) Identity() api.NodeIdentity {
	t, _ := api.ParseNodeType(c.NodeType)
	return api.NodeIdentity{NodeID: c.NodeID, Name: c.Name, Type: t}
}

// TokenPath is where registration credentials are persisted
func (c *Config) TokenPath() string {
	return filepath.Join(c.DataDir, ".auth_token")
}

// BufferPath is the bbolt file backing the local buffer
func (c *Config) BufferPath() string {
	return filepath.Join(c.DataDir, "buffer.db")
}

// LedgerPath is the sqlite file recording executed commands
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "commands.db")
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	out := *c
	out.Controller.Endpoints = append([]EndpointConfig(nil), c.Controller.Endpoints...)
	out.Mesh.Peers = append([]PeerConfig(nil), c.Mesh.Peers...)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Load reads a YAML config file, substitutes ${VAR} and ${VAR:-default}
// references, applies MESHAGENT_* environment overrides and validates.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(ExpandEnv(raw))); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())
	return v
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("node_type", d.NodeType)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("command_poll_interval", d.CommandPollInterval)
	v.SetDefault("reregister_after", d.ReregisterAfter)

	v.SetDefault("controller.join_token", "")
	v.SetDefault("controller.attempt_timeout", d.Controller.AttemptTimeout)
	v.SetDefault("controller.attempts_per_endpoint", d.Controller.AttemptsPerEndpoint)
	v.SetDefault("controller.backoff_base", d.Controller.BackoffBase)
	v.SetDefault("controller.backoff_max", d.Controller.BackoffMax)
	v.SetDefault("controller.backoff_multiplier", d.Controller.BackoffMultiplier)
	v.SetDefault("controller.backoff_jitter", d.Controller.BackoffJitter)
	v.SetDefault("controller.stream_enabled", d.Controller.StreamEnabled)

	v.SetDefault("buffer.capacity", d.Buffer.Capacity)
	v.SetDefault("buffer.persist", d.Buffer.Persist)

	v.SetDefault("mesh.enabled", d.Mesh.Enabled)
	v.SetDefault("mesh.listen_port", d.Mesh.ListenPort)
	v.SetDefault("mesh.bind_address", d.Mesh.BindAddress)
	v.SetDefault("mesh.broadcast_address", "")
	v.SetDefault("mesh.hello_interval", d.Mesh.HelloInterval)
	v.SetDefault("mesh.liveness_misses", d.Mesh.LivenessMisses)
	v.SetDefault("mesh.route_ttl", d.Mesh.RouteTTL)
	v.SetDefault("mesh.max_hops", d.Mesh.MaxHops)
	v.SetDefault("mesh.relay_timeout", d.Mesh.RelayTimeout)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.listen_address", d.Admin.ListenAddress)
	v.SetDefault("admin.grpc_address", "")

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:-default}. Unset variables without a
// default are left as written.
func ExpandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if val, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(val)
		}
		if len(sub[2]) > 0 {
			return sub[3]
		}
		return m
	})
}
