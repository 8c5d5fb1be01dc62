package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/clawinfra/offsync/internal/scheduler"
)

// Environment variables that override secrets from the file.
const (
	EnvRemoteAuthToken = "OFFSYNC_REMOTE_AUTH_TOKEN"
	EnvRemoteDSN       = "OFFSYNC_REMOTE_DSN"
)

// Config holds all offsync configuration
type Config struct {
	// HTTP API and process settings
	Server ServerConfig `json:"server" toml:"server" yaml:"server"`

	// Durable local store
	Store StoreConfig `json:"store" toml:"store" yaml:"store"`

	// Remote authoritative store
	Remote RemoteConfig `json:"remote" toml:"remote" yaml:"remote"`

	// Queue replay and retry behaviour
	Sync SyncConfig `json:"sync" toml:"sync" yaml:"sync"`

	// Reachability probing
	Connectivity ConnectivityConfig `json:"connectivity" toml:"connectivity" yaml:"connectivity"`

	// MQTT event publishing and network signals
	MQTT MQTTConfig `json:"mqtt" toml:"mqtt" yaml:"mqtt"`
}

type ServerConfig struct {
	Port     int    `json:"port" toml:"port" yaml:"port"`
	DataDir  string `json:"dataDir" toml:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" toml:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" toml:"logFile" yaml:"logFile,omitempty"`
	DeviceID string `json:"deviceId,omitempty" toml:"deviceId" yaml:"deviceId,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver" toml:"driver" yaml:"driver"` // "sqlite", "bolt", "memory"
	Path   string `json:"path,omitempty" toml:"path" yaml:"path,omitempty"`
}

type RemoteConfig struct {
	Driver      string `json:"driver" toml:"driver" yaml:"driver"` // "turso", "postgres"
	DatabaseURL string `json:"databaseUrl,omitempty" toml:"databaseUrl" yaml:"databaseUrl,omitempty"`
	AuthToken   string `json:"authToken,omitempty" toml:"authToken" yaml:"authToken,omitempty"`
	DSN         string `json:"dsn,omitempty" toml:"dsn" yaml:"dsn,omitempty"`
	TimeoutMs   int    `json:"timeoutMs" toml:"timeoutMs" yaml:"timeoutMs"`
}

type SyncConfig struct {
	MaxAttempts         int                 `json:"maxAttempts" toml:"maxAttempts" yaml:"maxAttempts"`
	WriteTimeoutMs      int                 `json:"writeTimeoutMs" toml:"writeTimeoutMs" yaml:"writeTimeoutMs"`
	ReadTimeoutMs       int                 `json:"readTimeoutMs" toml:"readTimeoutMs" yaml:"readTimeoutMs"`
	ReconnectDebounceMs int                 `json:"reconnectDebounceMs" toml:"reconnectDebounceMs" yaml:"reconnectDebounceMs"`
	DrainOnStart        bool                `json:"drainOnStart" toml:"drainOnStart" yaml:"drainOnStart"`
	DrainSchedule       scheduler.Schedule  `json:"drainSchedule" toml:"drainSchedule" yaml:"drainSchedule"`
	CleanupSchedule     *scheduler.Schedule `json:"cleanupSchedule,omitempty" toml:"cleanupSchedule" yaml:"cleanupSchedule,omitempty"`
	RetentionDays       int                 `json:"retentionDays" toml:"retentionDays" yaml:"retentionDays"`
	HistoryLimit        int                 `json:"historyLimit" toml:"historyLimit" yaml:"historyLimit"`
}

type ConnectivityConfig struct {
	// InitialOnline is the state assumed before the first probe.
	InitialOnline bool `json:"initialOnline" toml:"initialOnline" yaml:"initialOnline"`
	// ProbeURL is checked with GET; empty falls back to the remote gateway's ping.
	ProbeURL        string `json:"probeUrl,omitempty" toml:"probeUrl" yaml:"probeUrl,omitempty"`
	ProbeEnabled    bool   `json:"probeEnabled" toml:"probeEnabled" yaml:"probeEnabled"`
	ProbeIntervalMs int    `json:"probeIntervalMs" toml:"probeIntervalMs" yaml:"probeIntervalMs"`
	ProbeTimeoutMs  int    `json:"probeTimeoutMs" toml:"probeTimeoutMs" yaml:"probeTimeoutMs"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled" yaml:"enabled"`
	Broker      string `json:"broker" toml:"broker" yaml:"broker"`
	ClientID    string `json:"clientId,omitempty" toml:"clientId" yaml:"clientId,omitempty"`
	Username    string `json:"username,omitempty" toml:"username" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" toml:"password" yaml:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix" toml:"topicPrefix" yaml:"topicPrefix"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8430,
			DataDir:  "./data",
			LogLevel: "info",
			DeviceID: "default",
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Remote: RemoteConfig{
			Driver:    "turso",
			TimeoutMs: 10000,
		},
		Sync: SyncConfig{
			MaxAttempts:         3,
			WriteTimeoutMs:      10000,
			ReadTimeoutMs:       5000,
			ReconnectDebounceMs: 1000,
			DrainOnStart:        true,
			DrainSchedule:       scheduler.Every(time.Hour),
			RetentionDays:       30,
			HistoryLimit:        200,
		},
		Connectivity: ConnectivityConfig{
			InitialOnline:   false,
			ProbeEnabled:    true,
			ProbeIntervalMs: 30000, // every 30s
			ProbeTimeoutMs:  5000,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "offsync",
		},
	}
}

// Format is a config file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from the file extension. Unknown
// extensions are read as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads config from a JSON, TOML or YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg, err := parse(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

func parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch FormatFor(path) {
	case FormatTOML:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRemoteAuthToken); v != "" {
		c.Remote.AuthToken = v
	}
	if v := os.Getenv(EnvRemoteDSN); v != "" {
		c.Remote.DSN = v
	}
}

// Validate checks drivers, timeouts and schedules.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.DataDir == "" {
		return fmt.Errorf("server.dataDir required")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", "sqlite", "bolt", "bbolt", "memory":
	default:
		return fmt.Errorf("unknown store.driver: %s (use sqlite, bolt or memory)", c.Store.Driver)
	}
	switch strings.ToLower(c.Remote.Driver) {
	case "", "turso", "postgres":
	default:
		return fmt.Errorf("unknown remote.driver: %s (use turso or postgres)", c.Remote.Driver)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.maxAttempts must be at least 1")
	}
	if c.Sync.WriteTimeoutMs <= 0 || c.Sync.ReadTimeoutMs <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if c.Sync.ReconnectDebounceMs < 0 {
		return fmt.Errorf("sync.reconnectDebounceMs must not be negative")
	}
	if err := c.Sync.DrainSchedule.Validate(); err != nil {
		return fmt.Errorf("sync.drainSchedule: %w", err)
	}
	if c.Sync.CleanupSchedule != nil {
		if err := c.Sync.CleanupSchedule.Validate(); err != nil {
			return fmt.Errorf("sync.cleanupSchedule: %w", err)
		}
	}
	if c.Connectivity.ProbeEnabled && c.Connectivity.ProbeIntervalMs <= 0 {
		return fmt.Errorf("connectivity.probeIntervalMs must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker required when mqtt is enabled")
	}
	return nil
}

// StorePath is the local store file, defaulting inside the data dir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	name := "offsync.db"
	if d := strings.ToLower(c.Store.Driver); d == "bolt" || d == "bbolt" {
		name = "offsync.bolt"
	}
	return filepath.Join(c.Server.DataDir, name)
}

// Duration converts a millisecond setting.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Save writes config in the format implied by the file extension.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch FormatFor(path) {
	case FormatTOML:
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	case FormatYAML:
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
