// Package config loads orchestrator and agent settings: defaults, then an
// optional YAML file, then BACKHAUL_* environment variables. Command-line
// flags are applied on top by the binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/transfer"
)

const envPrefix = "BACKHAUL_"

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Agent transports.
const (
	TransportWebSocket = "websocket"
	TransportQUIC      = "quic"
)

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DataChannelConfig holds the data channel tuning shared by both binaries.
type DataChannelConfig struct {
	// TimeoutSeconds bounds how long a sender waits for the channel to
	// become ready.
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	BackupChunkKB  int      `yaml:"backup_chunk_kb"`
	RestoreChunkKB int      `yaml:"restore_chunk_kb"`
	AckTimeout     Duration `yaml:"ack_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
	QueueSize      int      `yaml:"queue_size"`
}

// Timeout returns the readiness timeout.
func (c DataChannelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BackupChunkSize returns the backup content frame size in bytes.
func (c DataChannelConfig) BackupChunkSize() int {
	return c.BackupChunkKB * 1024
}

// RestoreChunkSize returns the restore content frame size in bytes.
func (c DataChannelConfig) RestoreChunkSize() int {
	return c.RestoreChunkKB * 1024
}

func defaultDataChannel() DataChannelConfig {
	return DataChannelConfig{
		TimeoutSeconds: int(transfer.DefaultReadyTimeout / time.Second),
		BackupChunkKB:  transfer.DefaultBackupChunkSize / 1024,
		RestoreChunkKB: transfer.DefaultRestoreChunkSize / 1024,
		AckTimeout:     Duration{transfer.DefaultAckTimeout},
		PollInterval:   Duration{transfer.DefaultPollInterval},
	}
}

func (c *DataChannelConfig) validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("data_channel.timeout_seconds must be positive, got %d", c.TimeoutSeconds)
	}
	maxKB := transfer.MaxChunkSize / 1024
	for _, kb := range []*int{&c.BackupChunkKB, &c.RestoreChunkKB} {
		if *kb <= 0 {
			*kb = transfer.DefaultBackupChunkSize / 1024
		}
		if *kb > maxKB {
			*kb = maxKB
		}
	}
	return nil
}

// StorageConfig selects where backups are stored.
type StorageConfig struct {
	Type            string           `yaml:"type"`
	Root            string           `yaml:"root"`
	BackupManagerID string           `yaml:"backup_manager_id"`
	S3              storage.S3Config `yaml:"s3"`
}

// ServerConfig holds configuration for the orchestrator.
type ServerConfig struct {
	Addr        string            `yaml:"addr"`
	QUICAddr    string            `yaml:"quic_addr"`
	LogLevel    string            `yaml:"log_level"`
	Database    string            `yaml:"database"`
	MaxStreams  int               `yaml:"max_streams"`
	StreamTTL   Duration          `yaml:"stream_ttl"`
	Storage     StorageConfig     `yaml:"storage"`
	DataChannel DataChannelConfig `yaml:"data_channel"`
}

// DefaultServerConfig returns the orchestrator defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		Database:  "backhaul.db",
		StreamTTL: Duration{24 * time.Hour},
		Storage: StorageConfig{
			Type:            StorageLocal,
			Root:            "backups",
			BackupManagerID: "DEFAULT",
		},
		DataChannel: defaultDataChannel(),
	}
}

// LoadServerConfig returns the defaults overlaid with the YAML file at
// path, if any, and then the environment.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyServerEnv(&cfg)
	return cfg, nil
}

// Validate checks the configuration and clamps chunk sizes.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	switch c.Storage.Type {
	case StorageLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for local storage")
		}
	case StorageS3:
		if err := c.Storage.S3.Validate(); err != nil {
			return fmt.Errorf("storage.s3: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage.type %q", c.Storage.Type)
	}
	if c.Storage.BackupManagerID == "" {
		return fmt.Errorf("storage.backup_manager_id is required")
	}
	return c.DataChannel.validate()
}

func applyServerEnv(cfg *ServerConfig) {
	setString(&cfg.Addr, "ADDR")
	setString(&cfg.QUICAddr, "QUIC_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Database, "DATABASE")
	setInt(&cfg.MaxStreams, "MAX_STREAMS")
	setString(&cfg.Storage.Type, "STORAGE_TYPE")
	setString(&cfg.Storage.Root, "STORAGE_ROOT")
	setString(&cfg.Storage.BackupManagerID, "BACKUP_MANAGER_ID")
	setString(&cfg.Storage.S3.Bucket, "S3_BUCKET")
	setString(&cfg.Storage.S3.Region, "S3_REGION")
	setString(&cfg.Storage.S3.Endpoint, "S3_ENDPOINT")
	applyDataChannelEnv(&cfg.DataChannel)
}

// AgentConfig holds configuration for the agent.
type AgentConfig struct {
	AgentID     string            `yaml:"agent_id"`
	ServerURL   string            `yaml:"server_url"`
	Transport   string            `yaml:"transport"`
	QUICAddr    string            `yaml:"quic_addr"`
	LogLevel    string            `yaml:"log_level"`
	Parallel    int               `yaml:"parallel"`
	DataChannel DataChannelConfig `yaml:"data_channel"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ServerURL:   "http://localhost:8080",
		Transport:   TransportWebSocket,
		LogLevel:    "info",
		Parallel:    4,
		DataChannel: defaultDataChannel(),
	}
}

// LoadAgentConfig returns the defaults overlaid with the YAML file at path,
// if any, and then the environment.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyAgentEnv(&cfg)
	return cfg, nil
}

// Validate checks the configuration and clamps chunk sizes and
// parallelism.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	switch c.Transport {
	case TransportWebSocket:
		if c.ServerURL == "" {
			return fmt.Errorf("server_url is required for the websocket transport")
		}
	case TransportQUIC:
		if c.QUICAddr == "" {
			return fmt.Errorf("quic_addr is required for the quic transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Parallel < 1 {
		c.Parallel = 1
	}
	if c.Parallel > 32 {
		c.Parallel = 32
	}
	return c.DataChannel.validate()
}

func applyAgentEnv(cfg *AgentConfig) {
	setString(&cfg.AgentID, "AGENT_ID")
	setString(&cfg.ServerURL, "SERVER_URL")
	setString(&cfg.Transport, "TRANSPORT")
	setString(&cfg.QUICAddr, "QUIC_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setInt(&cfg.Parallel, "PARALLEL")
	applyDataChannelEnv(&cfg.DataChannel)
}

func applyDataChannelEnv(dc *DataChannelConfig) {
	setInt(&dc.TimeoutSeconds, "DATA_CHANNEL_TIMEOUT")
	setInt(&dc.BackupChunkKB, "BACKUP_CHUNK_KB")
	setInt(&dc.RestoreChunkKB, "RESTORE_CHUNK_KB")
}

// loadFile unmarshals the YAML file at path over cfg. An empty path is a
// no-op.
func loadFile(path string, cfg any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
