package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file
const (
	EnvSupabaseAPIKey = "MEDINOTE_SUPABASE_API_KEY"
	EnvRedisPassword  = "MEDINOTE_REDIS_PASSWORD"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Registry RegistryConfig `yaml:"registry"`
	Metadata MetadataConfig `yaml:"metadata"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains the ingestion server's listener and connection settings
type ServerConfig struct {
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	IdleTimeout       int    `yaml:"idle_timeout"`       // seconds
	KeepaliveInterval int    `yaml:"keepalive_interval"` // seconds
	WriteTimeout      int    `yaml:"write_timeout"`      // seconds
	MaxMessageBytes   int64  `yaml:"max_message_bytes"`
}

// StorageConfig contains server-side chunk persistence settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RegistryConfig selects the session registry backend
type RegistryConfig struct {
	Driver        string `yaml:"driver"` // memory or redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTL           int    `yaml:"ttl"` // seconds
}

// MetadataConfig selects where finalized session rows are written
type MetadataConfig struct {
	Driver string `yaml:"driver"` // sqlite or supabase
}

// SupabaseConfig contains the Supabase project settings used for the patient
// directory, session metadata and the optional chunk archive
type SupabaseConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	PatientsTable string `yaml:"patients_table"`
	SessionsTable string `yaml:"sessions_table"`
	ArchiveBucket string `yaml:"archive_bucket"`
	CacheTTL      int    `yaml:"cache_ttl"` // seconds
}

// ClientConfig contains capture and delivery settings for the recording client
type ClientConfig struct {
	ServerURL         string  `yaml:"server_url"`
	StoreDir          string  `yaml:"store_dir"`
	ChunkDuration     float64 `yaml:"chunk_duration"` // seconds
	SampleRate        int     `yaml:"sample_rate"`
	Channels          int     `yaml:"channels"`
	BitDepth          int     `yaml:"bit_depth"`
	Envelope          bool    `yaml:"envelope"`
	MaxRetries        int     `yaml:"max_retries"`
	BackoffInitial    int     `yaml:"backoff_initial"`    // milliseconds
	BackoffMax        int     `yaml:"backoff_max"`        // milliseconds
	AckTimeout        int     `yaml:"ack_timeout"`        // seconds
	KeepaliveInterval int     `yaml:"keepalive_interval"` // seconds
	MaxPendingBytes   int64   `yaml:"max_pending_bytes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns a configuration suitable for a single local instance
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           "0.0.0.0",
			Port:              8080,
			IdleTimeout:       120,
			KeepaliveInterval: 30,
			WriteTimeout:      10,
			MaxMessageBytes:   16 << 20,
		},
		Storage: StorageConfig{
			Path: "data/medinote.db",
		},
		Registry: RegistryConfig{
			Driver: "memory",
			TTL:    86400,
		},
		Metadata: MetadataConfig{
			Driver: "sqlite",
		},
		Supabase: SupabaseConfig{
			PatientsTable: "patients",
			SessionsTable: "sessions",
			CacheTTL:      300,
		},
		Client: ClientConfig{
			ServerURL:         "ws://localhost:8080/ws/audio-stream",
			StoreDir:          "data/client",
			ChunkDuration:     10,
			SampleRate:        16000,
			Channels:          1,
			BitDepth:          16,
			Envelope:          true,
			MaxRetries:        3,
			BackoffInitial:    1000,
			BackoffMax:        30000,
			AckTimeout:        15,
			KeepaliveInterval: 30,
			MaxPendingBytes:   512 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
			Output: "stderr",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnv overrides secrets from the environment when set
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSupabaseAPIKey); v != "" {
		c.Supabase.APIKey = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Registry.RedisPassword = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Metadata.Validate(); err != nil {
		return fmt.Errorf("metadata config: %w", err)
	}

	if c.Metadata.Driver == "supabase" && !c.Supabase.Enabled {
		return fmt.Errorf("metadata config: driver 'supabase' requires supabase.enabled")
	}

	if err := c.Supabase.Validate(); err != nil {
		return fmt.Errorf("supabase config: %w", err)
	}

	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	if c.Client.KeepaliveInterval >= c.Server.IdleTimeout {
		return fmt.Errorf("client config: keepalive_interval (%d) must be shorter than server idle_timeout (%d)",
			c.Client.KeepaliveInterval, c.Server.IdleTimeout)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.KeepaliveInterval < 1 {
		return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", s.KeepaliveInterval)
	}

	if s.KeepaliveInterval >= s.IdleTimeout {
		return fmt.Errorf("keepalive_interval (%d) must be shorter than idle_timeout (%d)",
			s.KeepaliveInterval, s.IdleTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024 bytes, got %d", s.MaxMessageBytes)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// Validate validates registry configuration
func (r *RegistryConfig) Validate() error {
	switch r.Driver {
	case "memory":
	case "redis":
		if r.RedisAddr == "" {
			return fmt.Errorf("redis_addr cannot be empty when driver is 'redis'")
		}
		if r.RedisDB < 0 {
			return fmt.Errorf("redis_db cannot be negative, got %d", r.RedisDB)
		}
	default:
		return fmt.Errorf("driver must be 'memory' or 'redis', got '%s'", r.Driver)
	}

	if r.TTL < 1 {
		return fmt.Errorf("ttl must be at least 1 second, got %d", r.TTL)
	}

	return nil
}

// Validate validates metadata configuration
func (m *MetadataConfig) Validate() error {
	validDrivers := map[string]bool{"sqlite": true, "supabase": true}
	if !validDrivers[m.Driver] {
		return fmt.Errorf("driver must be 'sqlite' or 'supabase', got '%s'", m.Driver)
	}
	return nil
}

// Validate validates Supabase configuration
func (s *SupabaseConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.URL == "" {
		return fmt.Errorf("url cannot be empty when supabase is enabled")
	}

	if _, err := url.ParseRequestURI(s.URL); err != nil {
		return fmt.Errorf("invalid url %q: %w", s.URL, err)
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty when supabase is enabled (set %s)", EnvSupabaseAPIKey)
	}

	if s.PatientsTable == "" || s.SessionsTable == "" {
		return fmt.Errorf("patients_table and sessions_table cannot be empty")
	}

	if s.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl cannot be negative, got %d", s.CacheTTL)
	}

	return nil
}

// Validate validates client configuration
func (c *ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url %q: %w", c.ServerURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server_url must use ws or wss scheme, got '%s'", u.Scheme)
	}

	if c.StoreDir == "" {
		return fmt.Errorf("store_dir cannot be empty")
	}

	if c.ChunkDuration <= 0 {
		return fmt.Errorf("chunk_duration must be positive, got %f", c.ChunkDuration)
	}

	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", c.SampleRate)
	}

	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}

	if c.BitDepth != 16 && c.BitDepth != 24 && c.BitDepth != 32 {
		return fmt.Errorf("bit_depth must be 16, 24 or 32, got %d", c.BitDepth)
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.MaxRetries)
	}

	if c.BackoffInitial < 1 {
		return fmt.Errorf("backoff_initial must be at least 1 ms, got %d", c.BackoffInitial)
	}

	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("backoff_max (%d) must not be less than backoff_initial (%d)",
			c.BackoffMax, c.BackoffInitial)
	}

	if c.AckTimeout < 1 {
		return fmt.Errorf("ack_timeout must be at least 1 second, got %d", c.AckTimeout)
	}

	if c.KeepaliveInterval < 1 {
		return fmt.Errorf("keepalive_interval must be at least 1 second, got %d", c.KeepaliveInterval)
	}

	if c.MaxPendingBytes < 0 {
		return fmt.Errorf("max_pending_bytes cannot be negative, got %d", c.MaxPendingBytes)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true, "auto": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json', 'text' or 'auto', got '%s'", l.Format)
	}

	if strings.TrimSpace(l.Output) != l.Output {
		return fmt.Errorf("output must not have surrounding whitespace, got '%s'", l.Output)
	}

	return nil
}

// Addr returns the listen address in host:port form
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetIdleTimeoutDuration returns the idle connection timeout as a time.Duration
func (s *ServerConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetKeepaliveDuration returns the keepalive ping interval as a time.Duration
func (s *ServerConfig) GetKeepaliveDuration() time.Duration {
	return time.Duration(s.KeepaliveInterval) * time.Second
}

// GetWriteTimeoutDuration returns the per-message write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetTTLDuration returns the registry entry TTL as a time.Duration
func (r *RegistryConfig) GetTTLDuration() time.Duration {
	return time.Duration(r.TTL) * time.Second
}

// GetCacheTTLDuration returns the patient cache TTL as a time.Duration
func (s *SupabaseConfig) GetCacheTTLDuration() time.Duration {
	return time.Duration(s.CacheTTL) * time.Second
}

// GetChunkDuration returns the capture chunk length as a time.Duration
func (c *ClientConfig) GetChunkDuration() time.Duration {
	return time.Duration(c.ChunkDuration * float64(time.Second))
}

// GetBackoffInitialDuration returns the first reconnect delay as a time.Duration
func (c *ClientConfig) GetBackoffInitialDuration() time.Duration {
	return time.Duration(c.BackoffInitial) * time.Millisecond
}

// GetBackoffMaxDuration returns the reconnect delay cap as a time.Duration
func (c *ClientConfig) GetBackoffMaxDuration() time.Duration {
	return time.Duration(c.BackoffMax) * time.Millisecond
}

// GetAckTimeoutDuration returns how long to wait for a chunk acknowledgement
func (c *ClientConfig) GetAckTimeoutDuration() time.Duration {
	return time.Duration(c.AckTimeout) * time.Second
}

// GetKeepaliveDuration returns the interval between client pings on an idle link
func (c *ClientConfig) GetKeepaliveDuration() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Second
}
