package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SinkholePolicy selects what a blocked query gets back.
type SinkholePolicy string

const (
	// SinkholeNXDomain answers blocked queries with NXDOMAIN.
	SinkholeNXDomain SinkholePolicy = "nxdomain"
	// SinkholeAddress answers blocked queries with a configured address record.
	SinkholeAddress SinkholePolicy = "address"
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Upstream resolution
	Upstream UpstreamConfig `yaml:"upstream"`

	// Blocklist / whitelist
	Blocklist BlocklistConfig `yaml:"blocklist"`

	// Sinkhole behaviour for blocked domains
	Sinkhole SinkholeConfig `yaml:"sinkhole"`

	// Cache settings
	Cache CacheConfig `yaml:"cache"`

	// Storage (query log)
	Storage StorageConfig `yaml:"storage"`

	// Dashboard API
	Dashboard DashboardConfig `yaml:"dashboard"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Manage the OS resolver while the server runs
	ManageSystemDNS bool `yaml:"manage_system_dns"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	UDPEnabled     bool          `yaml:"udp_enabled"`
	TCPEnabled     bool          `yaml:"tcp_enabled"`
	TCPIdleTimeout time.Duration `yaml:"tcp_idle_timeout"`
}

// ListenAddress returns host:port for the DNS listeners.
func (s ServerConfig) ListenAddress() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// UpstreamConfig holds upstream forwarder settings
type UpstreamConfig struct {
	Servers    []string      `yaml:"servers"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// BlocklistConfig holds blocklist and whitelist settings
type BlocklistConfig struct {
	Path          string        `yaml:"path"`
	WhitelistPath string        `yaml:"whitelist_path"`
	WatchFiles    bool          `yaml:"watch_files"`

	// Remote sources merged into the file-based set on update
	Sources        []string      `yaml:"sources"`
	AutoUpdate     bool          `yaml:"auto_update"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// SinkholeConfig holds blocked-response settings
type SinkholeConfig struct {
	Policy      SinkholePolicy `yaml:"policy"`
	IPv4Address string         `yaml:"ipv4_address"`
	IPv6Address string         `yaml:"ipv6_address"`
	TTL         uint32         `yaml:"ttl"`
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	MinTTL      time.Duration `yaml:"min_ttl"`
	MaxTTL      time.Duration `yaml:"max_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DatabasePath  string        `yaml:"database_path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
}

// DashboardConfig holds the read-only HTTP API settings
type DashboardConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	RecentQueries int    `yaml:"recent_queries"`
}

// Rate limit actions for clients over their budget.
const (
	RateLimitActionDrop   = "drop"
	RateLimitActionRefuse = "refuse"
)

// RateLimitConfig holds per-client query rate limiting settings
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Action            string        `yaml:"action"` // drop, refuse
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	ExemptCIDRs       []string      `yaml:"exempt_cidrs"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5354
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}
	if c.Server.TCPIdleTimeout == 0 {
		c.Server.TCPIdleTimeout = 8 * time.Second
	}

	// Upstream defaults
	if len(c.Upstream.Servers) == 0 {
		c.Upstream.Servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 2 * time.Second
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = 2
	}

	// Blocklist defaults
	if c.Blocklist.Path == "" {
		c.Blocklist.Path = "config/blocklists.txt"
	}
	if c.Blocklist.WhitelistPath == "" {
		c.Blocklist.WhitelistPath = "config/whitelist.txt"
	}
	if c.Blocklist.UpdateInterval == 0 {
		c.Blocklist.UpdateInterval = 24 * time.Hour
	}

	// Sinkhole defaults
	if c.Sinkhole.Policy == "" {
		c.Sinkhole.Policy = SinkholeNXDomain
	}
	if c.Sinkhole.IPv4Address == "" {
		c.Sinkhole.IPv4Address = "0.0.0.0"
	}
	if c.Sinkhole.IPv6Address == "" {
		c.Sinkhole.IPv6Address = "::"
	}
	if c.Sinkhole.TTL == 0 {
		c.Sinkhole.TTL = 300
	}

	// Cache defaults
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.MinTTL == 0 {
		c.Cache.MinTTL = 60 * time.Second
	}
	if c.Cache.MaxTTL == 0 {
		c.Cache.MaxTTL = 24 * time.Hour
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}

	// Storage defaults
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "data/dns_agent.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}

	// Dashboard defaults
	if c.Dashboard.ListenAddress == "" {
		c.Dashboard.ListenAddress = "127.0.0.1:8080"
	}
	if c.Dashboard.RecentQueries == 0 {
		c.Dashboard.RecentQueries = 100
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.Action == "" {
		c.RateLimit.Action = RateLimitActionRefuse
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 5 * time.Minute
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dns-agent"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host cannot be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if len(c.Upstream.Servers) == 0 {
		return fmt.Errorf("upstream.servers cannot be empty")
	}
	for _, upstream := range c.Upstream.Servers {
		host, port, err := net.SplitHostPort(upstream)
		if err != nil {
			return fmt.Errorf("upstream server %q must be address:port: %w", upstream, err)
		}
		if host == "" || port == "" {
			return fmt.Errorf("upstream server %q must be address:port", upstream)
		}
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("upstream.max_retries must be at least 1")
	}

	switch c.Sinkhole.Policy {
	case SinkholeNXDomain:
	case SinkholeAddress:
		if net.ParseIP(c.Sinkhole.IPv4Address) == nil {
			return fmt.Errorf("sinkhole.ipv4_address %q is not a valid IP", c.Sinkhole.IPv4Address)
		}
		if net.ParseIP(c.Sinkhole.IPv6Address) == nil {
			return fmt.Errorf("sinkhole.ipv6_address %q is not a valid IP", c.Sinkhole.IPv6Address)
		}
	default:
		return fmt.Errorf("sinkhole.policy must be %q or %q, got %q",
			SinkholeNXDomain, SinkholeAddress, c.Sinkhole.Policy)
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl cannot exceed cache.max_ttl")
	}
	if c.Cache.NegativeTTL <= 0 {
		return fmt.Errorf("cache.negative_ttl must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.Action != RateLimitActionDrop && c.RateLimit.Action != RateLimitActionRefuse {
			return fmt.Errorf("rate_limit.action must be %q or %q, got %q",
				RateLimitActionDrop, RateLimitActionRefuse, c.RateLimit.Action)
		}
	}

	return nil
}
