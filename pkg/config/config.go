// Package config defines Sentinel's runtime configuration structs, YAML
// parsing, environment overrides, and hot-reload wiring.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Forwarder  ForwarderConfig  `yaml:"forwarder"`
	Cache      CacheConfig      `yaml:"cache"`
	Database   DatabaseConfig   `yaml:"database"`
	Blocklists []BlocklistEntry `yaml:"blocklists"`
	Policy     PolicyConfig     `yaml:"policy"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	GeoIP      GeoIPConfig      `yaml:"geoip"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`

	UpstreamDNSServers   []string      `yaml:"upstream_dns_servers"`
	AutoUpdateBlocklists bool          `yaml:"auto_update_blocklists"`
	UpdateInterval       time.Duration `yaml:"update_interval"`
	DataDir              string        `yaml:"data_dir"`
}

// ServerConfig holds DNS-listener-specific settings.
type ServerConfig struct {
	ListenAddress      string    `yaml:"listen_address"`
	APIAddress         string    `yaml:"api_address"`
	TCPEnabled         bool      `yaml:"tcp_enabled"`
	UDPEnabled         bool      `yaml:"udp_enabled"`
	DotEnabled         bool      `yaml:"dot_enabled"`
	DotAddress         string    `yaml:"dot_address"`
	DecisionTrace      bool      `yaml:"decision_trace"`
	ShadowResolveBlocked bool    `yaml:"shadow_resolve_blocked"`
	TLS                TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS material for the DoT listener.
type TLSConfig struct {
	CertFile string         `yaml:"cert_file"`
	KeyFile  string         `yaml:"key_file"`
	Autocert AutocertConfig `yaml:"autocert"`
}

// AutocertConfig controls ACME HTTP-01 certificate issuance for DoT.
type AutocertConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Hosts         []string `yaml:"hosts"`
	CacheDir      string   `yaml:"cache_dir"`
	Email         string   `yaml:"email"`
	HTTP01Address string   `yaml:"http01_address"`
}

// ForwarderConfig holds upstream-forwarding settings.
type ForwarderConfig struct {
	Transport      string        `yaml:"transport"` // udp, tcp, dot, doh
	UDPTimeout     time.Duration `yaml:"udp_timeout"`
	TCPTimeout     time.Duration `yaml:"tcp_timeout"`
	DoTTimeout     time.Duration `yaml:"dot_timeout"`
	DoHTimeout     time.Duration `yaml:"doh_timeout"`
	DoHURL         string        `yaml:"doh_url"`
	PreferIPv4     bool          `yaml:"prefer_ipv4"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds per-upstream health tracking settings.
type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	SuccessThreshold int  `yaml:"success_threshold"`
	TimeoutSeconds   int  `yaml:"timeout_seconds"`
}

// CacheConfig holds response-cache settings.
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	ShardCount  int           `yaml:"shard_count"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// DatabaseConfig holds persistence settings (C5).
type DatabaseConfig struct {
	Path                string        `yaml:"path"`
	BusyTimeoutMs       int           `yaml:"busy_timeout_ms"`
	WALMode             bool          `yaml:"wal_mode"`
	CacheSizeKB         int           `yaml:"cache_size_kb"`
	BufferSize          int           `yaml:"buffer_size"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	BatchSize           int           `yaml:"batch_size"`
	RetentionDays       int           `yaml:"retention_days"`
	RetentionInterval   time.Duration `yaml:"retention_interval"`
	RetentionBatchSize  int           `yaml:"retention_batch_size"`
	StatementTimeout    time.Duration `yaml:"statement_timeout"`
	ConnIdleTimeout     time.Duration `yaml:"conn_idle_timeout"`
	MaxOpenConns        int           `yaml:"max_open_conns"`
}

// BlocklistEntry configures a single remote hostlist source (C3).
type BlocklistEntry struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // ACTIVE, SHADOW
}

// PolicyConfig holds policy-engine refresh cadence settings (C2).
type PolicyConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshCooldown time.Duration `yaml:"refresh_cooldown"`
}

// ClusterConfig holds HA pairing settings (C4).
type ClusterConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Role              string        `yaml:"role"` // standalone, leader, follower
	LeaderURL         string        `yaml:"leader_url"`
	PSK               string        `yaml:"psk"`
	RoleOverridePath  string        `yaml:"role_override_path"`
	RoleOverrideTTL   time.Duration `yaml:"role_override_ttl"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	ReadyFreshness    time.Duration `yaml:"ready_freshness"`
	JoinCodeTTL       time.Duration `yaml:"join_code_ttl"`
	NonceCacheSize    int           `yaml:"nonce_cache_size"`
	NonceTTL          time.Duration `yaml:"nonce_ttl"`
	RequestSkew       time.Duration `yaml:"request_skew"`
}

// SecretsConfig controls the AES-GCM secret store's key source (C5).
type SecretsConfig struct {
	KeyEnvVar string `yaml:"key_env_var"`
}

// GeoIPConfig controls the mmap-cached GeoIP reader (C6).
type GeoIPConfig struct {
	DatabasePath   string        `yaml:"database_path"`
	RestatInterval time.Duration `yaml:"restat_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	FilePath  string `yaml:"file_path"`
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig holds OpenTelemetry/Prometheus settings.
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	ProcessSampleRate time.Duration `yaml:"process_sample_rate"`
}

// Load reads and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	// #nosec G304 - path is an operator-supplied CLI flag
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a configuration populated entirely with defaults,
// useful for tests and --validate-config style checks without a file.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// Clone returns a deep copy, used before persisting runtime mutations.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for cloning: %w", err)
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config clone: %w", err)
	}
	clone.applyDefaults()
	return &clone, nil
}

// Save writes the configuration back to path atomically (temp + rename).
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		c.Server.TCPEnabled = true
		c.Server.UDPEnabled = true
	}
	if c.Server.DotAddress == "" {
		c.Server.DotAddress = ":853"
	}
	if c.Server.APIAddress == "" {
		c.Server.APIAddress = ":8080"
	}
	if c.Server.TLS.Autocert.HTTP01Address == "" {
		c.Server.TLS.Autocert.HTTP01Address = ":80"
	}
	if c.Server.TLS.Autocert.CacheDir == "" {
		c.Server.TLS.Autocert.CacheDir = "./.cache/acme"
	}

	if c.Forwarder.Transport == "" {
		c.Forwarder.Transport = "udp"
	}
	if c.Forwarder.UDPTimeout == 0 {
		c.Forwarder.UDPTimeout = 2000 * time.Millisecond
	}
	if c.Forwarder.TCPTimeout == 0 {
		c.Forwarder.TCPTimeout = 4000 * time.Millisecond
	}
	if c.Forwarder.DoTTimeout == 0 {
		c.Forwarder.DoTTimeout = 4000 * time.Millisecond
	}
	if c.Forwarder.DoHTimeout == 0 {
		c.Forwarder.DoHTimeout = 15000 * time.Millisecond
	}
	cb := &c.Forwarder.CircuitBreaker
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = 2
	}
	if cb.TimeoutSeconds == 0 {
		cb.TimeoutSeconds = 30
	}

	if len(c.UpstreamDNSServers) == 0 {
		c.UpstreamDNSServers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = 24 * time.Hour
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.NegativeTTL == 0 {
		c.Cache.NegativeTTL = 5 * time.Minute
	}

	if c.Database.Path == "" {
		c.Database.Path = "./sentinel.db"
	}
	if c.Database.BusyTimeoutMs == 0 {
		c.Database.BusyTimeoutMs = 5000
	}
	if c.Database.CacheSizeKB == 0 {
		c.Database.CacheSizeKB = 4096
	}
	if c.Database.BufferSize == 0 {
		c.Database.BufferSize = 1000
	}
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = 5 * time.Second
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = 100
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 30
	}
	if c.Database.RetentionInterval == 0 {
		c.Database.RetentionInterval = 1 * time.Hour
	}
	if c.Database.RetentionBatchSize == 0 {
		c.Database.RetentionBatchSize = 10000
	}
	if c.Database.StatementTimeout == 0 {
		c.Database.StatementTimeout = 30 * time.Second
	}
	if c.Database.ConnIdleTimeout == 0 {
		c.Database.ConnIdleTimeout = 30 * time.Second
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	c.Database.WALMode = true

	if c.Policy.RefreshInterval == 0 {
		c.Policy.RefreshInterval = 5 * time.Second
	}
	if c.Policy.RefreshCooldown == 0 {
		c.Policy.RefreshCooldown = 1 * time.Second
	}

	if c.Cluster.Role == "" {
		c.Cluster.Role = "standalone"
	}
	if c.Cluster.RoleOverridePath == "" {
		c.Cluster.RoleOverridePath = c.DataDir + "/ha-role-override"
	}
	if c.Cluster.RoleOverrideTTL == 0 {
		c.Cluster.RoleOverrideTTL = 2 * time.Second
	}
	if c.Cluster.SyncInterval == 0 {
		c.Cluster.SyncInterval = 5 * time.Second
	}
	if c.Cluster.ReadyFreshness == 0 {
		c.Cluster.ReadyFreshness = 20 * time.Second
	}
	if c.Cluster.JoinCodeTTL == 0 {
		c.Cluster.JoinCodeTTL = 60 * time.Minute
	}
	if c.Cluster.NonceCacheSize == 0 {
		c.Cluster.NonceCacheSize = 5000
	}
	if c.Cluster.NonceTTL == 0 {
		c.Cluster.NonceTTL = 2 * time.Minute
	}
	if c.Cluster.RequestSkew == 0 {
		c.Cluster.RequestSkew = 2 * time.Minute
	}

	if c.Secrets.KeyEnvVar == "" {
		c.Secrets.KeyEnvVar = "SENTINEL_SECRETS_KEY"
	}

	if c.GeoIP.RestatInterval == 0 {
		c.GeoIP.RestatInterval = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "sentinel"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
	if c.Telemetry.ProcessSampleRate == 0 {
		c.Telemetry.ProcessSampleRate = 15 * time.Second
	}
}

const (
	envDataDir    = "SENTINEL_DATA_DIR"
	envListenAddr = "SENTINEL_LISTEN_ADDRESS"
)

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(envDataDir)); v != "" {
		c.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envListenAddr)); v != "" {
		c.Server.ListenAddress = v
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if !c.Server.TCPEnabled && !c.Server.UDPEnabled {
		return fmt.Errorf("at least one of TCP or UDP must be enabled")
	}

	if c.Server.DotEnabled {
		if strings.TrimSpace(c.Server.DotAddress) == "" {
			return fmt.Errorf("server.dot_address cannot be empty when DoT is enabled")
		}
		certSet := c.Server.TLS.CertFile != "" || c.Server.TLS.KeyFile != ""
		if certSet && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
			return fmt.Errorf("tls.cert_file and tls.key_file must both be set when providing manual certificates")
		}
		if c.Server.TLS.Autocert.Enabled && len(c.Server.TLS.Autocert.Hosts) == 0 {
			return fmt.Errorf("tls.autocert.hosts must be set when autocert is enabled")
		}
		if !certSet && !c.Server.TLS.Autocert.Enabled {
			return fmt.Errorf("DoT requires TLS: provide cert/key or enable autocert")
		}
	}

	switch c.Forwarder.Transport {
	case "udp", "tcp", "dot", "doh":
	default:
		return fmt.Errorf("forwarder.transport must be one of udp, tcp, dot, doh")
	}

	if len(c.UpstreamDNSServers) == 0 {
		return fmt.Errorf("at least one upstream DNS server must be configured")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "file":
	default:
		return fmt.Errorf("invalid logging output: %s", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	switch c.Cluster.Role {
	case "standalone", "leader", "follower":
	default:
		return fmt.Errorf("cluster.role must be one of standalone, leader, follower")
	}
	if c.Cluster.Role == "follower" && c.Cluster.Enabled && c.Cluster.LeaderURL == "" {
		return fmt.Errorf("cluster.leader_url must be set for a configured follower")
	}

	for i, bl := range c.Blocklists {
		if bl.URL == "" {
			return fmt.Errorf("blocklists[%d].url cannot be empty", i)
		}
		if bl.Mode != "" && bl.Mode != "ACTIVE" && bl.Mode != "SHADOW" {
			return fmt.Errorf("blocklists[%d].mode must be ACTIVE or SHADOW", i)
		}
	}

	return nil
}
