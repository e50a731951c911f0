// ABOUTME: Configuration loading and parsing for kook-gateway
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/kook-gateway/internal/api"
	"github.com/2389/kook-gateway/internal/gateway"
)

// Config represents the complete kook-gateway configuration
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" toml:"gateway"`
	Engine  EngineConfig  `yaml:"engine" toml:"engine"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Dedupe  DedupeConfig  `yaml:"dedupe" toml:"dedupe"`
	Echo    EchoConfig    `yaml:"echo" toml:"echo"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// GatewayConfig identifies the bot and where to find its gateway
type GatewayConfig struct {
	APIBase string `yaml:"api_base" toml:"api_base"`
	Token   string `yaml:"token" toml:"token"`
	// BotID keys the stored checkpoint. Defaults to "default".
	BotID string `yaml:"bot_id" toml:"bot_id"`
	// Compress defaults to true when unset.
	Compress *bool `yaml:"compress" toml:"compress"`
}

// CompressEnabled reports whether compressed frames should be requested.
func (g GatewayConfig) CompressEnabled() bool {
	return g.Compress == nil || *g.Compress
}

// EngineConfig holds connection engine tuning. Zero values keep the engine defaults.
type EngineConfig struct {
	ConnectTimeout    time.Duration `yaml:"-" toml:"-"`
	HelloTimeout      time.Duration `yaml:"-" toml:"-"`
	ResumeTimeout     time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	BackoffBase       time.Duration `yaml:"-" toml:"-"`
	BackoffMax        time.Duration `yaml:"-" toml:"-"`

	HeartbeatDeadlineRatio float64  `yaml:"heartbeat_deadline_ratio" toml:"heartbeat_deadline_ratio"`
	MaxMissedHeartbeats    int      `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats"`
	BackoffJitter          *float64 `yaml:"backoff_jitter" toml:"backoff_jitter"`
	DispatchCapacity       int      `yaml:"dispatch_capacity" toml:"dispatch_capacity"`
	GapResumeThreshold     uint64   `yaml:"gap_resume_threshold" toml:"gap_resume_threshold"`
	HandshakeRetryBudget   int      `yaml:"handshake_retry_budget" toml:"handshake_retry_budget"`
	MaxResumeAttempts      int      `yaml:"max_resume_attempts" toml:"max_resume_attempts"`
	MaxMessageSize         int64    `yaml:"max_message_size" toml:"max_message_size"`

	// Raw string values for unmarshaling
	ConnectTimeoutRaw    string `yaml:"connect_timeout" toml:"connect_timeout"`
	HelloTimeoutRaw      string `yaml:"hello_timeout" toml:"hello_timeout"`
	ResumeTimeoutRaw     string `yaml:"resume_timeout" toml:"resume_timeout"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	BackoffBaseRaw       string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffMaxRaw        string `yaml:"backoff_max" toml:"backoff_max"`
}

// StoreConfig holds checkpoint persistence configuration
type StoreConfig struct {
	// Path is the SQLite file. Empty disables checkpoints.
	Path   string        `yaml:"path" toml:"path"`
	MaxAge time.Duration `yaml:"-" toml:"-"`

	MaxAgeRaw string `yaml:"max_age" toml:"max_age"`
}

// DedupeConfig holds the msg_id dedupe window
type DedupeConfig struct {
	Disabled bool          `yaml:"disabled" toml:"disabled"`
	Size     int           `yaml:"size" toml:"size"`
	TTL      time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// EchoConfig controls the run command's reply mode
type EchoConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Prefix  string `yaml:"prefix" toml:"prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	// Addr is where /metrics is served. Empty disables the endpoint.
	Addr string `yaml:"addr" toml:"addr"`
	Path string `yaml:"path" toml:"path"`
}

// Defaults for fields the engine does not own.
const (
	DefaultBotID          = "default"
	DefaultCheckpointAge  = 5 * time.Minute
	DefaultDedupeTTL      = 10 * time.Minute
	DefaultDedupeSize     = 4096
	DefaultMetricsPath    = "/metrics"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultEchoPrefix     = "echo: "
	EnvConfigPath         = "KOOK_GATEWAY_CONFIG"
	defaultConfigFileName = "config.yaml"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ResolvePath picks the config file: the explicit path, then
// $KOOK_GATEWAY_CONFIG, then ./config.yaml.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigFileName
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Gateway.APIBase == "" {
		c.Gateway.APIBase = api.DefaultBaseURL
	}
	if c.Gateway.BotID == "" {
		c.Gateway.BotID = DefaultBotID
	}
	if c.Store.MaxAge == 0 {
		c.Store.MaxAge = DefaultCheckpointAge
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.Size == 0 {
		c.Dedupe.Size = DefaultDedupeSize
	}
	if c.Echo.Prefix == "" {
		c.Echo.Prefix = DefaultEchoPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Gateway.Token == "" {
		return fmt.Errorf("gateway.token is required")
	}

	u, err := url.Parse(c.Gateway.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("gateway.api_base must be an http(s) URL, got %q", c.Gateway.APIBase)
	}

	if c.Dedupe.Size < 0 {
		return fmt.Errorf("dedupe.size must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}

	if err := c.EngineOptions().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	return nil
}

// EngineOptions merges the engine section over the engine defaults.
func (c *Config) EngineOptions() gateway.Options {
	o := gateway.DefaultOptions()
	e := c.Engine

	o.Compress = c.Gateway.CompressEnabled()
	o.CheckpointMaxAge = c.Store.MaxAge

	setDuration(&o.ConnectTimeout, e.ConnectTimeout)
	setDuration(&o.HelloTimeout, e.HelloTimeout)
	setDuration(&o.ResumeTimeout, e.ResumeTimeout)
	setDuration(&o.WriteTimeout, e.WriteTimeout)
	setDuration(&o.HeartbeatInterval, e.HeartbeatInterval)
	setDuration(&o.BackoffBase, e.BackoffBase)
	setDuration(&o.BackoffMax, e.BackoffMax)

	if e.HeartbeatDeadlineRatio != 0 {
		o.HeartbeatDeadlineRatio = e.HeartbeatDeadlineRatio
	}
	if e.MaxMissedHeartbeats != 0 {
		o.MaxMissedHeartbeats = e.MaxMissedHeartbeats
	}
	if e.BackoffJitter != nil {
		o.BackoffJitter = *e.BackoffJitter
	}
	if e.DispatchCapacity != 0 {
		o.DispatchCapacity = e.DispatchCapacity
	}
	if e.MaxResumeAttempts != 0 {
		o.MaxResumeAttempts = e.MaxResumeAttempts
	}
	if e.MaxMessageSize != 0 {
		o.MaxMessageSize = e.MaxMessageSize
	}
	o.GapResumeThreshold = e.GapResumeThreshold
	o.HandshakeRetryBudget = e.HandshakeRetryBudget

	return o
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"engine.connect_timeout", cfg.Engine.ConnectTimeoutRaw, &cfg.Engine.ConnectTimeout},
		{"engine.hello_timeout", cfg.Engine.HelloTimeoutRaw, &cfg.Engine.HelloTimeout},
		{"engine.resume_timeout", cfg.Engine.ResumeTimeoutRaw, &cfg.Engine.ResumeTimeout},
		{"engine.write_timeout", cfg.Engine.WriteTimeoutRaw, &cfg.Engine.WriteTimeout},
		{"engine.heartbeat_interval", cfg.Engine.HeartbeatIntervalRaw, &cfg.Engine.HeartbeatInterval},
		{"engine.backoff_base", cfg.Engine.BackoffBaseRaw, &cfg.Engine.BackoffBase},
		{"engine.backoff_max", cfg.Engine.BackoffMaxRaw, &cfg.Engine.BackoffMax},
		{"store.max_age", cfg.Store.MaxAgeRaw, &cfg.Store.MaxAge},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
