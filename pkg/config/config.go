// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address  string    `yaml:"address"`
	Endpoint string    `yaml:"endpoint"` // MCP endpoint path
	TLS      TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SessionConfig configures session lifecycle management.
type SessionConfig struct {
	// MaxIdleSessions bounds idle sessions, not total concurrent sessions.
	MaxIdleSessions int `yaml:"max_idle_sessions"`

	// IdleTimeout is how long a session may sit idle before the reaper
	// removes it. Zero or negative disables time-based expiry.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ReapInterval is the period between prune passes.
	ReapInterval Duration `yaml:"reap_interval"`

	// Stateless makes every session one-shot.
	Stateless bool `yaml:"stateless"`
}

// TimeoutDisabled reports whether time-based idle expiry is off.
func (c SessionConfig) TimeoutDisabled() bool {
	return c.IdleTimeout.Value() <= 0
}

// AuthConfig configures authentication.
type AuthConfig struct {
	// SigningKey is the base64 or raw HMAC key used to verify bearer tokens.
	// Empty means tokens are parsed without signature verification.
	SigningKey string `yaml:"signing_key"`

	// Issuer, when set, is required on bearer tokens.
	Issuer string `yaml:"issuer"`

	// APIKeys maps key names to bcrypt hashes.
	APIKeys []APIKeyDef `yaml:"api_keys"`

	// AllowAnonymous permits requests without credentials.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// APIKeyDef defines an API key by name and bcrypt hash.
type APIKeyDef struct {
	Name string `yaml:"name"`
	Hash string `yaml:"hash"`
}

// AuditConfig configures the session audit trail.
type AuditConfig struct {
	// Backend selects the recorder: "slog", "postgres", or "" for none.
	Backend       string `yaml:"backend"`
	DSN           string `yaml:"dsn"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// Duration wraps time.Duration to accept human-readable values like "90s"
// in YAML.
type Duration time.Duration

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML parses a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	case int:
		*d = Duration(v)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// LoadConfig reads, expands, and validates the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration with env expansion and defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.Endpoint == "" {
		cfg.Server.Endpoint = "/mcp"
	}
	if cfg.Session.MaxIdleSessions == 0 {
		cfg.Session.MaxIdleSessions = 100
	}
	if cfg.Session.IdleTimeout == 0 {
		cfg.Session.IdleTimeout = Duration(2 * time.Hour)
	}
	if cfg.Session.ReapInterval == 0 {
		cfg.Session.ReapInterval = Duration(5 * time.Second)
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Session.MaxIdleSessions < 0 {
		errs = append(errs, "session.max_idle_sessions must not be negative")
	}
	if c.Session.ReapInterval.Value() <= 0 {
		errs = append(errs, "session.reap_interval must be positive")
	}
	if !strings.HasPrefix(c.Server.Endpoint, "/") {
		errs = append(errs, "server.endpoint must start with /")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.cert_file and key_file are required when TLS is enabled")
		}
	}
	switch c.Audit.Backend {
	case "", "slog":
	case "postgres":
		if c.Audit.DSN == "" {
			errs = append(errs, "audit.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown audit backend %q", c.Audit.Backend))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown logging level %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("unknown logging format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
