// Package platform loads the gateway configuration and wires the engine,
// caches, managers and service together.
package platform

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/query-gateway/pkg/auth"
)

// CurrentConfigVersion is the only config apiVersion this build accepts.
const CurrentConfigVersion = "v1"

const (
	defaultServerName      = "query-gateway"
	defaultTransport       = "stdio"
	defaultAddress         = ":8080"
	defaultEngineKind      = "memory"
	defaultSessionTimeout  = 6 * time.Hour
	defaultCheckInterval   = 15 * time.Minute
	defaultWorkers         = 50
	defaultQueueSize       = 100
	defaultShutdownTimeout = 10 * time.Second
	defaultGracePeriod     = 5 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultWaitAttempts    = 60
	defaultWaitInterval    = time.Second
	defaultMaxOpenConns    = 10
	defaultRetentionDays   = 90
)

// Supported transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config holds the complete gateway configuration.
type Config struct {
	APIVersion   string             `yaml:"apiVersion"`
	Server       ServerConfig       `yaml:"server"`
	Engine       EngineConfig       `yaml:"engine"`
	Session      SessionConfig      `yaml:"session"`
	Operation    OperationConfig    `yaml:"operation"`
	ContextCache ContextCacheConfig `yaml:"context_cache"`
	Auth         AuthConfig         `yaml:"auth"`
	Database     DatabaseConfig     `yaml:"database"`
	Audit        AuditConfig        `yaml:"audit"`
	Health       HealthConfig       `yaml:"health"`
}

// ServerConfig configures the process and its transport.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Transport string `yaml:"transport"` // "stdio" or "http"
	Address   string `yaml:"address"`
}

// EngineConfig selects the compute engine by kind.
type EngineConfig struct {
	Kind   string         `yaml:"kind"`
	Config map[string]any `yaml:"config"`
}

// SessionConfig configures session reaping. The timers are pointers so an
// explicit zero, which disables reaping, survives defaulting.
type SessionConfig struct {
	Timeout        *time.Duration `yaml:"timeout"`
	CheckInterval  *time.Duration `yaml:"check_interval"`
	CheckOperation *bool          `yaml:"check_operation"`
	LogDir         string         `yaml:"log_dir"`
}

// OperationConfig configures the operation manager and worker pool.
type OperationConfig struct {
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ContextCacheConfig configures compute-context reuse.
type ContextCacheConfig struct {
	// GracePeriod is a pointer so an explicit zero, which evicts on the
	// next sweep, survives defaulting.
	GracePeriod   *time.Duration `yaml:"grace_period"`
	SweepInterval time.Duration  `yaml:"sweep_interval"`
	WaitAttempts  int            `yaml:"wait_attempts"`
	WaitInterval  time.Duration  `yaml:"wait_interval"`
}

// AuthConfig configures authentication, impersonation and delegation.
type AuthConfig struct {
	// Authentication is "none" or "password".
	Authentication string `yaml:"authentication"`

	// Users maps user names to bcrypt hashes.
	Users map[string]string `yaml:"users"`

	Proxy      []auth.ProxyRule `yaml:"proxy"`
	Delegation DelegationConfig `yaml:"delegation"`
}

// DelegationConfig configures delegation tokens.
type DelegationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SigningKey    string        `yaml:"signing_key"` // #nosec G117 -- key material comes from ${ENV} expansion
	Issuer        string        `yaml:"issuer"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	MaxLifetime   time.Duration `yaml:"max_lifetime"`
}

// DatabaseConfig configures the audit database.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// HealthConfig configures the probe listener. An empty address disables it.
type HealthConfig struct {
	Address string `yaml:"address"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, expands ${VAR} references and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = CurrentConfigVersion
	}
	if cfg.APIVersion != CurrentConfigVersion {
		return nil, fmt.Errorf("unsupported config apiVersion %q; supported versions: %s", cfg.APIVersion, CurrentConfigVersion)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// DefaultConfig returns a configuration with every default applied and the
// in-memory engine selected.
func DefaultConfig() *Config {
	cfg := &Config{APIVersion: CurrentConfigVersion}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = defaultServerName
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = defaultTransport
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = defaultAddress
	}
	if cfg.Engine.Kind == "" {
		cfg.Engine.Kind = defaultEngineKind
	}
	if cfg.Session.Timeout == nil {
		timeout := defaultSessionTimeout
		cfg.Session.Timeout = &timeout
	}
	if cfg.Session.CheckInterval == nil {
		interval := defaultCheckInterval
		cfg.Session.CheckInterval = &interval
	}
	if cfg.Session.CheckOperation == nil {
		v := true
		cfg.Session.CheckOperation = &v
	}
	if cfg.Operation.Workers == 0 {
		cfg.Operation.Workers = defaultWorkers
	}
	if cfg.Operation.QueueSize == 0 {
		cfg.Operation.QueueSize = defaultQueueSize
	}
	if cfg.Operation.ShutdownTimeout == 0 {
		cfg.Operation.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ContextCache.GracePeriod == nil {
		grace := defaultGracePeriod
		cfg.ContextCache.GracePeriod = &grace
	}
	if cfg.ContextCache.SweepInterval == 0 {
		cfg.ContextCache.SweepInterval = defaultSweepInterval
	}
	if cfg.ContextCache.WaitAttempts == 0 {
		cfg.ContextCache.WaitAttempts = defaultWaitAttempts
	}
	if cfg.ContextCache.WaitInterval == 0 {
		cfg.ContextCache.WaitInterval = defaultWaitInterval
	}
	if cfg.Auth.Authentication == "" {
		cfg.Auth.Authentication = auth.KindNone
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = defaultRetentionDays
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains([]string{TransportStdio, TransportHTTP}, c.Server.Transport) {
		errs = append(errs, fmt.Sprintf("server.transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Server.Transport))
	}
	if c.Operation.Workers < 1 {
		errs = append(errs, "operation.workers must be at least 1")
	}
	if c.Operation.QueueSize < 0 {
		errs = append(errs, "operation.queue_size must not be negative")
	}
	if c.ContextCache.GracePeriod != nil && *c.ContextCache.GracePeriod < 0 {
		errs = append(errs, "context_cache.grace_period must not be negative")
	}
	if c.ContextCache.SweepInterval <= 0 {
		errs = append(errs, "context_cache.sweep_interval must be positive")
	}
	switch c.Auth.Authentication {
	case auth.KindNone:
	case auth.KindPassword:
		if len(c.Auth.Users) == 0 {
			errs = append(errs, "auth.users is required for password authentication")
		}
	default:
		errs = append(errs, fmt.Sprintf("auth.authentication %q is not supported", c.Auth.Authentication))
	}
	for i, r := range c.Auth.Proxy {
		if r.User == "" {
			errs = append(errs, fmt.Sprintf("auth.proxy[%d].user is required", i))
		}
	}
	if c.Auth.Delegation.Enabled && c.Auth.Delegation.SigningKey == "" {
		errs = append(errs, "auth.delegation.signing_key is required when delegation is enabled")
	}
	if c.Audit.Enabled && c.Audit.RetentionDays < 0 {
		errs = append(errs, "audit.retention_days must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
