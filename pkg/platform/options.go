package platform

import (
	"database/sql"

	"github.com/txn2/query-gateway/pkg/audit"
	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/engine"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Engine (optional, will be built from config.engine if not provided).
	Engine engine.Engine

	// EngineRegistry (optional, defaults to the built-in engines).
	EngineRegistry *engine.Registry

	// DB is the audit database (optional, will be opened from config.database.dsn if not provided).
	DB *sql.DB

	// AuditLogger (optional, will be created from config if not provided).
	AuditLogger audit.Logger

	// Authenticator (optional, will be created from config if not provided).
	Authenticator auth.Authenticator

	// ProxyAuthorizer (optional, will be created from config if not provided).
	ProxyAuthorizer auth.ProxyAuthorizer
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithEngine sets the compute engine.
func WithEngine(e engine.Engine) Option {
	return func(o *Options) {
		o.Engine = e
	}
}

// WithEngineRegistry sets the registry config.engine.kind is resolved in.
func WithEngineRegistry(r *engine.Registry) Option {
	return func(o *Options) {
		o.EngineRegistry = r
	}
}

// WithDB sets the audit database connection. The platform neither migrates
// nor closes a connection it did not open.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(l audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = l
	}
}

// WithAuthenticator sets the authenticator.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(o *Options) {
		o.Authenticator = a
	}
}

// WithProxyAuthorizer sets the impersonation authorizer.
func WithProxyAuthorizer(p auth.ProxyAuthorizer) Option {
	return func(o *Options) {
		o.ProxyAuthorizer = p
	}
}
