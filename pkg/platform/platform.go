package platform

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver for the audit database

	"github.com/txn2/query-gateway/pkg/audit"
	auditpostgres "github.com/txn2/query-gateway/pkg/audit/postgres"
	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/contextcache"
	"github.com/txn2/query-gateway/pkg/database/migrate"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/gateway"
	"github.com/txn2/query-gateway/pkg/health"
	"github.com/txn2/query-gateway/pkg/operation"
	"github.com/txn2/query-gateway/pkg/session"
)

const (
	slogKeyError = "error"

	auditCleanupInterval = 24 * time.Hour
)

// Platform owns every long-lived gateway component.
type Platform struct {
	config *Config

	engine     engine.Engine
	cache      *contextcache.Cache
	operations *operation.Manager
	sessions   *session.Manager
	service    *gateway.Service
	health     *health.Checker
	proxy      auth.ProxyAuthorizer
	tokens     *auth.DelegationTokens
	audit      audit.Logger
	db         *sql.DB

	lifecycle *Lifecycle
}

// New builds the platform from its options. Background routines do not run
// until Start.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	p := &Platform{
		config:    options.Config,
		health:    health.NewChecker(),
		lifecycle: NewLifecycle(),
	}

	if err := p.initializeComponents(options); err != nil {
		if stopErr := p.lifecycle.Stop(context.Background()); stopErr != nil {
			slog.Warn("releasing partially built platform", slogKeyError, stopErr)
		}
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents builds the components in dependency order. Each one
// is added to the lifecycle as soon as it exists so a later failure releases
// it.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if err := p.initAudit(opts); err != nil {
		return err
	}
	if err := p.initEngine(opts); err != nil {
		return err
	}
	if err := p.initSessions(opts); err != nil {
		return err
	}
	p.initService()
	return nil
}

func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}
	if p.config.Database.DSN == "" {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	p.lifecycle.AddCloser("database", db.Close)

	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	if err := db.PingContext(context.Background()); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	p.db = db
	return nil
}

func (p *Platform) initAudit(opts *Options) error {
	switch {
	case opts.AuditLogger != nil:
		p.audit = opts.AuditLogger
	case !p.config.Audit.Enabled:
		p.audit = audit.NoopLogger{}
	case p.db != nil:
		store := auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: p.config.Audit.RetentionDays})
		p.lifecycle.Add("audit cleanup", func(context.Context) error {
			store.StartCleanupRoutine(auditCleanupInterval)
			return nil
		}, func(context.Context) error {
			return store.Close()
		})
		p.audit = store
	default:
		p.audit = audit.NewSlogLogger(slog.Default())
	}
	return nil
}

func (p *Platform) initEngine(opts *Options) error {
	if opts.Engine != nil {
		p.engine = opts.Engine
		return nil
	}
	registry := opts.EngineRegistry
	if registry == nil {
		registry = NewEngineRegistry()
	}
	eng, err := registry.New(p.config.Engine.Kind, p.config.Engine.Config)
	if err != nil {
		return err
	}
	p.engine = eng
	return nil
}

func (p *Platform) initSessions(opts *Options) error {
	cc := p.config.ContextCache
	p.cache = contextcache.New(p.engine, contextcache.Config{
		GracePeriod:  *cc.GracePeriod,
		WaitAttempts: cc.WaitAttempts,
		WaitInterval: cc.WaitInterval,
	})

	ops, err := operation.NewManager(operation.Config{
		IdleTimeout: p.config.Operation.IdleTimeout,
		Workers:     p.config.Operation.Workers,
		QueueSize:   p.config.Operation.QueueSize,
	}, p.audit)
	if err != nil {
		_ = p.cache.Close()
		return fmt.Errorf("creating operation manager: %w", err)
	}
	p.operations = ops

	authenticator, err := p.authenticator(opts)
	if err != nil {
		p.abandonSessions()
		return err
	}
	p.proxy = opts.ProxyAuthorizer
	if p.proxy == nil {
		p.proxy, err = newProxyAuthorizer(p.config.Auth.Proxy)
		if err != nil {
			p.abandonSessions()
			return err
		}
	}

	sc := p.config.Session
	p.sessions, err = session.NewManager(session.Config{
		Timeout:         *sc.Timeout,
		CheckInterval:   *sc.CheckInterval,
		CheckOperation:  sc.CheckOperation == nil || *sc.CheckOperation,
		LogDir:          sc.LogDir,
		ShutdownTimeout: p.config.Operation.ShutdownTimeout,
		ServerName:      p.config.Server.Name,
	}, session.Deps{
		Engine:        p.engine,
		Cache:         p.cache,
		Operations:    ops,
		Authenticator: authenticator,
		Proxy:         p.proxy,
		Audit:         p.audit,
	})
	if err != nil {
		p.abandonSessions()
		return fmt.Errorf("creating session manager: %w", err)
	}

	// Shutdown drains the pool, stops the reaper, closes every session and
	// then the cache, in that order. It runs even if Start never did.
	p.lifecycle.Add("sessions", nil, p.sessions.Shutdown)
	p.lifecycle.Add("reaper", func(context.Context) error {
		p.cache.StartSweeper(cc.SweepInterval)
		p.sessions.StartReaper()
		return nil
	}, nil)
	return nil
}

// authenticator builds the configured authenticator. With delegation
// enabled a live token is accepted in place of a password.
func (p *Platform) authenticator(opts *Options) (auth.Authenticator, error) {
	authenticator := opts.Authenticator
	if authenticator == nil {
		var err error
		authenticator, err = auth.NewAuthenticator(p.config.Auth.Authentication, p.config.Auth.Users)
		if err != nil {
			return nil, fmt.Errorf("creating authenticator: %w", err)
		}
	}

	d := p.config.Auth.Delegation
	if !d.Enabled {
		return authenticator, nil
	}
	tokens, err := auth.NewDelegationTokens(auth.DelegationConfig{
		SigningKey:    []byte(d.SigningKey),
		Issuer:        d.Issuer,
		RenewInterval: d.RenewInterval,
		MaxLifetime:   d.MaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("creating delegation tokens: %w", err)
	}
	p.tokens = tokens
	return auth.TokenAuthenticator{Tokens: tokens, Next: authenticator}, nil
}

// abandonSessions releases the cache and pool when the session manager
// could not be built.
func (p *Platform) abandonSessions() {
	p.operations.Shutdown(0)
	_ = p.cache.Close()
}

func newProxyAuthorizer(rules []auth.ProxyRule) (auth.ProxyAuthorizer, error) {
	if len(rules) == 0 {
		return auth.DenyAllAuthorizer{}, nil
	}
	authz, err := auth.NewRuleAuthorizer(rules)
	if err != nil {
		return nil, fmt.Errorf("creating proxy authorizer: %w", err)
	}
	return authz, nil
}

func (p *Platform) initService() {
	p.service = gateway.NewService(p.sessions, gateway.Options{Proxy: p.proxy, Tokens: p.tokens})

	p.health.SetStats(p.stats)

	// Stops first so probes report draining before anything goes away.
	p.lifecycle.Add("health", func(context.Context) error {
		p.health.SetReady()
		return nil
	}, func(context.Context) error {
		p.health.SetDraining()
		return nil
	})
}

func (p *Platform) stats() health.Stats {
	ss := p.sessions.Stats()
	ops := p.operations.Stats()
	cs := p.cache.Stats()
	return health.Stats{
		Sessions:          ss.Sessions,
		Operations:        ops.Operations,
		PendingOperations: ops.Pending,
		RunningOperations: ops.Running,
		PoolBusy:          ops.PoolBusy,
		Contexts:          cs.Entries,
		IdleContexts:      cs.Idle,
	}
}

// Start launches the reaper, sweeper and audit cleanup and marks the
// gateway ready.
func (p *Platform) Start(ctx context.Context) error {
	if err := p.lifecycle.Start(ctx); err != nil {
		return err
	}
	slog.Info("gateway started",
		"engine", p.engine.Name(),
		"engine_version", p.engine.Version(),
		"workers", p.config.Operation.Workers,
	)
	return nil
}

// Stop drains and shuts the platform down in reverse build order. It is
// safe to call more than once.
func (p *Platform) Stop(ctx context.Context) error {
	if err := p.lifecycle.Stop(ctx); err != nil {
		return fmt.Errorf("stopping platform: %w", err)
	}
	return nil
}

// Close stops the platform, bounding session teardown by the operation
// shutdown timeout plus the time sessions need to close.
func (p *Platform) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*p.config.Operation.ShutdownTimeout)
	defer cancel()
	return p.Stop(ctx)
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Service returns the gateway service.
func (p *Platform) Service() *gateway.Service {
	return p.service
}

// Health returns the readiness checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Sessions returns the session manager.
func (p *Platform) Sessions() *session.Manager {
	return p.sessions
}

// AuditLogger returns the audit logger.
func (p *Platform) AuditLogger() audit.Logger {
	return p.audit
}
