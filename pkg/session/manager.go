package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/audit"
	"github.com/txn2/query-gateway/pkg/auth"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/operation"
)

// ProxyUserKey is the session conf key naming the identity to impersonate.
const ProxyUserKey = "session.proxy.user"

const (
	defaultTimeout         = 6 * time.Hour
	defaultCheckInterval   = 15 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
	defaultServerName      = "query-gateway"

	// minCheckInterval keeps a misconfigured reaper from spinning.
	minCheckInterval = 100 * time.Millisecond
)

// Config configures the session manager.
type Config struct {
	// Timeout closes sessions whose last access is older than this. Zero or
	// negative disables session reaping.
	Timeout time.Duration

	// CheckInterval is the reaper period. Zero or negative disables the
	// reaper.
	CheckInterval time.Duration

	// CheckOperation keeps sessions with tracked operations alive until the
	// session itself has been idle past Timeout.
	CheckOperation bool

	// LogDir is the root for per-session log directories. Empty keeps
	// operation logs in memory.
	LogDir string

	// ShutdownTimeout bounds how long Shutdown waits for in-flight
	// operations.
	ShutdownTimeout time.Duration

	ServerName string
}

// DefaultConfig returns the default session manager configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         defaultTimeout,
		CheckInterval:   defaultCheckInterval,
		CheckOperation:  true,
		ShutdownTimeout: defaultShutdownTimeout,
		ServerName:      defaultServerName,
	}
}

// Cache is the compute-context cache the manager lends from and tears down.
type Cache interface {
	ContextCache
	Close() error
}

// Deps are the collaborators a Manager needs.
type Deps struct {
	Engine        engine.Engine
	Cache         Cache
	Operations    *operation.Manager
	Authenticator auth.Authenticator
	Proxy         auth.ProxyAuthorizer
	Audit         audit.Logger
}

// OpenRequest carries the parameters of OpenSession.
type OpenRequest struct {
	Protocol    handle.ProtocolVersion
	User        string
	Password    string
	IPAddress   string
	Conf        map[string]string
	Impersonate bool
}

// Stats counts sessions and their tracked operations.
type Stats struct {
	Sessions   int `json:"sessions"`
	Operations int `json:"operations"`
}

// Manager is the registry and lifecycle authority for sessions.
type Manager struct {
	cfg    Config
	deps   Deps
	now    func() time.Time
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Session
	closed bool

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// NewManager validates deps and creates a manager. Missing auth
// collaborators default to accepting every user and denying impersonation.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("session manager requires an engine")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("session manager requires a context cache")
	}
	if deps.Operations == nil {
		return nil, fmt.Errorf("session manager requires an operation manager")
	}
	if deps.Authenticator == nil {
		deps.Authenticator = auth.NoneAuthenticator{}
	}
	if deps.Proxy == nil {
		deps.Proxy = auth.DenyAllAuthorizer{}
	}
	if deps.Audit == nil {
		deps.Audit = audit.NoopLogger{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = defaultServerName
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating session log root: %w", err)
		}
	}
	return &Manager{
		cfg:  cfg,
		deps: deps,
		now:  time.Now,
		byID: make(map[uuid.UUID]*Session),
	}, nil
}

// OpenSession authenticates the caller, resolves the identity statements
// run as, negotiates the protocol and borrows a compute context.
func (m *Manager) OpenSession(ctx context.Context, req OpenRequest) (handle.SessionHandle, error) {
	start := m.now()
	h, identity, err := m.openSession(ctx, req)

	var sessionID string
	if err == nil {
		sessionID = h.String()
	}
	event := audit.NewEvent(audit.EventTypeSessionOpen).
		WithSession(sessionID, req.User, req.IPAddress).
		WithIdentity(identity).
		WithConf(req.Conf)
	if err != nil {
		apiErr := apierr.From(err)
		event.WithResult(false, apiErr.Error(), apiErr.SQLState, m.now().Sub(start).Milliseconds())
	} else {
		event.WithResult(true, "", "", m.now().Sub(start).Milliseconds())
	}
	m.record(ctx, event)
	return h, err
}

func (m *Manager) openSession(ctx context.Context, req OpenRequest) (handle.SessionHandle, string, error) {
	if m.isClosed() {
		return handle.SessionHandle{}, "", apierr.Resourcef("session manager is shut down")
	}
	protocol, err := handle.Negotiate(req.Protocol)
	if err != nil {
		return handle.SessionHandle{}, "", err
	}
	if err := m.deps.Authenticator.Authenticate(ctx, req.User, req.Password); err != nil {
		return handle.SessionHandle{}, "", err
	}
	identity, err := m.resolveIdentity(req)
	if err != nil {
		return handle.SessionHandle{}, "", err
	}

	h := handle.NewSessionHandle(protocol)
	s := &Session{
		handle:     h,
		user:       req.User,
		identity:   identity,
		ipAddress:  req.IPAddress,
		conf:       sessionConf(req.Conf),
		serverName: m.cfg.ServerName,
		createdAt:  m.now(),
		engine:     m.deps.Engine,
		cache:      m.deps.Cache,
		ops:        m.deps.Operations,
		now:        m.now,
		operations: make(map[uuid.UUID]handle.OperationHandle),
	}
	if m.cfg.LogDir != "" {
		s.logDir = filepath.Join(m.cfg.LogDir, h.ID.Public.String())
		if err := os.MkdirAll(s.logDir, 0o700); err != nil {
			return handle.SessionHandle{}, identity, fmt.Errorf("creating session log directory: %w", err)
		}
	}

	if err := s.open(ctx); err != nil {
		if s.logDir != "" {
			_ = os.RemoveAll(s.logDir)
		}
		return handle.SessionHandle{}, identity, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if cerr := s.Close(); cerr != nil {
			slog.Warn("closing session opened during shutdown", slogKeySession, h, slogKeyError, cerr)
		}
		return handle.SessionHandle{}, identity, apierr.Resourcef("session manager is shut down")
	}
	m.byID[h.ID.Public] = s
	m.mu.Unlock()

	slog.Info("session opened", slogKeySession, h, "user", req.User, "identity", identity, "protocol", protocol)
	return h, identity, nil
}

// resolveIdentity returns the proxy user when impersonation is requested and
// allowed, else the connecting user.
func (m *Manager) resolveIdentity(req OpenRequest) (string, error) {
	proxy := req.Conf[ProxyUserKey]
	if proxy == "" {
		if req.Impersonate {
			return "", apierr.Authf("impersonation requested without %s", ProxyUserKey)
		}
		return req.User, nil
	}
	if !req.Impersonate {
		return "", apierr.Authf("%s is set but impersonation was not requested", ProxyUserKey)
	}
	if err := m.deps.Proxy.VerifyProxyAccess(req.User, proxy, req.IPAddress); err != nil {
		return "", err
	}
	return proxy, nil
}

// sessionConf drops gateway-only keys before conf reaches the engine.
func sessionConf(conf map[string]string) map[string]string {
	out := make(map[string]string, len(conf))
	for k, v := range conf {
		if k == ProxyUserKey {
			continue
		}
		out[k] = v
	}
	return out
}

// CloseSession unregisters and closes the session.
func (m *Manager) CloseSession(ctx context.Context, h handle.SessionHandle) error {
	m.mu.Lock()
	s, err := m.lookupLocked(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.byID, h.ID.Public)
	m.mu.Unlock()

	return m.closeSession(ctx, s, "client")
}

func (m *Manager) closeSession(ctx context.Context, s *Session, reason string) error {
	start := m.now()
	err := s.Close()

	event := audit.NewEvent(audit.EventTypeSessionClose).
		WithSession(s.handle.String(), s.user, s.ipAddress).
		WithIdentity(s.identity).
		WithState(reason)
	if err != nil {
		apiErr := apierr.From(err)
		event.WithResult(false, apiErr.Error(), apiErr.SQLState, m.now().Sub(start).Milliseconds())
	} else {
		event.WithResult(true, "", "", m.now().Sub(start).Milliseconds())
	}
	m.record(ctx, event)

	slog.Info("session closed", slogKeySession, s.handle, "reason", reason)
	return err
}

// Session returns the registered session for h.
func (m *Manager) Session(h handle.SessionHandle) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(h)
}

func (m *Manager) lookupLocked(h handle.SessionHandle) (*Session, error) {
	s, ok := m.byID[h.ID.Public]
	if !ok {
		return nil, apierr.NotFoundf("session %s not found", h)
	}
	if !s.handle.ID.Matches(h.ID) {
		return nil, apierr.Protocolf("invalid session handle %s", h)
	}
	return s, nil
}

// OperationSession returns the session that owns the operation.
func (m *Manager) OperationSession(h handle.OperationHandle) (*Session, error) {
	op, err := m.deps.Operations.Get(h)
	if err != nil {
		return nil, err
	}
	owner := op.Session()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[owner.ID.Public]
	if !ok {
		return nil, apierr.NotFoundf("session of operation %s not found", h)
	}
	return s, nil
}

// Reap closes sessions idle past the timeout and lets the others close their
// expired operations. It returns the number of sessions closed.
func (m *Manager) Reap(now time.Time) int {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	closed := 0
	for _, s := range sessions {
		if m.expired(s, now) {
			if !m.unregister(s) {
				continue
			}
			slog.Info("session idle timeout", slogKeySession, s.handle, "last_access", s.LastAccess())
			if err := m.closeSession(context.Background(), s, "idle timeout"); err != nil {
				slog.Warn("closing idle session", slogKeySession, s.handle, slogKeyError, err)
			}
			closed++
			continue
		}
		s.CloseExpiredOperations()
	}
	return closed
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	timeout := m.cfg.Timeout
	if timeout <= 0 {
		return false
	}
	if s.LastAccess().Add(timeout).After(now) {
		return false
	}
	return !m.cfg.CheckOperation || s.IdleDuration(now) > timeout
}

// unregister removes s if it is still registered.
func (m *Manager) unregister(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[s.handle.ID.Public]; !ok || cur != s {
		return false
	}
	delete(m.byID, s.handle.ID.Public)
	return true
}

// StartReaper starts the idle-session reaper. It is a no-op when the check
// interval is not positive. The reaper stops on Shutdown.
func (m *Manager) StartReaper() {
	if m.cfg.CheckInterval <= 0 {
		return
	}
	interval := max(m.cfg.CheckInterval, minCheckInterval)

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.reaperCancel != nil || m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.reaperCancel = cancel
	m.reaperDone = make(chan struct{})
	done := m.reaperDone
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Reap(m.now()); n > 0 {
					slog.Debug("reaper closed sessions", "count", n)
				}
			}
		}
	}()
}

func (m *Manager) stopReaper() {
	m.mu.Lock()
	cancel, done := m.reaperCancel, m.reaperDone
	m.reaperCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Shutdown refuses new sessions, drains the operation pool, stops the
// reaper, closes every session and tears down the context cache.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.deps.Operations.Shutdown(m.cfg.ShutdownTimeout)
	m.stopReaper()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for id, s := range m.byID {
		sessions = append(sessions, s)
		delete(m.byID, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := m.closeSession(ctx, s, "shutdown"); err != nil {
			slog.Warn("closing session during shutdown", slogKeySession, s.handle, slogKeyError, err)
		}
	}

	if err := m.deps.Cache.Close(); err != nil {
		return fmt.Errorf("closing context cache: %w", err)
	}
	return nil
}

// Stats returns session and operation counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	st := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		st.Operations += s.OperationCount()
	}
	return st
}

// Engine returns the engine sessions run on.
func (m *Manager) Engine() engine.Engine { return m.deps.Engine }

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func (m *Manager) record(ctx context.Context, event *audit.Event) {
	if err := m.deps.Audit.Log(context.WithoutCancel(ctx), *event); err != nil {
		slog.Warn("audit log failed", "event", event.Type, slogKeyError, err)
	}
}
