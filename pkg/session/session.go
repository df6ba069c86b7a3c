// Package session binds client connections to compute contexts and to the
// operations they spawn.
//
// Every client call on a Session runs inside an acquire/release bracket.
// release records when the session last became idle, which is what the
// Manager's reaper uses to decide whether a session may be closed.
package session

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/handle"
	"github.com/txn2/query-gateway/pkg/operation"
)

const (
	slogKeyError     = "error"
	slogKeySession   = "session"
	slogKeyOperation = "operation"
)

// ContextCache lends compute contexts to sessions.
type ContextCache interface {
	Acquire(ctx context.Context, identity string, conf map[string]string) (engine.Context, error)
	Release(identity string) error
}

// InfoType selects a GetInfo value.
type InfoType int

// Info types.
const (
	InfoServerName InfoType = iota
	InfoDBMSName
	InfoDBMSVer
)

// String returns the info type name.
func (t InfoType) String() string {
	switch t {
	case InfoServerName:
		return "SERVER_NAME"
	case InfoDBMSName:
		return "DBMS_NAME"
	case InfoDBMSVer:
		return "DBMS_VER"
	default:
		return "UNKNOWN"
	}
}

// Session is one client connection.
type Session struct {
	handle     handle.SessionHandle
	user       string
	identity   string
	ipAddress  string
	conf       map[string]string
	logDir     string
	serverName string
	createdAt  time.Time

	engine engine.Engine
	cache  ContextCache
	ops    *operation.Manager
	now    func() time.Time

	mu          sync.Mutex
	engineCtx   engine.Context
	operations  map[uuid.UUID]handle.OperationHandle
	activeCalls int
	lastAccess  time.Time
	lastIdle    time.Time
	closed      bool
}

// Handle returns the session handle.
func (s *Session) Handle() handle.SessionHandle { return s.handle }

// User returns the authenticated user.
func (s *Session) User() string { return s.user }

// Identity returns the identity statements run as.
func (s *Session) Identity() string { return s.identity }

// IPAddress returns the client address.
func (s *Session) IPAddress() string { return s.ipAddress }

// CreatedAt returns when the session opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastAccess returns the time of the last client call.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// OperationCount returns the number of tracked operations.
func (s *Session) OperationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.operations)
}

// Operations returns the tracked operation handles.
func (s *Session) Operations() []handle.OperationHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlesLocked()
}

func (s *Session) handlesLocked() []handle.OperationHandle {
	out := make([]handle.OperationHandle, 0, len(s.operations))
	for _, h := range s.operations {
		out = append(out, h)
	}
	return out
}

// acquire opens a bracket. A session inside a bracket is never idle.
func (s *Session) acquire(userAccess bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeCalls++
	s.lastIdle = time.Time{}
	if userAccess {
		s.lastAccess = s.now()
	}
}

// release closes a bracket. The session becomes idle when no call is in
// flight and no operation is tracked.
func (s *Session) release(userAccess bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.activeCalls--
	if userAccess {
		s.lastAccess = now
	}
	if s.activeCalls == 0 && len(s.operations) == 0 {
		s.lastIdle = now
	} else {
		s.lastIdle = time.Time{}
	}
}

// open borrows the compute context for the session's identity.
func (s *Session) open(ctx context.Context) error {
	ectx, err := s.cache.Acquire(ctx, s.identity, s.conf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.engineCtx = ectx
	s.lastAccess = now
	s.lastIdle = now
	return nil
}

// EngineContext returns the borrowed compute context.
func (s *Session) EngineContext() engine.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineCtx
}

func (s *Session) liveContext() (engine.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.engineCtx == nil {
		return nil, apierr.Statef("session %s is closed", s.handle)
	}
	return s.engineCtx, nil
}

func (s *Session) owner() operation.Owner {
	return operation.Owner{
		Session:   s.handle,
		User:      s.user,
		Identity:  s.identity,
		IPAddress: s.ipAddress,
		LogDir:    s.logDir,
	}
}

// ExecuteStatement runs statement and tracks the resulting operation. On
// failure the half-created operation is closed and the error returned.
func (s *Session) ExecuteStatement(ctx context.Context, statement string, async bool, conf map[string]string) (handle.OperationHandle, error) {
	s.acquire(true)
	defer s.release(true)

	ectx, err := s.liveContext()
	if err != nil {
		return handle.OperationHandle{}, err
	}

	opConf := maps.Clone(s.conf)
	if opConf == nil {
		opConf = make(map[string]string, len(conf))
	}
	maps.Copy(opConf, conf)

	op, err := s.ops.NewOperation(s.owner(), ectx, statement, opConf)
	if err != nil {
		return handle.OperationHandle{}, err
	}
	h := op.Handle()
	if err := s.ops.Run(ctx, op, async); err != nil {
		if cerr := s.ops.Close(h); cerr != nil {
			slog.Warn("closing failed operation", slogKeySession, s.handle, slogKeyOperation, h, slogKeyError, cerr)
		}
		return handle.OperationHandle{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if cerr := s.ops.Close(h); cerr != nil {
			slog.Warn("closing operation of closed session", slogKeySession, s.handle, slogKeyOperation, h, slogKeyError, cerr)
		}
		return handle.OperationHandle{}, apierr.Statef("session %s closed while the statement was submitted", s.handle)
	}
	s.operations[h.ID.Public] = h
	s.mu.Unlock()
	return h, nil
}

// tracked returns the session's copy of h or a not-found error.
func (s *Session) tracked(h handle.OperationHandle) (handle.OperationHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	own, ok := s.operations[h.ID.Public]
	if !ok || !own.ID.Matches(h.ID) {
		return handle.OperationHandle{}, apierr.NotFoundf("operation %s not found in session %s", h, s.handle)
	}
	return own, nil
}

// CancelOperation cancels a tracked operation.
func (s *Session) CancelOperation(h handle.OperationHandle) error {
	s.acquire(true)
	defer s.release(true)

	if _, err := s.tracked(h); err != nil {
		return err
	}
	return s.ops.Cancel(h)
}

// CloseOperation closes a tracked operation. A handle the session no longer
// tracks is a no-op.
func (s *Session) CloseOperation(h handle.OperationHandle) error {
	s.acquire(true)
	defer s.release(true)
	return s.closeOperation(h)
}

func (s *Session) closeOperation(h handle.OperationHandle) error {
	if _, err := s.tracked(h); err != nil {
		return nil
	}
	err := s.ops.Close(h)

	s.mu.Lock()
	delete(s.operations, h.ID.Public)
	s.mu.Unlock()
	return err
}

// FetchResults reads rows or log lines from a tracked operation.
func (s *Session) FetchResults(h handle.OperationHandle, orientation operation.Orientation, maxRows int, kind operation.FetchKind) (*operation.RowSet, error) {
	s.acquire(true)
	defer s.release(true)

	if _, err := s.tracked(h); err != nil {
		return nil, err
	}
	return s.ops.FetchResults(h, orientation, maxRows, kind)
}

// GetResultSetSchema returns the columns of a tracked, finished operation.
func (s *Session) GetResultSetSchema(h handle.OperationHandle) ([]engine.Column, error) {
	s.acquire(true)
	defer s.release(true)

	if _, err := s.tracked(h); err != nil {
		return nil, err
	}
	return s.ops.GetResultSetSchema(h)
}

// GetStatus returns the status of a tracked operation.
func (s *Session) GetStatus(h handle.OperationHandle) (operation.Status, error) {
	s.acquire(true)
	defer s.release(true)

	if _, err := s.tracked(h); err != nil {
		return operation.Status{}, err
	}
	return s.ops.GetStatus(h)
}

// GetInfo returns server and engine metadata.
func (s *Session) GetInfo(t InfoType) (string, error) {
	s.acquire(true)
	defer s.release(true)

	switch t {
	case InfoServerName:
		return s.serverName, nil
	case InfoDBMSName:
		return s.engine.Name(), nil
	case InfoDBMSVer:
		return s.engine.Version(), nil
	default:
		return "", apierr.Protocolf("unsupported info type %d", int(t))
	}
}

// Close closes every tracked operation, returns the compute context to the
// cache and removes the session log directory. Every step is attempted;
// the failures are returned together.
func (s *Session) Close() error {
	s.acquire(true)
	defer s.release(true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := s.handlesLocked()
	s.operations = make(map[uuid.UUID]handle.OperationHandle)
	ectx := s.engineCtx
	s.engineCtx = nil
	s.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := s.ops.Close(h); err != nil {
			slog.Warn("closing operation during session close", slogKeySession, s.handle, slogKeyOperation, h, slogKeyError, err)
			errs = append(errs, err)
		}
	}

	// The reference is returned only after every operation is torn down, so
	// the sweeper never evicts a context that still has work attached.
	if ectx != nil {
		if err := s.cache.Release(s.identity); err != nil {
			slog.Warn("releasing compute context", slogKeySession, s.handle, slogKeyError, err)
			errs = append(errs, err)
		}
	}

	if s.logDir != "" {
		if err := os.RemoveAll(s.logDir); err != nil {
			slog.Warn("removing session log directory", slogKeySession, s.handle, "dir", s.logDir, slogKeyError, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseExpiredOperations closes tracked operations that have been idle past
// the operation timeout. Failures are logged.
func (s *Session) CloseExpiredOperations() int {
	handles := s.Operations()
	if len(handles) == 0 {
		return 0
	}

	s.acquire(false)
	defer s.release(false)

	closed := 0
	for _, h := range s.ops.RemoveExpired(handles) {
		if err := s.closeOperation(h); err != nil {
			slog.Warn("closing expired operation", slogKeySession, s.handle, slogKeyOperation, h, slogKeyError, err)
			continue
		}
		closed++
	}
	return closed
}

// IdleDuration returns how long the session has been idle, or zero while it
// has calls in flight or operations tracked.
func (s *Session) IdleDuration(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastIdle.IsZero() {
		return 0
	}
	return now.Sub(s.lastIdle)
}
