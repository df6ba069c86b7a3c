package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/audit"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/handle"
)

const (
	// DefaultFetchSize is used when a fetch asks for zero rows.
	DefaultFetchSize = 1000

	defaultWorkers   = 50
	defaultQueueSize = 100

	slogKeyError     = "error"
	slogKeyOperation = "operation"
)

// Config configures the manager.
type Config struct {
	// IdleTimeout is how long an operation may go untouched before its
	// session reaps it. Zero or negative disables operation reaping.
	IdleTimeout time.Duration

	Workers   int
	QueueSize int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout: 0,
		Workers:     defaultWorkers,
		QueueSize:   defaultQueueSize,
	}
}

// Stats counts registered operations.
type Stats struct {
	Operations int `json:"operations"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	PoolBusy   int `json:"pool_busy"`
}

// Manager creates, runs and tracks operations.
type Manager struct {
	cfg   Config
	pool  *Pool
	audit audit.Logger
	now   func() time.Time

	mu     sync.RWMutex
	ops    map[uuid.UUID]*Operation
	closed bool
}

// NewManager creates a manager and starts its worker pool. A nil
// auditLogger disables auditing.
func NewManager(cfg Config, auditLogger audit.Logger) (*Manager, error) {
	pool, err := NewPool(PoolConfig{Workers: cfg.Workers, QueueSize: cfg.QueueSize})
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NoopLogger{}
	}
	return &Manager{
		cfg:   cfg,
		pool:  pool,
		audit: auditLogger,
		now:   time.Now,
		ops:   make(map[uuid.UUID]*Operation),
	}, nil
}

// NewOperation registers an INITIALIZED operation that will run statement
// on ectx.
func (m *Manager) NewOperation(owner Owner, ectx engine.Context, statement string, conf map[string]string) (*Operation, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, apierr.Protocolf("statement is empty")
	}
	if ectx == nil {
		return nil, apierr.Statef("session has no compute context")
	}

	now := m.now()
	h := handle.NewOperationHandle(handle.ExecuteStatement)
	op := &Operation{
		handle:     h,
		owner:      owner,
		statement:  statement,
		conf:       conf,
		engineCtx:  ectx,
		createdAt:  now,
		state:      Initialized,
		lastAccess: now,
		log:        newOpLog(owner.LogDir, h.ID.Public.String()),
	}
	op.log.appendf(now, "operation created for %s", owner.Identity)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		op.log.remove()
		return nil, apierr.Resourcef("operation manager is shut down")
	}
	m.ops[h.ID.Public] = op
	return op, nil
}

// Get returns the operation for h, checking its secret.
func (m *Manager) Get(h handle.OperationHandle) (*Operation, error) {
	m.mu.RLock()
	op, ok := m.ops[h.ID.Public]
	m.mu.RUnlock()

	if !ok {
		return nil, apierr.NotFoundf("operation %s not found", h)
	}
	if !op.handle.ID.Matches(h.ID) {
		return nil, apierr.Protocolf("invalid operation handle %s", h)
	}
	return op, nil
}

// Run moves op to PENDING and executes it. A synchronous run returns once
// the operation is terminal, with the execution error if it failed. An
// asynchronous run returns after admission; when the pool is saturated it
// fails with a ResourceError and op stays PENDING for the caller to close.
func (m *Manager) Run(ctx context.Context, op *Operation, async bool) error {
	var execCtx context.Context
	var cancel context.CancelFunc
	if async {
		execCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}

	op.mu.Lock()
	if err := op.transition(Pending, m.now()); err != nil {
		op.mu.Unlock()
		cancel()
		return err
	}
	op.cancel = cancel
	op.mu.Unlock()

	if !async {
		m.execute(execCtx, op)

		op.mu.Lock()
		defer op.mu.Unlock()
		switch op.state {
		case Error:
			return op.failure
		case Canceled, Closed:
			return apierr.From(context.Canceled)
		default:
			return nil
		}
	}

	if err := m.pool.Submit(func() { m.execute(execCtx, op) }); err != nil {
		slog.Warn("async submission rejected", slogKeyOperation, op.handle, slogKeyError, err)
		return err
	}
	return nil
}

// execute performs PENDING -> RUNNING -> FINISHED|ERROR. A cancel or close
// that lands while the engine runs makes the final transition fail, and the
// result is discarded. The execution context is released on return.
func (m *Manager) execute(ctx context.Context, op *Operation) {
	defer op.releaseExecution()

	op.mu.Lock()
	if err := op.transition(Running, m.now()); err != nil {
		op.mu.Unlock()
		slog.Debug("operation no longer runnable", slogKeyOperation, op.handle, slogKeyError, err)
		return
	}
	op.startedAt = m.now()
	op.mu.Unlock()

	res, err := op.engineCtx.Execute(ctx, op.statement)

	op.mu.Lock()
	now := m.now()
	if err != nil {
		if terr := op.transition(Error, now); terr != nil {
			op.mu.Unlock()
			slog.Debug("discarding failure of finished operation", slogKeyOperation, op.handle, slogKeyError, err)
			return
		}
		op.failure = failureFrom(err)
		op.log.appendf(now, "statement failed: %s", op.failure.Error())
	} else {
		if terr := op.transition(Finished, now); terr != nil {
			op.mu.Unlock()
			slog.Debug("discarding result of canceled operation", slogKeyOperation, op.handle)
			return
		}
		op.result = res
		op.rows = window{}
		op.log.appendf(now, "statement finished with %d rows", res.RowCount())
	}
	op.completedAt = now
	event := m.statementEvent(op)
	op.mu.Unlock()

	m.record(event)
}

// releaseExecution cancels the execution context once the engine call has
// returned. Later cancels and closes find nothing to stop.
func (op *Operation) releaseExecution() {
	op.mu.Lock()
	stop := op.cancel
	op.cancel = nil
	op.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// failureFrom classifies an engine error. Unclassified errors are upstream
// failures.
func failureFrom(err error) *apierr.Error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apierr.From(err)
	}
	return apierr.Upstream(0, "", err)
}

// Cancel stops a non-terminal operation and moves it to CANCELED.
func (m *Manager) Cancel(h handle.OperationHandle) error {
	op, err := m.Get(h)
	if err != nil {
		return err
	}
	return m.cancel(op)
}

func (m *Manager) cancel(op *Operation) error {
	op.mu.Lock()
	now := m.now()
	if err := op.transition(Canceled, now); err != nil {
		op.mu.Unlock()
		return err
	}
	cancel := op.cancel
	op.releaseResult()
	op.completedAt = now
	event := m.statementEvent(op)
	op.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.record(event)
	slog.Info("operation canceled", slogKeyOperation, op.handle)
	return nil
}

// Close moves an operation to CLOSED from any state, stops it if it is
// still executing, drops its results and log, and unregisters it.
func (m *Manager) Close(h handle.OperationHandle) error {
	m.mu.Lock()
	op, ok := m.ops[h.ID.Public]
	if !ok {
		m.mu.Unlock()
		return apierr.NotFoundf("operation %s not found", h)
	}
	if !op.handle.ID.Matches(h.ID) {
		m.mu.Unlock()
		return apierr.Protocolf("invalid operation handle %s", h)
	}
	delete(m.ops, h.ID.Public)
	m.mu.Unlock()

	op.mu.Lock()
	now := m.now()
	wasTerminal := op.state.IsTerminal()
	if err := op.transition(Closed, now); err != nil {
		slog.Warn("forcing operation closed", slogKeyOperation, op.handle, slogKeyError, err)
		op.state = Closed
	}
	cancel := op.cancel
	op.releaseResult()
	var event *audit.Event
	if !wasTerminal {
		op.completedAt = now
		event = m.statementEvent(op)
	}
	op.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	op.log.remove()
	m.record(event)
	return nil
}

// GetStatus returns a snapshot of the operation.
func (m *Manager) GetStatus(h handle.OperationHandle) (Status, error) {
	op, err := m.Get(h)
	if err != nil {
		return Status{}, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	op.lastAccess = m.now()
	return op.status(), nil
}

// GetResultSetSchema returns the result columns of a finished operation.
func (m *Manager) GetResultSetSchema(h handle.OperationHandle) ([]engine.Column, error) {
	op, err := m.Get(h)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	op.lastAccess = m.now()
	if op.state != Finished {
		return nil, apierr.Statef("result set schema unavailable in state %s", op.state)
	}
	return op.result.Columns, nil
}

// FetchResults returns up to maxRows rows. QueryOutput requires FINISHED;
// Log is readable in every state but CLOSED.
func (m *Manager) FetchResults(h handle.OperationHandle, orientation Orientation, maxRows int, kind FetchKind) (*RowSet, error) {
	op, err := m.Get(h)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = DefaultFetchSize
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	op.lastAccess = m.now()

	switch kind {
	case Log:
		if op.state == Closed {
			return nil, apierr.Statef("cannot fetch log of operation in state %s", op.state)
		}
		return op.log.fetch(orientation, maxRows)
	case QueryOutput:
		if op.state != Finished {
			return nil, apierr.Statef("cannot fetch results of operation in state %s", op.state)
		}
		total := op.result.RowCount()
		start, end, err := op.rows.advance(orientation, maxRows, total)
		if err != nil {
			return nil, err
		}
		return &RowSet{
			StartOffset: start,
			Columns:     op.result.Columns,
			Rows:        op.result.Rows[start:end],
			HasMore:     end < total,
		}, nil
	default:
		return nil, apierr.Protocolf("unsupported fetch kind %d", int(kind))
	}
}

// RemoveExpired returns the handles among candidates whose operations have
// been idle for at least the idle timeout. It does not close them.
func (m *Manager) RemoveExpired(candidates []handle.OperationHandle) []handle.OperationHandle {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	now := m.now()

	var expired []handle.OperationHandle
	for _, h := range candidates {
		op, err := m.Get(h)
		if err != nil {
			continue
		}
		if !op.LastAccess().Add(m.cfg.IdleTimeout).After(now) {
			slog.Info("operation idle timeout", slogKeyOperation, h, "state", op.State())
			expired = append(expired, h)
		}
	}
	return expired
}

// Shutdown stops admitting work, waits up to timeout for queued and
// running operations, then cancels whatever is still executing.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if m.pool.Shutdown(timeout) {
		return
	}

	m.mu.RLock()
	var live []*Operation
	for _, op := range m.ops {
		live = append(live, op)
	}
	m.mu.RUnlock()

	canceled := 0
	for _, op := range live {
		if op.State().IsTerminal() {
			continue
		}
		if err := m.cancel(op); err == nil {
			canceled++
		}
	}
	slog.Warn("operation pool did not drain in time", "timeout", timeout, "canceled", canceled)
}

// Stats returns operation counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	ops := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		ops = append(ops, op)
	}
	m.mu.RUnlock()

	s := Stats{Operations: len(ops), PoolBusy: m.pool.Busy()}
	for _, op := range ops {
		switch op.State() {
		case Pending:
			s.Pending++
		case Running:
			s.Running++
		}
	}
	return s
}

// statementEvent builds the audit event for op's outcome. Callers hold op.mu.
func (m *Manager) statementEvent(op *Operation) *audit.Event {
	var msg, sqlState string
	if op.failure != nil {
		msg, sqlState = op.failure.Error(), op.failure.SQLState
	}
	started := op.startedAt
	if started.IsZero() {
		started = op.createdAt
	}
	return audit.NewEvent(audit.EventTypeStatement).
		WithSession(op.owner.Session.ID.String(), op.owner.User, op.owner.IPAddress).
		WithIdentity(op.owner.Identity).
		WithOperation(op.handle.ID.String(), op.statement).
		WithState(op.state.String()).
		WithResult(op.state == Finished, msg, sqlState, op.completedAt.Sub(started).Milliseconds())
}

func (m *Manager) record(event *audit.Event) {
	if event == nil {
		return
	}
	if err := m.audit.Log(context.Background(), *event); err != nil {
		slog.Warn("audit log failed", "event", event.Type, slogKeyError, err)
	}
}
