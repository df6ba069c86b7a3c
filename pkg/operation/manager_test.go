package operation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/audit"
	"github.com/txn2/query-gateway/pkg/engine"
	"github.com/txn2/query-gateway/pkg/engine/memory"
	"github.com/txn2/query-gateway/pkg/handle"
)

const (
	opTestIdleTimeout = time.Minute
	opTestWait        = 2 * time.Second
)

// blockingContext holds every Execute until release is closed or the
// execution is canceled.
type blockingContext struct {
	started chan struct{}
	release chan struct{}
	result  *engine.Result
	err     error
}

func newBlockingContext() *blockingContext {
	return &blockingContext{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
		result: &engine.Result{
			Columns: []engine.Column{{Name: "n", Type: "INT"}},
			Rows:    [][]any{{1}},
		},
	}
}

func (b *blockingContext) Identity() string { return "alice" }
func (b *blockingContext) Close() error     { return nil }
func (b *blockingContext) Execute(ctx context.Context, _ string) (*engine.Result, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingAudit struct {
	audit.NoopLogger
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) snapshot() []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Event(nil), r.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingAudit) {
	t.Helper()
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	rec := &recordingAudit{}
	m, err := NewManager(cfg, rec)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown(time.Second) })
	return m, rec
}

func testOwner() Owner {
	return Owner{
		Session:  handle.NewSessionHandle(handle.ProtocolV10),
		User:     "alice",
		Identity: "alice",
	}
}

func memoryContext(t *testing.T) engine.Context {
	t.Helper()
	eng, err := memory.Factory(map[string]any{
		"statements": map[string]any{
			"select * from five": map[string]any{
				"columns": []any{map[string]any{"name": "n", "type": "INT"}},
				"rows":    []any{[]any{0}, []any{1}, []any{2}, []any{3}, []any{4}},
			},
		},
		"failures": map[string]any{"select boom": "division by zero"},
	})
	require.NoError(t, err)
	c, err := eng.CreateContext(context.Background(), "alice", nil)
	require.NoError(t, err)
	return c
}

func TestNewOperation(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, Initialized, op.State())
	assert.Equal(t, "SELECT 1", op.Statement())

	got, err := m.Get(op.Handle())
	require.NoError(t, err)
	assert.Same(t, op, got)

	forged := op.Handle()
	forged.ID.Secret = uuid.New()
	_, err = m.Get(forged)
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	_, err = m.Get(handle.NewOperationHandle(handle.ExecuteStatement))
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)

	_, err = m.NewOperation(testOwner(), memoryContext(t), "  ", nil)
	assert.ErrorIs(t, err, apierr.ErrProtocol)
}

func TestRun_SyncFinished(t *testing.T) {
	m, rec := newTestManager(t, Config{})
	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1, 'x'", nil)
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background(), op, false))

	status, err := m.GetStatus(op.Handle())
	require.NoError(t, err)
	assert.Equal(t, Finished, status.State)
	assert.Nil(t, status.Failure)
	assert.Equal(t, 1, status.RowCount)

	cols, err := m.GetResultSetSchema(op.Handle())
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeStatement, events[0].Type)
	assert.Equal(t, "FINISHED", events[0].State)
	assert.True(t, events[0].Success)

	// Running twice is an illegal FINISHED -> PENDING transition.
	assert.ErrorIs(t, m.Run(context.Background(), op, false), apierr.ErrState)
}

func TestRun_SyncError(t *testing.T) {
	m, rec := newTestManager(t, Config{})
	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT boom", nil)
	require.NoError(t, err)

	err = m.Run(context.Background(), op, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrUpstream)

	status, err := m.GetStatus(op.Handle())
	require.NoError(t, err)
	assert.Equal(t, Error, status.State)
	require.NotNil(t, status.Failure)
	assert.Contains(t, status.Failure.Error(), "division by zero")
	assert.NotEmpty(t, status.Failure.SQLState)

	_, err = m.FetchResults(op.Handle(), FetchNext, 10, QueryOutput)
	assert.ErrorIs(t, err, apierr.ErrState)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, "ERROR", events[0].State)
}

// ctxRecorder keeps the context its Execute ran under.
type ctxRecorder struct {
	blockingContext
	got context.Context
}

func (r *ctxRecorder) Execute(ctx context.Context, _ string) (*engine.Result, error) {
	r.got = ctx
	return r.result, nil
}

func TestRun_ReleasesExecutionContext(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	rec := &ctxRecorder{blockingContext: *newBlockingContext()}
	op, err := m.NewOperation(testOwner(), rec, "SELECT n", nil)
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background(), op, false))
	require.NotNil(t, rec.got)
	assert.ErrorIs(t, rec.got.Err(), context.Canceled)

	op.mu.Lock()
	assert.Nil(t, op.cancel)
	op.mu.Unlock()

	// Closing a finished operation has nothing left to stop.
	require.NoError(t, m.Close(op.Handle()))
}

func TestRun_AsyncReleasesExecutionContext(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	bc := newBlockingContext()
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background(), op, true))
	<-bc.started
	close(bc.release)

	require.Eventually(t, func() bool {
		op.mu.Lock()
		defer op.mu.Unlock()
		return op.state == Finished && op.cancel == nil
	}, opTestWait, time.Millisecond)
}

func TestRun_Async(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	bc := newBlockingContext()
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)

	require.NoError(t, m.Run(context.Background(), op, true))
	<-bc.started
	assert.Equal(t, Running, op.State())

	_, err = m.FetchResults(op.Handle(), FetchNext, 10, QueryOutput)
	assert.ErrorIs(t, err, apierr.ErrState, "results are not readable while running")

	close(bc.release)
	require.Eventually(t, func() bool { return op.State() == Finished }, opTestWait, time.Millisecond)

	rs, err := m.FetchResults(op.Handle(), FetchNext, 10, QueryOutput)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1}}, rs.Rows)
}

func TestRun_AsyncSurvivesRequestContext(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	bc := newBlockingContext()
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Run(ctx, op, true))
	<-bc.started
	cancel()

	close(bc.release)
	require.Eventually(t, func() bool { return op.State() == Finished }, opTestWait, time.Millisecond)
}

func TestRun_AsyncSaturated(t *testing.T) {
	m, _ := newTestManager(t, Config{Workers: 1, QueueSize: 1})
	bc := newBlockingContext()
	defer close(bc.release)

	running, err := m.NewOperation(testOwner(), bc, "SELECT 1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), running, true))
	<-bc.started

	queued, err := m.NewOperation(testOwner(), bc, "SELECT 2", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), queued, true))

	rejected, err := m.NewOperation(testOwner(), bc, "SELECT 3", nil)
	require.NoError(t, err)

	begin := time.Now()
	err = m.Run(context.Background(), rejected, true)
	assert.Less(t, time.Since(begin), poolTestDeadline)
	assert.ErrorIs(t, err, apierr.ErrResource)
	assert.Equal(t, Pending, rejected.State())

	require.NoError(t, m.Close(rejected.Handle()))
	assert.Equal(t, Closed, rejected.State())
}

func TestCancel_Running(t *testing.T) {
	m, rec := newTestManager(t, Config{})
	bc := newBlockingContext()
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, true))
	<-bc.started

	require.NoError(t, m.Cancel(op.Handle()))
	assert.Equal(t, Canceled, op.State())

	_, err = m.FetchResults(op.Handle(), FetchNext, 10, QueryOutput)
	assert.ErrorIs(t, err, apierr.ErrState)

	// The worker observes cancellation and its late error is discarded.
	require.Eventually(t, func() bool { return m.Stats().PoolBusy == 0 }, opTestWait, time.Millisecond)
	status, err := m.GetStatus(op.Handle())
	require.NoError(t, err)
	assert.Equal(t, Canceled, status.State)
	assert.Nil(t, status.Failure)
	assert.Equal(t, 0, status.RowCount)

	require.NoError(t, m.Close(op.Handle()))
	_, err = m.Get(op.Handle())
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	events := rec.snapshot()
	require.Len(t, events, 1, "close after cancel does not audit again")
	assert.Equal(t, "CANCELED", events[0].State)
}

// stubbornContext ignores cancellation and returns its result once released.
type stubbornContext struct {
	blockingContext
}

func (s *stubbornContext) Execute(context.Context, string) (*engine.Result, error) {
	s.started <- struct{}{}
	<-s.release
	return s.result, nil
}

func TestCancel_LateResultDiscarded(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	sc := &stubbornContext{blockingContext: *newBlockingContext()}
	op, err := m.NewOperation(testOwner(), sc, "SELECT n", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, true))
	<-sc.started

	require.NoError(t, m.Cancel(op.Handle()))
	close(sc.release)
	require.Eventually(t, func() bool { return m.Stats().PoolBusy == 0 }, opTestWait, time.Millisecond)

	assert.Equal(t, Canceled, op.State())
	op.mu.Lock()
	assert.Nil(t, op.result, "a canceled operation never holds a cursor")
	op.mu.Unlock()
}

func TestCancel_TerminalFails(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, false))

	err = m.Cancel(op.Handle())
	assert.ErrorIs(t, err, apierr.ErrState)
	assert.Contains(t, err.Error(), "FINISHED -> CANCELED")
}

func TestClose(t *testing.T) {
	m, rec := newTestManager(t, Config{})

	err := m.Close(handle.NewOperationHandle(handle.ExecuteStatement))
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
	require.NoError(t, err)

	forged := op.Handle()
	forged.ID.Secret = uuid.New()
	assert.ErrorIs(t, m.Close(forged), apierr.ErrProtocol)

	require.NoError(t, m.Close(op.Handle()))
	assert.Equal(t, Closed, op.State())
	assert.ErrorIs(t, m.Close(op.Handle()), apierr.ErrProtocol, "second close is not found")

	events := rec.snapshot()
	require.Len(t, events, 1, "closing a never-run operation is audited")
	assert.Equal(t, "CLOSED", events[0].State)
	assert.False(t, events[0].Success)
}

func TestClose_Running(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	bc := newBlockingContext()
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, true))
	<-bc.started

	require.NoError(t, m.Close(op.Handle()))
	require.Eventually(t, func() bool { return m.Stats().PoolBusy == 0 }, opTestWait, time.Millisecond)
	assert.Equal(t, Closed, op.State())
	assert.Equal(t, 0, m.Stats().Operations)
}

func TestTransitions_ObservableViaStatus(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	for from, targets := range allowed {
		for to := range targets {
			op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
			require.NoError(t, err)

			op.mu.Lock()
			op.state = from
			err = op.transition(to, time.Now())
			op.mu.Unlock()
			require.NoError(t, err, "%s -> %s", from, to)

			status, err := m.GetStatus(op.Handle())
			require.NoError(t, err)
			assert.Equal(t, to, status.State, "%s -> %s", from, to)
		}
	}
}

func TestFetchResults_Orientation(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT * FROM five", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, false))

	steps := []struct {
		orientation Orientation
		wantStart   int
		wantRows    [][]any
		wantMore    bool
	}{
		{FetchNext, 0, [][]any{{0}, {1}}, true},
		{FetchNext, 2, [][]any{{2}, {3}}, true},
		{FetchPrior, 0, [][]any{{0}, {1}}, true},
		{FetchNext, 2, [][]any{{2}, {3}}, true},
		{FetchNext, 4, [][]any{{4}}, false},
		{FetchNext, 5, [][]any{}, false},
		{FetchFirst, 0, [][]any{{0}, {1}}, true},
	}
	for i, step := range steps {
		rs, err := m.FetchResults(op.Handle(), step.orientation, 2, QueryOutput)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.wantStart, rs.StartOffset, "step %d", i)
		assert.Equal(t, step.wantRows, rs.Rows, "step %d", i)
		assert.Equal(t, step.wantMore, rs.HasMore, "step %d", i)
		assert.Len(t, rs.Columns, 1)
	}

	_, err = m.FetchResults(op.Handle(), Orientation(9), 2, QueryOutput)
	assert.ErrorIs(t, err, apierr.ErrProtocol)
	_, err = m.FetchResults(op.Handle(), FetchNext, 2, FetchKind(9))
	assert.ErrorIs(t, err, apierr.ErrProtocol)

	rs, err := m.FetchResults(op.Handle(), FetchFirst, 0, QueryOutput)
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 5, "zero rows means the default fetch size")
}

func TestFetchResults_Log(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Config{})
	owner := testOwner()
	owner.LogDir = dir

	op, err := m.NewOperation(owner, newBlockingContext(), "SELECT n", nil)
	require.NoError(t, err)
	logPath := filepath.Join(dir, op.Handle().ID.Public.String()+".log")
	assert.FileExists(t, logPath)

	rs, err := m.FetchResults(op.Handle(), FetchNext, 10, Log)
	require.NoError(t, err, "logs are readable before the operation runs")
	require.Len(t, rs.Rows, 1)
	assert.Contains(t, rs.Rows[0][0], "operation created")

	_, err = m.GetResultSetSchema(op.Handle())
	assert.ErrorIs(t, err, apierr.ErrState)

	require.NoError(t, m.Close(op.Handle()))
	_, err = os.Stat(logPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "log file removed on close")
}

func TestFetchResults_LogFileMirrorsLines(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, Config{})
	owner := testOwner()
	owner.LogDir = dir

	op, err := m.NewOperation(owner, memoryContext(t), "select * from five", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, false))

	logPath := filepath.Join(dir, op.Handle().ID.Public.String()+".log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "operation created")
	assert.Contains(t, string(data), "statement finished with 5 rows")

	// The file can be deleted between appends without breaking the log.
	require.NoError(t, os.Remove(logPath))
	op.log.appendf(time.Now(), "after removal")
	data, err = os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after removal")

	op.log.remove()
	op.log.appendf(time.Now(), "memory only")
	assert.NoFileExists(t, logPath)

	rs, err := m.FetchResults(op.Handle(), FetchFirst, 100, Log)
	require.NoError(t, err)
	assert.Contains(t, rs.Rows[len(rs.Rows)-1][0], "memory only")
}

func TestRemoveExpired(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m, _ := newTestManager(t, Config{IdleTimeout: opTestIdleTimeout})
	m.now = clock.Now

	stale, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
	require.NoError(t, err)
	clock.Advance(opTestIdleTimeout / 2)
	fresh, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 2", nil)
	require.NoError(t, err)

	candidates := []handle.OperationHandle{stale.Handle(), fresh.Handle(), handle.NewOperationHandle(handle.ExecuteStatement)}
	assert.Empty(t, m.RemoveExpired(candidates))

	clock.Advance(opTestIdleTimeout / 2)
	assert.Equal(t, []handle.OperationHandle{stale.Handle()}, m.RemoveExpired(candidates))

	// Touching an operation resets its idle clock.
	_, err = m.GetStatus(stale.Handle())
	require.NoError(t, err)
	clock.Advance(opTestIdleTimeout / 2)
	assert.Equal(t, []handle.OperationHandle{fresh.Handle()}, m.RemoveExpired(candidates))
}

func TestRemoveExpired_Disabled(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		m, _ := newTestManager(t, Config{IdleTimeout: timeout})
		op, err := m.NewOperation(testOwner(), memoryContext(t), "SELECT 1", nil)
		require.NoError(t, err)
		m.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
		assert.Nil(t, m.RemoveExpired([]handle.OperationHandle{op.Handle()}))
	}
}

func TestShutdown_CancelsStragglers(t *testing.T) {
	rec := &recordingAudit{}
	m, err := NewManager(Config{Workers: 1}, rec)
	require.NoError(t, err)

	bc := &blockingContext{started: make(chan struct{}, 1), release: make(chan struct{})}
	op, err := m.NewOperation(testOwner(), bc, "SELECT n", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), op, true))
	<-bc.started

	m.Shutdown(10 * time.Millisecond)
	assert.Equal(t, Canceled, op.State())

	_, err = m.NewOperation(testOwner(), bc, "SELECT 1", nil)
	assert.ErrorIs(t, err, apierr.ErrResource)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	bc := newBlockingContext()
	defer close(bc.release)

	_, err := m.NewOperation(testOwner(), bc, "SELECT 1", nil)
	require.NoError(t, err)
	running, err := m.NewOperation(testOwner(), bc, "SELECT 2", nil)
	require.NoError(t, err)
	require.NoError(t, m.Run(context.Background(), running, true))
	<-bc.started

	s := m.Stats()
	assert.Equal(t, 2, s.Operations)
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 1, s.PoolBusy)
}
