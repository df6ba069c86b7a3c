package contextcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
)

const (
	cacheTestGrace    = time.Minute
	cacheTestInterval = 10 * time.Millisecond
)

type fakeContext struct {
	identity string
	conf     map[string]string
	closed   atomic.Int32
	closeErr error
}

func (f *fakeContext) Identity() string { return f.identity }
func (f *fakeContext) Execute(context.Context, string) (*engine.Result, error) {
	return &engine.Result{}, nil
}
func (f *fakeContext) Close() error {
	f.closed.Add(1)
	return f.closeErr
}

// fakeEngine counts builds and optionally holds every build until gate is
// closed.
type fakeEngine struct {
	builds   atomic.Int32
	gate     chan struct{}
	started  chan struct{}
	buildErr error

	mu    sync.Mutex
	built []*fakeContext
}

func (f *fakeEngine) Name() string    { return "fake" }
func (f *fakeEngine) Version() string { return "0" }
func (f *fakeEngine) CreateContext(ctx context.Context, identity string, conf map[string]string) (engine.Context, error) {
	f.builds.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	fc := &fakeContext{identity: identity, conf: conf}
	f.mu.Lock()
	f.built = append(f.built, fc)
	f.mu.Unlock()
	return fc, nil
}

func newTestCache(eng engine.Engine) *Cache {
	return New(eng, Config{GracePeriod: cacheTestGrace, WaitAttempts: 200, WaitInterval: cacheTestInterval})
}

func TestAcquire_ConcurrentSameIdentityBuildsOnce(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCache(eng)

	results := make(chan engine.Context, 2)
	var wg sync.WaitGroup
	acquire := func() {
		defer wg.Done()
		got, err := c.Acquire(context.Background(), "alice", nil)
		assert.NoError(t, err)
		results <- got
	}

	wg.Add(1)
	go acquire()
	<-eng.started

	wg.Add(1)
	go acquire()
	require.Eventually(t, func() bool { return c.Refs("alice") == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, c.Stats().Building)

	close(eng.gate)
	wg.Wait()
	close(results)

	var got []engine.Context
	for r := range results {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Same(t, got[0], got[1])
	assert.EqualValues(t, 1, eng.builds.Load())
	assert.Equal(t, 2, c.Refs("alice"))
}

func TestAcquire_FirstConfWins(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCache(eng)

	first, err := c.Acquire(context.Background(), "alice", map[string]string{"k": "first"})
	require.NoError(t, err)
	second, err := c.Acquire(context.Background(), "alice", map[string]string{"k": "second"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, "first", first.(*fakeContext).conf["k"])
}

func TestAcquire_DistinctIdentities(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCache(eng)

	a, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	b, err := c.Acquire(context.Background(), "bob", nil)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, "bob", b.Identity())
	assert.Equal(t, Stats{Entries: 2, Referenced: 2}, c.Stats())
}

func TestAcquire_WaiterGivesUp(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(eng, Config{GracePeriod: cacheTestGrace, WaitAttempts: 3, WaitInterval: time.Millisecond})

	builderDone := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "alice", nil)
		builderDone <- err
	}()
	<-eng.started

	start := time.Now()
	_, err := c.Acquire(context.Background(), "alice", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrResource)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, c.Refs("alice"), "waiter dropped its reference")

	close(eng.gate)
	require.NoError(t, <-builderDone)
	assert.Equal(t, 1, c.Refs("alice"))
}

func TestAcquire_WaiterCanceled(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCache(eng)

	go func() { _, _ = c.Acquire(context.Background(), "alice", nil) }()
	<-eng.started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Acquire(ctx, "alice", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Refs("alice"))
	close(eng.gate)
}

func TestAcquire_BuilderCanceledWaiterStillServed(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCache(eng)

	builderCtx, cancelBuilder := context.WithCancel(context.Background())
	builder := make(chan error, 1)
	go func() {
		_, err := c.Acquire(builderCtx, "alice", nil)
		builder <- err
	}()
	<-eng.started

	waiter := make(chan engine.Context, 1)
	go func() {
		got, err := c.Acquire(context.Background(), "alice", nil)
		assert.NoError(t, err)
		waiter <- got
	}()
	require.Eventually(t, func() bool { return c.Refs("alice") == 2 }, time.Second, time.Millisecond)

	cancelBuilder()
	assert.ErrorIs(t, <-builder, context.Canceled)
	assert.Equal(t, 1, c.Refs("alice"), "canceled builder dropped only its own reference")

	close(eng.gate)
	got := <-waiter
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.Identity())
	assert.EqualValues(t, 1, eng.builds.Load())
	assert.Equal(t, 1, c.Refs("alice"))
}

func TestAcquire_AbandonedBuildStaysWarm(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := newTestCache(eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "alice", nil)
		done <- err
	}()
	<-eng.started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(eng.gate)
	require.Eventually(t, func() bool { return c.Stats().Idle == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, c.Sweep(time.Now()), "unreferenced context is kept for the grace period")

	_, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, eng.builds.Load(), "reconnect reuses the warm context")
}

func TestAcquire_BuildTimeoutIsResourceError(t *testing.T) {
	eng := &fakeEngine{gate: make(chan struct{})}
	defer close(eng.gate)
	c := New(eng, Config{GracePeriod: cacheTestGrace, WaitAttempts: 1, WaitInterval: time.Second, BuildTimeout: 5 * time.Millisecond})

	_, err := c.Acquire(context.Background(), "alice", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apierr.ErrResource)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, c.Refs("alice"))
}

func TestAcquire_BuildFailureReachesWaiters(t *testing.T) {
	buildErr := errors.New("cluster unavailable")
	eng := &fakeEngine{gate: make(chan struct{}), started: make(chan struct{}, 1), buildErr: buildErr}
	c := newTestCache(eng)

	builder := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "alice", nil)
		builder <- err
	}()
	<-eng.started

	waiter := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), "alice", nil)
		waiter <- err
	}()
	require.Eventually(t, func() bool { return c.Refs("alice") == 2 }, time.Second, time.Millisecond)
	close(eng.gate)

	assert.ErrorIs(t, <-builder, buildErr)
	assert.ErrorIs(t, <-waiter, buildErr)
	assert.Equal(t, -1, c.Refs("alice"), "failed entry is removed")

	// A later acquire retries the build.
	eng.buildErr = nil
	eng.gate = nil
	eng.started = nil
	_, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, eng.builds.Load())
}

func TestRelease(t *testing.T) {
	c := newTestCache(&fakeEngine{})

	assert.ErrorIs(t, c.Release("alice"), ErrUnknownIdentity)

	_, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.NoError(t, c.Release("alice"))
	assert.Equal(t, 0, c.Refs("alice"))
	assert.ErrorIs(t, c.Release("alice"), ErrNotReferenced)
	assert.Equal(t, Stats{Entries: 1, Idle: 1}, c.Stats())
}

func TestSweep_RespectsGracePeriod(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCache(eng)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	first, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	_, err = c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)

	require.NoError(t, c.Release("alice"))
	assert.Equal(t, 0, c.Sweep(now.Add(2*cacheTestGrace)), "still referenced")

	require.NoError(t, c.Release("alice"))
	assert.Equal(t, 0, c.Refs("alice"))

	assert.Equal(t, 0, c.Sweep(now.Add(cacheTestGrace-time.Second)), "inside grace")
	assert.EqualValues(t, 0, first.(*fakeContext).closed.Load())

	// A reconnect inside the grace period reuses the warm context.
	again, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Same(t, first, again)
	require.NoError(t, c.Release("alice"))

	assert.Equal(t, 1, c.Sweep(now.Add(cacheTestGrace)))
	assert.EqualValues(t, 1, first.(*fakeContext).closed.Load())
	assert.Equal(t, -1, c.Refs("alice"))
	assert.EqualValues(t, 1, eng.builds.Load())
}

func TestSweep_ZeroGraceEvictsNextSweep(t *testing.T) {
	c := New(&fakeEngine{}, Config{})
	_, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.NoError(t, c.Release("alice"))

	assert.Equal(t, 1, c.Sweep(time.Now()))
}

func TestSweep_LogsCloseErrors(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, Config{})
	got, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	got.(*fakeContext).closeErr = errors.New("boom")
	require.NoError(t, c.Release("alice"))

	assert.Equal(t, 1, c.Sweep(time.Now()))
	assert.Equal(t, -1, c.Refs("alice"))
}

func TestStartSweeper(t *testing.T) {
	eng := &fakeEngine{}
	c := New(eng, Config{})
	got, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.NoError(t, c.Release("alice"))

	c.StartSweeper(cacheTestInterval)
	require.Eventually(t, func() bool { return c.Refs("alice") == -1 }, time.Second, cacheTestInterval)
	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, got.(*fakeContext).closed.Load())
}

func TestStartSweeper_Guards(t *testing.T) {
	c := newTestCache(&fakeEngine{})

	assert.NotPanics(t, func() { c.StartSweeper(0) })
	assert.NotPanics(t, func() { c.StartSweeper(-time.Second) })
	assert.Nil(t, c.cancel, "non-positive interval starts nothing")

	c.StartSweeper(cacheTestInterval)
	first := c.done
	c.StartSweeper(cacheTestInterval)
	assert.Equal(t, first, c.done, "second call keeps the running sweeper")

	require.NoError(t, c.Close())
	select {
	case <-first:
	default:
		t.Fatal("sweeper still running after Close")
	}

	c.StartSweeper(cacheTestInterval)
	assert.Nil(t, c.cancel, "closed cache starts no sweeper")
}

func TestClose(t *testing.T) {
	eng := &fakeEngine{}
	c := newTestCache(eng)
	got, err := c.Acquire(context.Background(), "alice", nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.EqualValues(t, 1, got.(*fakeContext).closed.Load(), "referenced contexts are closed too")
	assert.Equal(t, Stats{}, c.Stats())

	_, err = c.Acquire(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, apierr.ErrResource)

	// Close without a sweeper is safe to repeat.
	require.NoError(t, c.Close())
}
