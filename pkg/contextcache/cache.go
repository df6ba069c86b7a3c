// Package contextcache shares expensive per-identity compute contexts between
// sessions.
//
// Each identity has at most one entry. The first Acquire for an identity
// builds the context; concurrent callers for the same identity wait for that
// build instead of starting their own. Entries are reference counted and are
// destroyed by the sweeper only once they have been unreferenced for the
// grace period, so a quick reconnect reuses a warm context.
package contextcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/query-gateway/pkg/apierr"
	"github.com/txn2/query-gateway/pkg/engine"
)

const (
	defaultGracePeriod  = 5 * time.Minute
	defaultWaitAttempts = 60
	defaultWaitInterval = time.Second
	defaultBuildTimeout = 2 * time.Minute

	slogKeyError    = "error"
	slogKeyIdentity = "identity"
)

// Errors returned by Release.
var (
	ErrUnknownIdentity = errors.New("no cached context for identity")
	ErrNotReferenced   = errors.New("context has no outstanding references")
)

// Config tunes the cache.
type Config struct {
	// GracePeriod is how long an unreferenced context stays warm. Zero
	// means it is evicted on the next sweep.
	GracePeriod time.Duration

	// WaitAttempts and WaitInterval bound how long a caller waits for a
	// context another caller is building.
	WaitAttempts int
	WaitInterval time.Duration

	// BuildTimeout bounds a single CreateContext call. Zero uses the
	// default.
	BuildTimeout time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		GracePeriod:  defaultGracePeriod,
		WaitAttempts: defaultWaitAttempts,
		WaitInterval: defaultWaitInterval,
		BuildTimeout: defaultBuildTimeout,
	}
}

type entry struct {
	identity   string
	ctx        engine.Context
	refs       int
	releasedAt time.Time

	// ready is closed once the build finished, successfully or not.
	ready    chan struct{}
	building bool
	err      error
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries    int `json:"entries"`
	Referenced int `json:"referenced"`
	Idle       int `json:"idle"`
	Building   int `json:"building"`
}

// Cache is a reference-counted map of identity to compute context.
type Cache struct {
	engine engine.Engine
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a cache that builds contexts with eng.
func New(eng engine.Engine, cfg Config) *Cache {
	if cfg.WaitAttempts < 1 {
		cfg.WaitAttempts = 1
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = defaultWaitInterval
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = 0
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = defaultBuildTimeout
	}
	return &Cache{
		engine:  eng,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Acquire returns the context for identity, building it if none exists, and
// takes a reference on it. The conf of the caller that builds the context
// wins; later callers share it as is. Every successful Acquire must be
// paired with one Release.
//
// The build is detached from ctx: a caller that gives up only drops its own
// reference, and the other callers still receive the context.
func (c *Cache) Acquire(ctx context.Context, identity string, conf map[string]string) (engine.Context, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apierr.Resourcef("compute context cache is closed")
	}

	if e, ok := c.entries[identity]; ok {
		e.refs++
		if !e.building {
			built := e.ctx
			c.mu.Unlock()
			return built, nil
		}
		c.mu.Unlock()
		return c.await(ctx, e)
	}

	e := &entry{
		identity: identity,
		refs:     1,
		ready:    make(chan struct{}),
		building: true,
	}
	c.entries[identity] = e
	c.mu.Unlock()

	go c.build(context.WithoutCancel(ctx), e, conf)

	select {
	case <-e.ready:
		return c.builtResult(e)
	case <-ctx.Done():
		c.abandon(e)
		return nil, ctx.Err()
	}
}

// build runs the engine outside the lock, bounded by the build timeout, and
// publishes the outcome to every caller waiting on e.
func (c *Cache) build(ctx context.Context, e *entry, conf map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.BuildTimeout)
	defer cancel()

	start := time.Now()
	built, err := c.engine.CreateContext(ctx, e.identity, conf)

	c.mu.Lock()
	e.building = false
	if err != nil {
		e.err = err
		if c.entries[e.identity] == e {
			delete(c.entries, e.identity)
		}
		close(e.ready)
		c.mu.Unlock()
		slog.Warn("compute context build failed", slogKeyIdentity, e.identity, slogKeyError, err)
		return
	}

	e.ctx = built
	if e.refs == 0 {
		// Every caller gave up during the build; the grace period starts now.
		e.releasedAt = c.now()
	}
	closed := c.closed
	if closed && c.entries[e.identity] == e {
		delete(c.entries, e.identity)
	}
	close(e.ready)
	c.mu.Unlock()

	if closed {
		// Close ran while we were building and left this entry to us.
		if cerr := built.Close(); cerr != nil {
			slog.Warn("closing compute context", slogKeyIdentity, e.identity, slogKeyError, cerr)
		}
		return
	}

	slog.Info("compute context built", slogKeyIdentity, e.identity, "duration", time.Since(start))
}

// await waits for another caller's build of e, polling a bounded number of
// times. The caller already holds a reference on e.
func (c *Cache) await(ctx context.Context, e *entry) (engine.Context, error) {
	for attempt := 0; attempt < c.cfg.WaitAttempts; attempt++ {
		t := time.NewTimer(c.cfg.WaitInterval)
		select {
		case <-e.ready:
			t.Stop()
			return c.builtResult(e)
		case <-ctx.Done():
			t.Stop()
			c.abandon(e)
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	select {
	case <-e.ready:
		return c.builtResult(e)
	default:
	}
	c.abandon(e)
	return nil, apierr.Resourcef("compute context for %s still building after %d attempts", e.identity, c.cfg.WaitAttempts)
}

func (c *Cache) builtResult(e *entry) (engine.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.err != nil {
		return nil, buildError(e.identity, e.err)
	}
	if c.closed {
		return nil, apierr.Resourcef("compute context cache is closed")
	}
	return e.ctx, nil
}

// buildError keeps an engine's own classification and reports anything
// else, including the build timeout, as a ResourceError.
func buildError(identity string, err error) error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("building compute context for %s: %w", identity, err)
	}
	return apierr.Resourcef("building compute context for %s", identity).Wrap(err)
}

// abandon drops the reference a waiter took before giving up.
func (c *Cache) abandon(e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[e.identity] != e || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs == 0 {
		e.releasedAt = c.now()
	}
}

// Release drops one reference on the context for identity. The last
// release starts the grace period; the context itself stays warm.
func (c *Cache) Release(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, identity)
	}
	if e.refs == 0 {
		return fmt.Errorf("%w: %s", ErrNotReferenced, identity)
	}
	e.refs--
	if e.refs == 0 {
		e.releasedAt = c.now()
		slog.Debug("compute context unreferenced", slogKeyIdentity, identity)
	}
	return nil
}

// Sweep destroys contexts that have been unreferenced for at least the grace
// period as of now. It returns how many were destroyed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	var victims []*entry
	for identity, e := range c.entries {
		if e.building || e.refs > 0 {
			continue
		}
		if now.Sub(e.releasedAt) < c.cfg.GracePeriod {
			continue
		}
		delete(c.entries, identity)
		victims = append(victims, e)
	}
	c.mu.Unlock()

	for _, e := range victims {
		if err := e.ctx.Close(); err != nil {
			slog.Warn("closing expired compute context", slogKeyIdentity, e.identity, slogKeyError, err)
			continue
		}
		slog.Info("compute context evicted", slogKeyIdentity, e.identity)
	}
	return len(victims)
}

// StartSweeper starts a background goroutine that sweeps every interval.
// A non-positive interval, a second call or a closed cache is a no-op. The
// goroutine is stopped when Close is called.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil || c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(c.now())
			}
		}
	}()
}

// Close stops the sweeper and destroys every remaining context, referenced
// or not. Acquire fails afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.closed = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	var remaining []*entry
	for identity, e := range c.entries {
		if e.building {
			continue
		}
		delete(c.entries, identity)
		remaining = append(remaining, e)
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range remaining {
		if e.refs > 0 {
			slog.Warn("closing referenced compute context", slogKeyIdentity, e.identity, "refs", e.refs)
		}
		if err := e.ctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing context for %s: %w", e.identity, err))
		}
	}
	return errors.Join(errs...)
}

// Refs returns the reference count for identity, or -1 when it has no entry.
func (c *Cache) Refs(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[identity]; ok {
		return e.refs
	}
	return -1
}

// Stats returns entry counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{Entries: len(c.entries)}
	for _, e := range c.entries {
		switch {
		case e.building:
			s.Building++
		case e.refs > 0:
			s.Referenced++
		default:
			s.Idle++
		}
	}
	return s
}
