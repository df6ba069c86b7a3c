package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// hook is one named component of the lifecycle. A nil start means the
// component is live as soon as it is added.
type hook struct {
	name    string
	start   func(context.Context) error
	stop    func(context.Context) error
	running bool
}

// Lifecycle starts components in the order they were added and stops them
// in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []*hook
	started bool
	stopped bool
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Add registers a component. Either function may be nil.
func (l *Lifecycle) Add(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, &hook{name: name, start: start, stop: stop, running: start == nil})
}

// AddCloser registers a resource that is already open and only needs
// closing.
func (l *Lifecycle) AddCloser(name string, closeFn func() error) {
	l.Add(name, nil, func(context.Context) error { return closeFn() })
}

// Start runs every start function. When one fails the components already
// started are stopped again and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("lifecycle already started")
	}
	if l.stopped {
		return errors.New("lifecycle already stopped")
	}

	for _, h := range l.hooks {
		if h.running {
			continue
		}
		if err := h.start(ctx); err != nil {
			if stopErr := l.stopLocked(ctx); stopErr != nil {
				slog.Warn("lifecycle rollback incomplete", "component", h.name, slogKeyError, stopErr)
			}
			return fmt.Errorf("starting %s: %w", h.name, err)
		}
		h.running = true
	}

	l.started = true
	return nil
}

// Stop stops every running component in reverse order and joins their
// errors. Resources added with AddCloser are released even when Start was
// never called. Later calls do nothing.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true
	l.started = false
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	var errs []error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		h := l.hooks[i]
		if !h.running {
			continue
		}
		h.running = false
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// IsStarted reports whether Start succeeded and Stop has not run.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
