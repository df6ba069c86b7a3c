package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"github.com/txn2/query-gateway/pkg/apierr"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	// Workers is the number of statements executing at once.
	Workers int

	// QueueSize is how many admitted statements may wait for a worker.
	QueueSize int
}

// ticket is an admission slot. Workers+QueueSize tickets exist; a task holds
// one from submission until it finishes.
type ticket struct{}

type task struct {
	run    func()
	ticket *puddle.Resource[ticket]
}

// Pool runs tasks on a fixed set of workers behind a bounded queue.
// Submission never blocks: when every ticket is out it fails immediately.
type Pool struct {
	cfg     PoolConfig
	tickets *puddle.Pool[ticket]
	tasks   chan task
	workers sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts cfg.Workers workers.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers)
	}
	if cfg.QueueSize < 0 {
		return nil, fmt.Errorf("queue size must not be negative, got %d", cfg.QueueSize)
	}
	size := cfg.Workers + cfg.QueueSize

	tickets, err := puddle.NewPool(&puddle.Config[ticket]{
		Constructor: func(context.Context) (ticket, error) {
			return ticket{}, nil
		},
		Destructor: func(ticket) {},
		MaxSize:    int32(size), //nolint:gosec // bounded by config validation
	})
	if err != nil {
		return nil, fmt.Errorf("creating admission tickets: %w", err)
	}
	// TryAcquire only hands out idle resources, so every ticket is created
	// up front.
	for range size {
		if err := tickets.CreateResource(context.Background()); err != nil {
			tickets.Close()
			return nil, fmt.Errorf("creating admission ticket: %w", err)
		}
	}

	p := &Pool{
		cfg:     cfg,
		tickets: tickets,
		tasks:   make(chan task, size),
	}
	p.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go p.work()
	}
	return p, nil
}

func (p *Pool) work() {
	defer p.workers.Done()
	for t := range p.tasks {
		p.runTask(t)
	}
}

func (*Pool) runTask(t task) {
	defer t.ticket.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("operation worker panic", "panic", r)
		}
	}()
	t.run()
}

// Submit admits run for execution. It returns a ResourceError at once when
// all workers are busy and the queue is full, or after Shutdown.
func (p *Pool) Submit(run func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return apierr.Resourcef("worker pool is shut down")
	}

	res, err := p.tickets.TryAcquire(context.Background())
	if err != nil {
		if errors.Is(err, puddle.ErrNotAvailable) {
			return apierr.Resourcef("worker pool saturated: %d workers busy and %d queued",
				p.cfg.Workers, p.cfg.QueueSize)
		}
		return apierr.Resourcef("worker pool unavailable").Wrap(err)
	}

	// Capacity equals the ticket count, so this never blocks.
	p.tasks <- task{run: run, ticket: res}
	return nil
}

// Busy returns how many tasks are queued or running.
func (p *Pool) Busy() int {
	return int(p.tickets.Stat().AcquiredResources())
}

// Shutdown stops admission and waits up to timeout for queued and running
// tasks to finish. It reports whether they all did. A timeout of zero does
// not wait.
func (p *Pool) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		// Close blocks until every ticket is back.
		p.tickets.Close()
		close(drained)
	}()

	if timeout <= 0 {
		select {
		case <-drained:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-drained:
		return true
	case <-t.C:
		return false
	}
}
