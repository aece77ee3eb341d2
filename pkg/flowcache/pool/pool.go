// Package pool runs query evaluation and reconciliation work on a fixed set
// of workers fed by a bounded queue. Submission never blocks: when the queue
// is full the task is rejected.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/skupperproject/flowcache/pkg/flowcache"
)

// Task is a unit of work. The context is cancelled when the pool stops or
// the task's Handle is cancelled.
type Task func(ctx context.Context) error

type Options struct {
	// Name labels log records and metrics.
	Name      string
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	// Registerer receives the pool metrics when set.
	Registerer prometheus.Registerer
}

type Pool struct {
	name    string
	logger  *slog.Logger
	workers int
	queue   chan *Handle

	mu      sync.Mutex
	stopped bool

	metrics metrics
}

func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		name:    opts.Name,
		logger:  opts.Logger.With(slog.String("component", "pool"), slog.String("pool", opts.Name)),
		workers: opts.Workers,
		queue:   make(chan *Handle, opts.QueueSize),
		metrics: register(opts.Registerer, opts.Name),
	}
}

// Submit enqueues task. It returns an error wrapping flowcache.ErrRejected
// when the queue is full or the pool has stopped.
func (p *Pool) Submit(task Task) (*Handle, error) {
	h := &Handle{task: task, done: make(chan struct{})}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.metrics.rejected.Inc()
		return nil, fmt.Errorf("%w: pool %s stopped", flowcache.ErrRejected, p.name)
	}
	select {
	case p.queue <- h:
		p.metrics.queued.Inc()
		return h, nil
	default:
		p.metrics.rejected.Inc()
		return nil, fmt.Errorf("%w: pool %s queue full", flowcache.ErrRejected, p.name)
	}
}

// Run starts the workers and blocks until ctx is done. Tasks still queued at
// shutdown complete with the context error.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	for {
		select {
		case h := <-p.queue:
			p.metrics.queued.Dec()
			h.finish(ctx.Err())
		default:
			p.logger.Debug("worker pool shutdown complete")
			return nil
		}
	}
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case h := <-p.queue:
			p.metrics.queued.Dec()
			p.metrics.running.Inc()
			err := h.run(ctx)
			p.metrics.running.Dec()
			if err != nil {
				p.metrics.tasks.WithLabelValues("error").Inc()
				p.logger.Debug("task failed", slog.Any("error", err))
			} else {
				p.metrics.tasks.WithLabelValues("ok").Inc()
			}
		}
	}
}

// Handle tracks a submitted task.
type Handle struct {
	task Task
	done chan struct{}
	once sync.Once
	err  error

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

func (h *Handle) run(ctx context.Context) (err error) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		h.finish(context.Canceled)
		return context.Canceled
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()
	defer h.cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
		h.finish(err)
	}()
	return h.task(ctx)
}

func (h *Handle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the task has completed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task result. It is only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done. Giving up on the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return fmt.Errorf("%w waiting for task: %s", flowcache.ErrTimeout, ctx.Err())
	}
}

// Cancel cancels the task context. A task that has not started yet is
// skipped and completes with context.Canceled.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	if h.cancel != nil {
		h.cancel()
	}
}
