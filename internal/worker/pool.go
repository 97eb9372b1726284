// Package worker runs background tasks on a fixed set of goroutines fed by a
// bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64

	// forceWait bounds how long Shutdown waits for tasks after cancelling them.
	forceWait = 5 * time.Second
)

var (
	// ErrQueueFull means the task was not accepted; the caller may retry later.
	ErrQueueFull = errors.New("worker queue is full")

	// ErrPoolStopped means Shutdown has been called.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Task is one unit of background work. ctx is cancelled when the pool is
// forced to stop.
type Task func(ctx context.Context) error

type job struct {
	id       string
	name     string
	fn       Task
	queuedAt time.Time
}

type taskIDKey struct{}

// TaskID returns the id of the task running with ctx, or "".
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers       int   `json:"workers"`
	QueueCapacity int   `json:"queue_capacity"`
	Queued        int   `json:"queued"`
	Running       int64 `json:"running"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	Panicked      int64 `json:"panicked"`
	Dropped       int64 `json:"dropped"`
}

// Pool is a fixed-size worker pool.
type Pool struct {
	workers int
	queue   chan *job
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	running   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New starts workers goroutines reading from a queue of queueSize slots.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		queue:   make(chan *job, queueSize),
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop(i)
	}

	return p
}

// Submit queues fn without blocking and returns its task id.
func (p *Pool) Submit(name string, fn Task) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return "", ErrPoolStopped
	}

	j := &job{
		id:       uuid.NewString(),
		name:     name,
		fn:       fn,
		queuedAt: time.Now(),
	}

	select {
	case p.queue <- j:
		return j.id, nil
	default:
		p.dropped.Add(1)
		return "", goerr.Wrap(ErrQueueFull, "task rejected",
			goerr.V("task", name), goerr.V("capacity", cap(p.queue)))
	}
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.workers,
		QueueCapacity: cap(p.queue),
		Queued:        len(p.queue),
		Running:       p.running.Load(),
		Succeeded:     p.succeeded.Load(),
		Failed:        p.failed.Load(),
		Panicked:      p.panicked.Load(),
		Dropped:       p.dropped.Load(),
	}
}

// Shutdown stops accepting tasks and lets queued and running tasks finish
// until ctx ends. After that, running tasks are cancelled and whatever is
// still queued is dropped. Returns ctx.Err() if work was abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	pending := len(p.queue)
	p.logger.Warn("shutdown grace period expired, cancelling background tasks",
		"running", p.running.Load(), "queued", pending)
	p.cancel()

	select {
	case <-done:
	case <-time.After(forceWait):
		p.logger.Error("background tasks did not stop after cancellation", "running", p.running.Load())
	}

	return goerr.Wrap(ctx.Err(), "background work abandoned at shutdown", goerr.V("queued", pending))
}

func (p *Pool) loop(worker int) {
	defer p.wg.Done()

	for j := range p.queue {
		if p.ctx.Err() != nil {
			p.dropped.Add(1)
			p.logger.Warn("dropping queued task", "task", j.name, "task_id", j.id)
			continue
		}
		p.run(worker, j)
	}
}

func (p *Pool) run(worker int, j *job) {
	p.running.Add(1)
	defer p.running.Add(-1)

	logger := p.logger.With("task", j.name, "task_id", j.id, "worker", worker)
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			p.panicked.Add(1)
			logger.Error("panic in background task",
				"recover", fmt.Sprint(rec),
				"stack", string(debug.Stack()))

			hub := sentry.CurrentHub().Clone()
			hub.ConfigureScope(func(scope *sentry.Scope) {
				scope.SetTag("task", j.name)
				scope.SetTag("task_id", j.id)
			})
			hub.Recover(rec)
		}
	}()

	logger.Debug("task started", "queued_ms", start.Sub(j.queuedAt).Milliseconds())

	if err := j.fn(context.WithValue(p.ctx, taskIDKey{}, j.id)); err != nil {
		p.failed.Add(1)
		logger.Error("background task failed", "error", err,
			"duration_ms", time.Since(start).Milliseconds())

		hub := sentry.CurrentHub().Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("task", j.name)
			scope.SetTag("task_id", j.id)
		})
		hub.CaptureException(err)
		return
	}

	p.succeeded.Add(1)
	logger.Debug("task finished", "duration_ms", time.Since(start).Milliseconds())
}
