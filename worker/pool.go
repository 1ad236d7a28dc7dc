// Package worker provides the bounded goroutine pool that executes fired
// releases off the caller's goroutine.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/xraph/delay"
	"github.com/xraph/delay/id"
)

var (
	// ErrPoolStopped is returned by Submit when the pool is not running.
	ErrPoolStopped = fmt.Errorf("%w: worker pool stopped", delay.ErrSchedulingUnavailable)

	// ErrBacklogFull is returned by Submit when no buffer slot is free.
	ErrBacklogFull = fmt.Errorf("%w: worker backlog full", delay.ErrSchedulingUnavailable)
)

// Task is a unit of work executed by the pool.
type Task struct {
	// Key identifies the task in logs, typically a message id.
	Key string

	// Run performs the work. The context is cancelled when the pool's
	// shutdown deadline expires.
	Run func(ctx context.Context) error
}

// Pool manages a fixed set of worker goroutines consuming a bounded
// backlog of tasks.
type Pool struct {
	concurrency int
	backlog     int
	workerID    id.WorkerID
	logger      *slog.Logger

	tasks      chan Task
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
	seq        atomic.Uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithBacklog sets how many submitted tasks may wait for a worker.
func WithBacklog(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.backlog = n
		}
	}
}

// NewPool creates a worker pool. It accepts tasks once started.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		concurrency: 10,
		backlog:     1024,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Running reports whether the pool accepts tasks.
func (p *Pool) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.tasks = make(chan Task, p.backlog)
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("backlog", p.backlog),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop(p.tasks, p.stopCh)
	}

	return nil
}

// Submit queues a task without blocking. It fails with ErrPoolStopped
// after Stop and with ErrBacklogFull when every slot is taken.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Stop signals all workers to stop and waits for in-flight tasks. Tasks
// still waiting in the backlog are dropped. If the context is done before
// the workers finish, active tasks are cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	dropped := len(p.tasks)
	p.mu.Unlock()

	p.logger.Info("worker pool stopping",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("dropped", dropped),
	)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveJobs()
		<-done
	}

	return nil
}

// workLoop is run by each worker goroutine.
func (p *Pool) workLoop(tasks <-chan Task, stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		// Prefer stopping over picking up more work.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case t := <-tasks:
			p.run(t)
		}
	}
}

func (p *Pool) run(t Task) {
	ctx, cancel := context.WithCancel(context.Background())
	token := p.trackJob(t.Key, cancel)
	defer func() {
		p.untrackJob(token)
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic recovered in worker",
				slog.String("task", t.Key),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := t.Run(ctx); err != nil {
		p.logger.Debug("task failed",
			slog.String("task", t.Key),
			slog.String("error", err.Error()),
		)
	}
}

// trackJob registers a cancel func under a unique token so the same key
// may run twice concurrently.
func (p *Pool) trackJob(key string, cancel context.CancelFunc) string {
	token := key + "#" + strconv.FormatUint(p.seq.Add(1), 10)
	p.activeMu.Lock()
	p.activeJobs[token] = cancel
	p.activeMu.Unlock()
	return token
}

func (p *Pool) untrackJob(token string) {
	p.activeMu.Lock()
	delete(p.activeJobs, token)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for token, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active task", slog.String("task", token))
		cancel()
	}
}
