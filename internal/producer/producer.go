// Package producer executes task work and feeds the results through the
// registry. A fixed pool of workers drains a task channel; each unit of
// work emits output chunks cooperatively so pause and cancel take effect
// between chunks, never mid-write.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omnibrowser/taskwire/internal/registry"
	"github.com/omnibrowser/taskwire/pkg/types"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("producer: pool is closed")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("producer: pool not started")
)

// TaskExecutionError wraps a work failure with the task it belongs to. The
// registry records the message on the task; the error is never thrown
// back at the submitter.
type TaskExecutionError struct {
	ID  types.TaskID
	Err error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("producer: task %s failed: %v", e.ID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// WorkFunc is one unit of producer work. It emits output through yield,
// which blocks while the task is paused and returns false once the task
// can no longer accept output (cancelled, failed elsewhere, or removed).
// Work should return promptly after a false yield.
type WorkFunc func(ctx context.Context, yield func(chunk string) bool) error

// Task pairs a registry task with the work that produces its output.
type Task struct {
	ID   types.TaskID
	Work WorkFunc
}

// Pool runs submitted tasks on a fixed set of workers.
type Pool struct {
	registry *registry.Registry
	logger   *slog.Logger

	taskCh chan Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	// pause poll cadence; tests shorten it
	pollInterval time.Duration
}

// NewPool creates a Pool feeding reg. bufferSize caps queued submissions.
func NewPool(reg *registry.Registry, logger *slog.Logger, bufferSize int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		registry:     reg,
		logger:       logger,
		taskCh:       make(chan Task, bufferSize),
		stopCh:       make(chan struct{}),
		pollInterval: 20 * time.Millisecond,
	}
}

// Start launches workerCount workers. Errors if already started.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("producer: pool already started")
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(id)
		}(i)
	}
	p.started = true
	p.logger.Info("producer pool started", "workers", workerCount)
	return nil
}

// Submit queues a task for execution.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	// stopCh doubles as a guard against sending on a closed taskCh.
	select {
	case taskCh <- task:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// Stop closes the pool and waits for in-flight work to finish. Running
// work observes the shutdown through its context and a false yield.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)
	p.wg.Wait()
	p.logger.Info("producer pool stopped")
}

func (p *Pool) run(workerID int) {
	for {
		select {
		case task, ok := <-p.taskCh:
			if !ok {
				return
			}
			p.execute(workerID, task)
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) execute(workerID int, task Task) {
	if !p.registry.Start(task.ID) {
		// Already terminal or unknown; nothing to run.
		p.logger.Debug("skipping unstartable task", "worker", workerID, "taskID", task.ID)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := task.Work(ctx, func(chunk string) bool {
		return p.yield(task.ID, chunk)
	})

	// The registry may already hold a terminal verdict (cancelled while
	// running); terminal transitions are one-shot so these are no-ops then.
	if err != nil {
		execErr := &TaskExecutionError{ID: task.ID, Err: err}
		p.logger.Warn("task work failed", "worker", workerID, "taskID", task.ID, "error", execErr)
		p.registry.Fail(task.ID, err.Error())
		return
	}
	p.registry.Complete(task.ID)
}

// yield streams one chunk, first parking while the task is paused.
func (p *Pool) yield(id types.TaskID, chunk string) bool {
	for {
		task, ok := p.registry.Get(id)
		if !ok || task.Status.Terminal() {
			return false
		}
		if task.Status != types.StatusPaused {
			break
		}
		select {
		case <-time.After(p.pollInterval):
		case <-p.stopCh:
			return false
		}
	}
	return p.registry.Stream(id, chunk)
}
