// Package registry owns the canonical in-memory collection of Task records
// and the task state machine.
//
// State machine:
//
//	created → running → {partial ⇄ paused} → {done | failed | cancelled}
//
// Terminal states have no outgoing transitions. Invalid transitions are
// silent no-ops by contract: idempotent UI-driven calls are preferred over
// strict validation. Each mutating operation returns a bool reporting
// whether it changed anything, so callers that want feedback can have it
// without changing the no-op default.
//
// Every mutation that changes observable task state publishes at least one
// event on the bus within the same synchronous step, so subscribers never
// observe a state the event stream has not announced.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omnibrowser/taskwire/internal/bus"
	"github.com/omnibrowser/taskwire/pkg/types"
)

// Event names published on the bus.
const (
	EventTaskCreated   = "task:created"        // payload: types.Task
	EventTaskUpdated   = "task:updated"        // payload: types.Task
	EventTaskLog       = "task:log"            // payload: LogPayload
	EventStatusChanged = "task:status-changed" // payload: StatusChangePayload
	EventTasksCleaned  = "tasks:cleaned"       // payload: CleanedPayload
)

// LogPayload accompanies task:log.
type LogPayload struct {
	ID      types.TaskID
	Message string
}

// StatusChangePayload accompanies task:status-changed.
type StatusChangePayload struct {
	Task      types.Task
	OldStatus types.TaskStatus
	NewStatus types.TaskStatus
}

// CleanedPayload accompanies tasks:cleaned.
type CleanedPayload struct {
	DeletedCount int
}

// Registry holds the id→Task map. Construct one per application context and
// inject it; never a hidden module-level singleton.
type Registry struct {
	mu     sync.Mutex
	tasks  map[types.TaskID]*types.Task
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time // injectable clock for cleanup tests
}

// New creates a Registry publishing on b.
func New(b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:  make(map[types.TaskID]*types.Task),
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Create allocates a new task in the created state, records CreatedAt,
// appends an initial log entry, and publishes task:created. Never fails.
func (r *Registry) Create(intent string) types.Task {
	r.mu.Lock()

	now := r.now()
	task := &types.Task{
		ID:        types.TaskID(uuid.NewString()),
		Intent:    intent,
		Status:    types.StatusCreated,
		CreatedAt: now,
		Output:    make([]string, 0),
		Logs: []types.LogEntry{
			{Time: now, Message: fmt.Sprintf("task created: %s", intent)},
		},
	}
	r.tasks[task.ID] = task
	snapshot := task.Clone()
	r.mu.Unlock()

	r.logger.Debug("task created", "taskID", task.ID, "intent", intent)
	r.bus.Emit(EventTaskCreated, snapshot)
	return snapshot
}

// Get returns a copy of the task and whether it exists.
func (r *Registry) Get(id types.TaskID) (types.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return task.Clone(), true
}

// List returns copies of all tasks, in unspecified order.
func (r *Registry) List() []types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task.Clone())
	}
	return out
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Start transitions the task to running and records StartedAt.
// Publishes task:updated. No-op from a terminal state.
func (r *Registry) Start(id types.TaskID) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() || task.Status == types.StatusRunning {
		r.mu.Unlock()
		return false
	}

	now := r.now()
	task.Status = types.StatusRunning
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	snapshot := task.Clone()
	r.mu.Unlock()

	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Stream appends chunk to the task's output. This is the only way output
// grows. From any non-terminal state the task transitions to partial;
// task:status-changed is published only when the status actually changes,
// task:updated always.
func (r *Registry) Stream(id types.TaskID, chunk string) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	old := task.Status
	task.Output = append(task.Output, chunk)
	task.Status = types.StatusPartial
	snapshot := task.Clone()
	r.mu.Unlock()

	if old != types.StatusPartial {
		r.bus.Emit(EventStatusChanged, StatusChangePayload{
			Task:      snapshot,
			OldStatus: old,
			NewStatus: types.StatusPartial,
		})
	}
	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Log appends a timestamped entry to the task's logs and publishes
// task:log. Does not affect status; valid in any state while the task
// still exists.
func (r *Registry) Log(id types.TaskID, message string) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return false
	}

	task.Logs = append(task.Logs, types.LogEntry{Time: r.now(), Message: message})
	r.mu.Unlock()

	r.bus.Emit(EventTaskLog, LogPayload{ID: id, Message: message})
	return true
}

// UpdateProgress sets the task's progress, clamped to [0,100], and
// publishes task:updated. No-op on terminal tasks.
func (r *Registry) UpdateProgress(id types.TaskID, progress int) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	task.Progress = &progress
	snapshot := task.Clone()
	r.mu.Unlock()

	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Pause transitions running/partial → paused. No-op (no event) otherwise.
func (r *Registry) Pause(id types.TaskID) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || (task.Status != types.StatusRunning && task.Status != types.StatusPartial) {
		r.mu.Unlock()
		return false
	}

	task.Status = types.StatusPaused
	snapshot := task.Clone()
	r.mu.Unlock()

	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Resume transitions paused → running. No-op otherwise.
func (r *Registry) Resume(id types.TaskID) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status != types.StatusPaused {
		r.mu.Unlock()
		return false
	}

	task.Status = types.StatusRunning
	snapshot := task.Clone()
	r.mu.Unlock()

	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Complete transitions any non-terminal state → done and sets CompletedAt.
func (r *Registry) Complete(id types.TaskID) bool {
	return r.finish(id, types.StatusDone, "")
}

// Fail transitions any non-terminal state → failed, recording errMsg on the
// task. The error is stored, never thrown back at the producer.
func (r *Registry) Fail(id types.TaskID, errMsg string) bool {
	return r.finish(id, types.StatusFailed, errMsg)
}

// Cancel transitions any non-terminal state → cancelled and logs the
// cancellation. The transition publishes immediately, independent of
// whether the producer loop has observed it yet.
func (r *Registry) Cancel(id types.TaskID) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	now := r.now()
	task.Status = types.StatusCancelled
	task.CompletedAt = &now
	task.Logs = append(task.Logs, types.LogEntry{Time: now, Message: "task cancelled"})
	snapshot := task.Clone()
	r.mu.Unlock()

	r.logger.Debug("task cancelled", "taskID", id)
	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// finish applies a terminal transition. CompletedAt is set here exactly
// once; terminal states cannot be re-entered.
func (r *Registry) finish(id types.TaskID, status types.TaskStatus, errMsg string) bool {
	r.mu.Lock()
	task, ok := r.tasks[id]
	if !ok || task.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	now := r.now()
	task.Status = status
	task.CompletedAt = &now
	if status == types.StatusFailed {
		task.Error = errMsg
	}
	snapshot := task.Clone()
	r.mu.Unlock()

	r.bus.Emit(EventTaskUpdated, snapshot)
	return true
}

// Cleanup removes all terminal tasks whose CompletedAt is older than
// maxAge and publishes a single tasks:cleaned summary event with the
// deleted count. Non-terminal tasks are never removed, regardless of age.
// Periodic invocation is the caller's responsibility.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	cutoff := r.now().Add(-maxAge)
	deleted := 0
	for id, task := range r.tasks {
		if task.Status.Terminal() && task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			deleted++
		}
	}
	r.mu.Unlock()

	if deleted > 0 {
		r.logger.Info("cleaned up terminal tasks", "deleted", deleted, "maxAge", maxAge)
	}
	r.bus.Emit(EventTasksCleaned, CleanedPayload{DeletedCount: deleted})
	return deleted
}

// Snapshot returns a deep copy of every task, for the snapshot manager.
func (r *Registry) Snapshot() map[types.TaskID]*types.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[types.TaskID]*types.Task, len(r.tasks))
	for id, task := range r.tasks {
		cp := task.Clone()
		out[id] = &cp
	}
	return out
}

// Restore replaces the registry contents from snapshot data. No events are
// published; restore happens before any subscriber is attached.
func (r *Registry) Restore(tasks map[types.TaskID]*types.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks = make(map[types.TaskID]*types.Task, len(tasks))
	for id, task := range tasks {
		cp := task.Clone()
		r.tasks[id] = &cp
	}
}

// Stats returns per-status task counts.
func (r *Registry) Stats() map[types.TaskStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make(map[types.TaskStatus]int)
	for _, task := range r.tasks {
		stats[task.Status]++
	}
	return stats
}
