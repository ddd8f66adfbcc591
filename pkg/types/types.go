// Package types defines the core domain model shared by the taskwire
// subsystem: the Task record, its status enum, and the sequenced stream
// events exchanged with the remote hub.
package types

import (
	"time"
)

// TaskID uniquely identifies a task. Assigned at creation, immutable.
type TaskID string

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusCreated   TaskStatus = "created"   // allocated, not yet started
	StatusRunning   TaskStatus = "running"   // a producer is driving the task
	StatusPartial   TaskStatus = "partial"   // incremental output has arrived
	StatusPaused    TaskStatus = "paused"    // execution suspended by a caller
	StatusDone      TaskStatus = "done"      // terminal: finished successfully
	StatusFailed    TaskStatus = "failed"    // terminal: producer reported an error
	StatusCancelled TaskStatus = "cancelled" // terminal: cancelled by a caller
)

// Terminal reports whether the status has no outgoing transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LogEntry is a timestamped diagnostic line attached to a task.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Task is the unit of trackable asynchronous work.
//
// The registry exclusively owns the canonical record; everything else
// observes copies published on the event bus or returned from lookups.
// Output and Logs are append-only and never reordered. CompletedAt is set
// exactly once, the first time the task enters a terminal status.
type Task struct {
	ID     TaskID     `json:"id"`
	Intent string     `json:"intent"`
	Status TaskStatus `json:"status"`

	Output []string   `json:"output"`
	Logs   []LogEntry `json:"logs"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Error    string `json:"error,omitempty"`
	Progress *int   `json:"progress,omitempty"`
}

// Clone returns a deep copy safe to hand to event subscribers.
func (t *Task) Clone() Task {
	cp := *t
	cp.Output = append([]string(nil), t.Output...)
	cp.Logs = append([]LogEntry(nil), t.Logs...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.Progress != nil {
		v := *t.Progress
		cp.Progress = &v
	}
	return cp
}

// TaskEventsChannel is the named channel carrying sequenced job events
// between the hub and its consumers.
const TaskEventsChannel = "tasks"

// StreamEventKind discriminates the sequenced events replayed for a job.
type StreamEventKind string

const (
	EventChunk    StreamEventKind = "chunk"    // incremental output
	EventLog      StreamEventKind = "log"      // diagnostic line
	EventProgress StreamEventKind = "progress" // progress percentage
	EventDone     StreamEventKind = "done"     // job finished successfully
	EventFailed   StreamEventKind = "failed"   // job failed with an error
)

// StreamEvent is one sequenced event in a job's backlog. Sequence is
// job-scoped and monotonically increasing, assigned by the remote producer.
type StreamEvent struct {
	JobID    TaskID          `json:"jobId"`
	Sequence uint64          `json:"sequence"`
	Kind     StreamEventKind `json:"kind"`
	Chunk    string          `json:"chunk,omitempty"`
	Message  string          `json:"message,omitempty"`
	Progress int             `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// SnapshotData is the serialized state written by the snapshot manager:
// every task record plus the per-job sequence cursors.
type SnapshotData struct {
	Tasks     map[TaskID]*Task  `json:"tasks"`
	Cursors   map[TaskID]uint64 `json:"cursors"`
	SchemaVer int               `json:"schema_version"`
	LastSeq   uint64            `json:"last_seq"` // journal sequence covered by this snapshot
}
