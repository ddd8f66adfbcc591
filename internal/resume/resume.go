// Package resume keeps the local view of each job's event stream complete
// and in order. It tracks a monotone sequence cursor per job, drops
// duplicates, detects gaps, journals every applied event, and asks the hub
// to replay exactly the missing tail after reconnects and restarts.
package resume

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omnibrowser/taskwire/internal/metrics"
	"github.com/omnibrowser/taskwire/internal/registry"
	"github.com/omnibrowser/taskwire/internal/router"
	"github.com/omnibrowser/taskwire/internal/storage/journal"
	"github.com/omnibrowser/taskwire/internal/transport"
	"github.com/omnibrowser/taskwire/pkg/types"
)

// SequenceGapError reports a hole in a job's event stream: the next event
// skipped ahead of the cursor. The tracker has already requested a replay
// by the time the caller sees this.
type SequenceGapError struct {
	Job  types.TaskID
	Have uint64 // cursor before the gap
	Got  uint64 // sequence of the event that skipped ahead
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("resume: sequence gap for job %s: have %d, got %d", e.Job, e.Have, e.Got)
}

// Tracker owns the per-job cursors. All methods are safe for concurrent
// use.
type Tracker struct {
	client   *transport.Client
	registry *registry.Registry
	journal  *journal.Journal
	logger   *slog.Logger
	metrics  *metrics.Collector // optional, nil-safe

	mu      sync.Mutex
	cursors map[types.TaskID]uint64
}

// NewTracker creates a Tracker applying events to reg and journaling them
// to jrnl. jrnl may be nil for callers that do their own persistence.
func NewTracker(client *transport.Client, reg *registry.Registry, jrnl *journal.Journal, logger *slog.Logger, m *metrics.Collector) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client:   client,
		registry: reg,
		journal:  jrnl,
		logger:   logger,
		metrics:  m,
		cursors:  make(map[types.TaskID]uint64),
	}
}

// Bind attaches the tracker to the task events channel and re-requests
// replays for every tracked job after each reconnect.
func (t *Tracker) Bind(r *router.Router) {
	r.Subscribe(types.TaskEventsChannel, func(data json.RawMessage, _ transport.Frame) {
		var ev types.StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.logger.Warn("undecodable stream event", "error", err)
			return
		}
		if err := t.Apply(ev); err != nil {
			t.logger.Warn("stream event rejected", "jobID", ev.JobID, "sequence", ev.Sequence, "error", err)
		}
	})
	t.client.OnReconnect(t.ResumeAll)
}

// Apply advances the job's cursor with one event.
//
// Duplicates (sequence at or below the cursor) are silent no-ops: replays
// after a resume may overlap what was already applied. A gap returns a
// SequenceGapError after a replay request has been sent; the event itself
// is discarded and will come back in the replayed tail.
func (t *Tracker) Apply(ev types.StreamEvent) error {
	t.mu.Lock()
	cursor := t.cursors[ev.JobID]

	if ev.Sequence <= cursor {
		t.mu.Unlock()
		t.logger.Debug("duplicate stream event dropped",
			"jobID", ev.JobID, "sequence", ev.Sequence, "cursor", cursor)
		return nil
	}
	if ev.Sequence > cursor+1 {
		t.mu.Unlock()
		t.requestReplay(ev.JobID, cursor)
		return &SequenceGapError{Job: ev.JobID, Have: cursor, Got: ev.Sequence}
	}

	t.cursors[ev.JobID] = ev.Sequence
	t.mu.Unlock()

	t.applyToRegistry(ev)

	if t.journal != nil {
		terminal := ev.Kind == types.EventDone || ev.Kind == types.EventFailed
		if err := t.journal.Append(ev, terminal); err != nil {
			t.logger.Error("failed to journal stream event",
				"jobID", ev.JobID, "sequence", ev.Sequence, "error", err)
		}
	}
	return nil
}

func (t *Tracker) applyToRegistry(ev types.StreamEvent) {
	if t.registry == nil {
		return
	}
	switch ev.Kind {
	case types.EventChunk:
		if t.registry.Stream(ev.JobID, ev.Chunk) {
			t.metrics.RecordChunkStreamed()
		}
	case types.EventLog:
		t.registry.Log(ev.JobID, ev.Message)
	case types.EventProgress:
		t.registry.UpdateProgress(ev.JobID, ev.Progress)
	case types.EventDone:
		t.registry.Complete(ev.JobID)
	case types.EventFailed:
		t.registry.Fail(ev.JobID, ev.Error)
	default:
		t.logger.Warn("unknown stream event kind", "jobID", ev.JobID, "kind", ev.Kind)
	}
}

// Track registers a job for resume without moving its cursor. Used when a
// job is known to exist before any of its events have arrived.
func (t *Tracker) Track(jobID types.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cursors[jobID]; !ok {
		t.cursors[jobID] = 0
	}
}

// Cursor returns the current cursor for a job.
func (t *Tracker) Cursor(jobID types.TaskID) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[jobID]
}

// Cursors returns a copy of every cursor, for the snapshot manager.
func (t *Tracker) Cursors() map[types.TaskID]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.TaskID]uint64, len(t.cursors))
	for id, seq := range t.cursors {
		out[id] = seq
	}
	return out
}

// Restore replaces the cursor table, typically from a snapshot merged with
// a journal replay.
func (t *Tracker) Restore(cursors map[types.TaskID]uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cursors = make(map[types.TaskID]uint64, len(cursors))
	for id, seq := range cursors {
		t.cursors[id] = seq
	}
}

// Recover seeds the cursors from a snapshot, then replays the journal over
// them: records the snapshot already covers are dropped as duplicates,
// newer ones are applied to the registry and advance the cursor. The
// journal carries full payloads, so chunks applied after the last snapshot
// survive a hard crash. Returns the number of replayed events. Call before
// Bind, while no live events flow.
func (t *Tracker) Recover(cursors map[types.TaskID]uint64) (int, error) {
	t.Restore(cursors)
	if t.journal == nil {
		return 0, nil
	}

	applied := 0
	err := t.journal.Replay(func(rec journal.Record) error {
		ev := rec.Event()
		t.mu.Lock()
		if ev.Sequence <= t.cursors[ev.JobID] {
			t.mu.Unlock()
			return nil
		}
		t.cursors[ev.JobID] = ev.Sequence
		t.mu.Unlock()

		t.applyToRegistry(ev)
		applied++
		return nil
	})
	return applied, err
}

// Resume asks the hub to replay everything after the job's cursor.
func (t *Tracker) Resume(jobID types.TaskID) error {
	t.mu.Lock()
	cursor := t.cursors[jobID]
	t.mu.Unlock()
	return t.requestReplay(jobID, cursor)
}

// ResumeAll requests replays for every tracked job. Runs on each
// reconnect.
func (t *Tracker) ResumeAll() {
	t.mu.Lock()
	jobs := make(map[types.TaskID]uint64, len(t.cursors))
	for id, seq := range t.cursors {
		jobs[id] = seq
	}
	t.mu.Unlock()

	for id, seq := range jobs {
		if err := t.requestReplay(id, seq); err != nil {
			t.logger.Warn("resume request failed", "jobID", id, "error", err)
		}
	}
	if len(jobs) > 0 {
		t.logger.Info("resume requested for tracked jobs", "count", len(jobs))
	}
}

func (t *Tracker) requestReplay(jobID types.TaskID, lastSequence uint64) error {
	return t.client.Send(transport.Frame{
		Type:         transport.FrameResume,
		JobID:        string(jobID),
		LastSequence: lastSequence,
	})
}
