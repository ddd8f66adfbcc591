// Package journal is the append-only durability log for sequenced job
// events. Every stream event applied locally is journaled with its full
// payload so that, after a crash, replay rebuilds both the task state and
// the per-job sequence cursors, and resume requests ask the hub only for
// what is genuinely missing.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/omnibrowser/taskwire/pkg/types"
)

// ErrChecksumMismatch is returned by Replay when a record fails
// verification. Replay stops at the first bad record.
var ErrChecksumMismatch = errors.New("journal: checksum mismatch")

// Record is one journaled stream event, payload included. Seq is the
// journal-wide record number; Sequence is the job-scoped stream sequence of
// the event itself.
type Record struct {
	Seq       uint64                `json:"seq"`
	JobID     types.TaskID          `json:"jobId"`
	Kind      types.StreamEventKind `json:"kind"`
	Sequence  uint64                `json:"sequence"`
	Chunk     string                `json:"chunk,omitempty"`
	Message   string                `json:"message,omitempty"`
	Progress  int                   `json:"progress,omitempty"`
	Error     string                `json:"error,omitempty"`
	Timestamp int64                 `json:"timestamp"`
	Checksum  uint32                `json:"checksum"`
}

// Event rebuilds the journaled stream event, for replay into the registry.
func (rec Record) Event() types.StreamEvent {
	return types.StreamEvent{
		JobID:    rec.JobID,
		Sequence: rec.Sequence,
		Kind:     rec.Kind,
		Chunk:    rec.Chunk,
		Message:  rec.Message,
		Progress: rec.Progress,
		Error:    rec.Error,
	}
}

// RecordHandler is invoked for each replayed record.
type RecordHandler func(Record) error

// Journal owns the log file. Writes are buffered and flushed by count,
// interval, or an explicit force flag.
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64

	buffer        []Record
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// Open creates or reopens the journal at path. An existing file resumes
// from its last record number.
func Open(path string) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, err := file.Stat(); err == nil && stat.Size() > 0 {
		if last, err := lastRecord(path); err == nil && last != nil {
			seq = last.Seq
		}
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Record, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append journals one stream event. forceFlush bypasses the buffer, which
// terminal events use so completion is never lost to a crash.
func (j *Journal) Append(ev types.StreamEvent, forceFlush bool) error {
	j.mu.Lock()
	j.seq++
	rec := Record{
		Seq:       j.seq,
		JobID:     ev.JobID,
		Kind:      ev.Kind,
		Sequence:  ev.Sequence,
		Chunk:     ev.Chunk,
		Message:   ev.Message,
		Progress:  ev.Progress,
		Error:     ev.Error,
		Timestamp: time.Now().UnixMilli(),
	}
	rec.Checksum = checksum(rec)
	j.buffer = append(j.buffer, rec)

	needFlush := forceFlush || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval
	if needFlush {
		err := j.flushLocked()
		j.mu.Unlock()
		return err
	}
	j.mu.Unlock()
	return nil
}

// Replay reads the journal from the beginning, verifying each record and
// handing it to handler in order. Stops at the first verification or
// handler error.
func (j *Journal) Replay(handler RecordHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}

	file, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			return fmt.Errorf("journal: decode record: %w", err)
		}
		if !verify(rec) {
			return ErrChecksumMismatch
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

// Cursors rebuilds the per-job sequence cursors from the journal: the
// highest job-scoped Sequence seen for each job.
func (j *Journal) Cursors() (map[types.TaskID]uint64, error) {
	cursors := make(map[types.TaskID]uint64)
	err := j.Replay(func(rec Record) error {
		if rec.Sequence > cursors[rec.JobID] {
			cursors[rec.JobID] = rec.Sequence
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cursors, nil
}

// Rotate moves the current log aside to a timestamped backup and starts a
// fresh one. upTo is the newest record number the caller's snapshot covers;
// records after it are carried into the fresh log so rotation never
// discards events no snapshot holds.
func (j *Journal) Rotate(upTo uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("journal: close before rotate: %w", err)
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(j.path, backupPath); err != nil {
		return fmt.Errorf("journal: rotate: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("journal: reopen after rotate: %w", err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.carryOverLocked(backupPath, upTo)
}

// carryOverLocked copies records with Seq > upTo from the backup into the
// fresh log. Records appended between a snapshot capture and the rotation
// land here.
func (j *Journal) carryOverLocked(backupPath string, upTo uint64) error {
	if upTo >= j.seq {
		return nil
	}

	file, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("journal: open backup for carry-over: %w", err)
	}
	defer file.Close()

	carried := 0
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			break
		}
		if rec.Seq <= upTo {
			continue
		}
		if err := j.encoder.Encode(rec); err != nil {
			return fmt.Errorf("journal: carry over record: %w", err)
		}
		carried++
	}
	if carried == 0 {
		return nil
	}
	return j.file.Sync()
}

// Close flushes and closes the journal. The instance must not be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.flushLocked(); err != nil {
		return err
	}
	return j.file.Close()
}

// LastSeq returns the journal-wide record number of the newest record,
// including buffered ones. Snapshots store it so recovery knows which
// records the snapshot already covers.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

func (j *Journal) flushLocked() error {
	for _, rec := range j.buffer {
		if err := j.encoder.Encode(rec); err != nil {
			return fmt.Errorf("journal: write record: %w", err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

// lastRecord reads the final record of an existing journal file.
func lastRecord(path string) (*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var last *Record
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			// A torn tail write is expected after a crash; keep what we
			// have.
			break
		}
		last = &rec
	}
	return last, nil
}
