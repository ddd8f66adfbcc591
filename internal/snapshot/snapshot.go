// Package snapshot persists the full task state as an atomically written
// JSON file: every task record plus the per-job sequence cursors. Together
// with the journal it lets a restart recover without replaying the whole
// event history from the hub.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/omnibrowser/taskwire/pkg/types"
)

// SchemaVersion is stamped into every written snapshot. Load rejects
// files written by an incompatible layout.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager serializes snapshot reads and writes for one path.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a snapshot manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write persists the snapshot atomically: the data is written to a temp
// file and renamed over the target, so readers never observe a torn file.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file is a first start and yields an
// empty state, not an error.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	empty := types.SnapshotData{
		Tasks:     make(map[types.TaskID]*types.Task),
		Cursors:   make(map[types.TaskID]uint64),
		SchemaVer: SchemaVersion,
	}

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("snapshot: read: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return empty, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return empty, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	if data.Tasks == nil {
		data.Tasks = make(map[types.TaskID]*types.Task)
	}
	if data.Cursors == nil {
		data.Cursors = make(map[types.TaskID]uint64)
	}
	return data, nil
}
