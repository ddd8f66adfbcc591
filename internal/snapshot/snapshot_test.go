package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibrowser/taskwire/pkg/types"
)

func TestWriteAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")
	m := NewManager(path)

	data := types.SnapshotData{
		Tasks: map[types.TaskID]*types.Task{
			"t1": {ID: "t1", Intent: "demo", Status: types.StatusRunning, Output: []string{"a", "b"}},
		},
		Cursors: map[types.TaskID]uint64{"t1": 7},
		LastSeq: 42,
	}
	require.NoError(t, m.Write(data))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.Equal(t, uint64(7), loaded.Cursors["t1"])
	require.Contains(t, loaded.Tasks, types.TaskID("t1"))
	assert.Equal(t, []string{"a", "b"}, loaded.Tasks["t1"].Output)
}

func TestLoadMissingFileReturnsEmptyState(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.snapshot"))

	data, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, data.Tasks)
	assert.Empty(t, data.Cursors)
}

func TestLoadCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.snapshot")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(filepath.Join(dir, "state.snapshot"))
	require.NoError(t, m.Write(types.SnapshotData{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.snapshot", entries[0].Name())
}
