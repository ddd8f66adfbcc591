package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibrowser/taskwire/pkg/types"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.journal")
	j, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAndReplay(t *testing.T) {
	j := openTemp(t)

	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "hello", Sequence: 1}, false))
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "world", Sequence: 2}, false))
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventDone, Sequence: 3}, true))

	var got []Record
	require.NoError(t, j.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, types.EventDone, got[2].Kind)
	assert.Equal(t, uint64(3), j.LastSeq())

	// Replay hands back the full event, payload included.
	assert.Equal(t, types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "hello", Sequence: 1}, got[0].Event())
	assert.Equal(t, "world", got[1].Chunk)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: 1}, true))
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: 2}, true))
	require.NoError(t, j.Close())

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(2), j2.LastSeq())
	require.NoError(t, j2.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: 3}, true))
	assert.Equal(t, uint64(3), j2.LastSeq())
}

func TestCursorsRebuiltFromReplay(t *testing.T) {
	j := openTemp(t)

	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-a", Kind: types.EventChunk, Sequence: 1}, false))
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-a", Kind: types.EventChunk, Sequence: 2}, false))
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-b", Kind: types.EventChunk, Sequence: 7}, true))

	cursors, err := j.Cursors()
	require.NoError(t, err)
	assert.Equal(t, map[types.TaskID]uint64{"job-a": 2, "job-b": 7}, cursors)
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.journal")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: 1}, true))
	require.NoError(t, j.Close())

	// Tamper with the stored record without fixing the checksum.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	rec.Sequence = 99
	tampered, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(tampered, '\n'), 0644))

	j2, err := Open(path)
	require.NoError(t, err)
	defer j2.Close()

	err = j2.Replay(func(Record) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestRotateStartsFreshLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.journal")

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: 1}, true))
	require.NoError(t, j.Rotate(j.LastSeq()))

	var count int
	require.NoError(t, j.Replay(func(Record) error {
		count++
		return nil
	}))
	assert.Zero(t, count)

	// The old log survives as a backup file.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRotateCarriesOverUncoveredRecords(t *testing.T) {
	j := openTemp(t)

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, j.Append(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Sequence: seq}, true))
	}

	// The snapshot covered records 1-3 only; 4 and 5 must survive the
	// rotation or a crash before the next snapshot would lose them.
	require.NoError(t, j.Rotate(3))

	var seqs []uint64
	require.NoError(t, j.Replay(func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{4, 5}, seqs)
	assert.Equal(t, uint64(5), j.LastSeq())

	cursors, err := j.Cursors()
	require.NoError(t, err)
	assert.Equal(t, map[types.TaskID]uint64{"job-1": 5}, cursors)
}
