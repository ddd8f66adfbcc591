// End-to-end lifecycle tests: a full agent stack (registry, producer pool,
// transport, resume tracker, persistence) talking to a real hub over
// websockets.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibrowser/taskwire/internal/controller"
	"github.com/omnibrowser/taskwire/internal/hub"
	"github.com/omnibrowser/taskwire/internal/registry"
	"github.com/omnibrowser/taskwire/pkg/types"
)

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Config{}, nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newController(t *testing.T, url string, dir string) *controller.Controller {
	t.Helper()
	c, err := controller.New(controller.Config{
		ServerURL:    url,
		SnapshotPath: filepath.Join(dir, "state.snapshot"),
		JournalPath:  filepath.Join(dir, "events.journal"),
		Workers:      2,
	}, nil, nil)
	require.NoError(t, err)
	return c
}

// A created task is started, streams two chunks, and completes. Every
// phase is announced on the bus: creation, at least one update per chunk,
// and the terminal update.
func TestTaskLifecycleEventStream(t *testing.T) {
	_, url := startHub(t)
	c := newController(t, url, t.TempDir())
	require.NoError(t, c.Start())
	defer c.Stop()

	var mu sync.Mutex
	counts := make(map[string]int)
	for _, event := range []string{
		registry.EventTaskCreated,
		registry.EventTaskUpdated,
		registry.EventStatusChanged,
	} {
		event := event
		c.Bus.On(event, func(any) {
			mu.Lock()
			counts[event]++
			mu.Unlock()
		})
	}

	task, err := c.RunTask("demo", func(_ context.Context, yield func(string) bool) error {
		yield("A")
		yield("B")
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok := c.Registry.Get(task.ID)
		return ok && got.Status == types.StatusDone
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := c.Registry.Get(task.ID)
	assert.Equal(t, []string{"A", "B"}, got.Output)
	require.NotNil(t, got.CompletedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[registry.EventTaskCreated])
	assert.GreaterOrEqual(t, counts[registry.EventTaskUpdated], 3,
		"start, two chunks, and completion each publish an update")
	assert.Equal(t, 1, counts[registry.EventStatusChanged],
		"only the first chunk changes the status to partial")
}

// Three publishes while disconnected are buffered and arrive at the hub in
// the original order once the connection is back.
func TestOfflineEmitsDeliveredInOrderAfterReconnect(t *testing.T) {
	h, url := startHub(t)
	c := newController(t, url, t.TempDir())
	require.NoError(t, c.Start())
	defer c.Stop()
	require.True(t, c.Client.Connected())

	c.Client.Disconnect()
	require.False(t, c.Client.Connected())

	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, c.Client.Emit("publish", map[string]string{"msg": name}))
	}
	assert.Equal(t, 3, c.Client.OfflineQueueLen())

	require.NoError(t, c.Client.Connect())

	require.Eventually(t, func() bool {
		return len(h.Received()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	var msgs []string
	for _, f := range h.Received() {
		msgs = append(msgs, string(f.Data))
	}
	assert.Contains(t, msgs[0], "one")
	assert.Contains(t, msgs[1], "two")
	assert.Contains(t, msgs[2], "three")
}

// A crash between two hub events must not lose or duplicate anything: the
// restarted agent resumes from its journaled cursor and applies exactly
// the missed tail.
func TestCrashRecoveryResumesExactTail(t *testing.T) {
	h, url := startHub(t)
	dir := t.TempDir()

	c1 := newController(t, url, dir)
	require.NoError(t, c1.Start())

	// Seed a remote job and deliver its first two events live.
	c1.Registry.Restore(map[types.TaskID]*types.Task{
		"job-1": {ID: "job-1", Status: types.StatusRunning},
	})
	c1.Tracker.Track("job-1")

	h.PublishJobEvent(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "one"})
	h.PublishJobEvent(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "two"})
	require.Eventually(t, func() bool {
		return c1.Tracker.Cursor("job-1") == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c1.Stop())

	// Events keep flowing while the agent is down.
	h.PublishJobEvent(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk, Chunk: "three"})
	h.PublishJobEvent(types.StreamEvent{JobID: "job-1", Kind: types.EventDone})

	c2 := newController(t, url, dir)
	require.NoError(t, c2.Start())
	defer c2.Stop()

	require.Eventually(t, func() bool {
		got, ok := c2.Registry.Get("job-1")
		return ok && got.Status == types.StatusDone
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := c2.Registry.Get("job-1")
	assert.Equal(t, []string{"one", "two", "three"}, got.Output,
		"the snapshot carries the pre-crash chunks; the replay adds only the missed one")
	assert.Equal(t, uint64(4), c2.Tracker.Cursor("job-1"))
}
