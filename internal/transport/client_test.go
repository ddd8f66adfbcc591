package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnibrowser/taskwire/internal/hub"
	"github.com/omnibrowser/taskwire/internal/transport"
	"github.com/omnibrowser/taskwire/pkg/types"
)

// startHub runs a hub behind httptest and returns it with a ws:// URL.
func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Config{}, nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(url string) transport.Config {
	return transport.Config{
		URL:           url,
		AckRetryBase:  time.Millisecond,
		AckRetryMax:   5 * time.Millisecond,
		AckWait:       200 * time.Millisecond,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)

	require.False(t, c.Connected())
	require.NoError(t, c.Connect())
	assert.True(t, c.Connected())

	// Idempotent.
	require.NoError(t, c.Connect())

	c.Disconnect()
	assert.False(t, c.Connected())
}

func TestConcurrentConnectSingleConnection(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()

	var mu sync.Mutex
	var flips []bool
	c.OnStatusChange(func(connected bool) {
		mu.Lock()
		defer mu.Unlock()
		flips = append(flips, connected)
	})

	// Two callers racing Connect, as the redial loop can race the
	// automatic reconnect. Only one dial may win.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flips) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// Give a losing duplicate dial time to surface before asserting.
	time.Sleep(50 * time.Millisecond)

	assert.True(t, c.Connected())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true}, flips, "a racing Connect must not produce a second connection")
}

func TestSendQueuesWhileOffline(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(transport.Frame{Type: transport.FramePublish, Channel: "q"}))
	}
	assert.Equal(t, 3, c.OfflineQueueLen())
}

func TestOfflineQueueFlushedInOrderOnConnect(t *testing.T) {
	h, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()

	for _, ch := range []string{"first", "second", "third"} {
		require.NoError(t, c.Send(transport.Frame{Type: transport.FramePublish, Channel: ch}))
	}

	require.NoError(t, c.Connect())
	assert.Equal(t, 0, c.OfflineQueueLen())

	require.Eventually(t, func() bool {
		return len(h.Received()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	got := h.Received()
	assert.Equal(t, "first", got[0].Channel)
	assert.Equal(t, "second", got[1].Channel)
	assert.Equal(t, "third", got[2].Channel)
}

func TestEmitWithAckSucceeds(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.EmitWithAck(ctx, "custom", map[string]string{"k": "v"})
	assert.NoError(t, err)
}

func TestEmitWithAckOfflineRejectsImmediately(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)

	err := c.EmitWithAck(context.Background(), "custom", nil)
	assert.ErrorIs(t, err, transport.ErrOffline)
}

func TestAckRetriesExhaustAfterFiveAttempts(t *testing.T) {
	h, url := startHub(t)
	h.SetAckOK(false)

	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.EmitWithAck(ctx, "custom", map[string]string{"k": "v"})
	require.ErrorIs(t, err, transport.ErrAckExhausted)

	// Every attempt reuses the same acknowledgment id.
	received := h.Received()
	require.Len(t, received, 5)
	for _, f := range received {
		assert.Equal(t, received[0].AckID, f.AckID)
	}
}

func TestStatusListeners(t *testing.T) {
	_, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)

	var mu sync.Mutex
	var flips []bool
	unsub := c.OnStatusChange(func(connected bool) {
		mu.Lock()
		flips = append(flips, connected)
		mu.Unlock()
	})

	require.NoError(t, c.Connect())
	c.Disconnect()

	mu.Lock()
	assert.Equal(t, []bool{true, false}, flips)
	mu.Unlock()

	// After unsubscribe no further notifications arrive.
	unsub()
	require.NoError(t, c.Connect())
	c.Disconnect()

	mu.Lock()
	assert.Equal(t, []bool{true, false}, flips)
	mu.Unlock()
}

func TestReconnectAfterConnectionDrop(t *testing.T) {
	h := hub.New(hub.Config{}, nil)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	// The first connection is accepted and then dropped; later ones reach
	// the hub.
	var first atomic.Bool
	first.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first.CompareAndSwap(true, false) {
			ws, err := upgrader.Upgrade(w, r, nil)
			if err == nil {
				ws.Close()
			}
			return
		}
		h.Handler().ServeHTTP(w, r)
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()

	var hookRuns atomic.Int32
	c.OnReconnect(func() { hookRuns.Add(1) })

	require.NoError(t, c.Connect())

	// The dropped connection triggers automatic reconnection.
	require.Eventually(t, func() bool {
		return c.Connected() && hookRuns.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPendingAckRejectedOnDisconnect(t *testing.T) {
	// A hub that never acknowledges: accept the upgrade and read silently.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	cfg := fastConfig(url)
	cfg.AckWait = 10 * time.Second // keep the retry timer out of the way
	c := transport.NewClient(cfg, nil, nil)
	require.NoError(t, c.Connect())

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.EmitWithAck(context.Background(), "custom", nil)
	}()

	// Let the send land before tearing the connection down.
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, transport.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("pending acknowledgment was not rejected on disconnect")
	}
}

func TestOnFrameReceivesJobEventsInOrder(t *testing.T) {
	h, url := startHub(t)
	c := transport.NewClient(fastConfig(url), nil, nil)
	defer c.Disconnect()

	var mu sync.Mutex
	var seqs []uint64
	c.OnFrame(func(f transport.Frame) {
		if f.Type != transport.FrameMessage {
			return
		}
		mu.Lock()
		seqs = append(seqs, f.Sequence)
		mu.Unlock()
	})

	require.NoError(t, c.Connect())
	require.NoError(t, c.Send(transport.Frame{Type: transport.FrameSubscribe, Channel: types.TaskEventsChannel}))

	require.Eventually(t, func() bool {
		return h.SubscriberCount(types.TaskEventsChannel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		h.PublishJobEvent(types.StreamEvent{JobID: "job-1", Kind: types.EventChunk})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	mu.Unlock()
}
