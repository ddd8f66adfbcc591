// Package hub implements the remote event source: a websocket endpoint that
// routes named-channel publishes between connections, assigns job-scoped
// sequence numbers to task events, keeps a bounded backlog for replay, and
// answers acknowledgment-required sends.
package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omnibrowser/taskwire/internal/transport"
	"github.com/omnibrowser/taskwire/pkg/types"
)

// Config controls hub behavior.
type Config struct {
	// HistoryLimit bounds the per-job backlog kept for replay. Older
	// events fall off the front. Default 1024.
	HistoryLimit int
}

func (cfg Config) withDefaults() Config {
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 1024
	}
	return cfg
}

// connection's send channel is never closed; done signals the writer to
// exit so concurrent broadcasters cannot hit a closed channel.
type connection struct {
	id   string
	send chan transport.Frame
	done chan struct{}
}

// Hub is the server side of the wire protocol. One instance serves many
// connections.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*connection
	channels map[string]map[string]bool // channel → set of connection ids
	seqs     map[types.TaskID]uint64
	history  map[types.TaskID][]types.StreamEvent
	ackOK    bool
	received []transport.Frame
}

// New creates a Hub.
func New(cfg Config, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*connection),
		channels: make(map[string]map[string]bool),
		seqs:     make(map[types.TaskID]uint64),
		history:  make(map[types.TaskID][]types.StreamEvent),
		ackOK:    true,
	}
}

// Handler returns the websocket upgrade endpoint.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.serveWS)
}

// ListenAndServe serves the hub on addr. Blocks.
func (h *Hub) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	h.logger.Info("hub listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}

// SetAckOK switches whether acknowledgment-required sends are answered
// with ok=true. Tests use ok=false to exercise the client's retry budget.
func (h *Hub) SetAckOK(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ackOK = ok
}

// Received returns every publish frame the hub has accepted, in arrival
// order.
func (h *Hub) Received() []transport.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]transport.Frame, len(h.received))
	copy(out, h.received)
	return out
}

// SubscriberCount returns the number of connections subscribed to channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

// ============================================================================
// Connection handling
// ============================================================================

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		id:   uuid.NewString(),
		send: make(chan transport.Frame, 128),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	h.logger.Debug("client connected", "connectionID", conn.id)

	// Writer goroutine: the only writer for this websocket.
	go func() {
		for {
			select {
			case f := <-conn.send:
				if err := ws.WriteJSON(f); err != nil {
					return
				}
			case <-conn.done:
				return
			}
		}
	}()

	h.offer(conn, transport.Frame{
		Type:      transport.FrameConnected,
		Sender:    conn.id,
		Timestamp: time.Now().UnixMilli(),
	})

	for {
		var f transport.Frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		h.handleFrame(conn, f)
	}

	h.dropConnection(conn)
	ws.Close()
	h.logger.Debug("client disconnected", "connectionID", conn.id)
}

func (h *Hub) dropConnection(conn *connection) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	for channel, subs := range h.channels {
		delete(subs, conn.id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()
	close(conn.done)
}

func (h *Hub) handleFrame(conn *connection, f transport.Frame) {
	switch f.Type {
	case transport.FrameSubscribe:
		h.mu.Lock()
		if h.channels[f.Channel] == nil {
			h.channels[f.Channel] = make(map[string]bool)
		}
		h.channels[f.Channel][conn.id] = true
		h.mu.Unlock()
		h.offer(conn, transport.Frame{Type: transport.FrameSubscribed, Channel: f.Channel})

	case transport.FrameUnsubscribe:
		h.mu.Lock()
		if subs := h.channels[f.Channel]; subs != nil {
			delete(subs, conn.id)
			if len(subs) == 0 {
				delete(h.channels, f.Channel)
			}
		}
		h.mu.Unlock()

	case transport.FramePublish:
		h.mu.Lock()
		h.received = append(h.received, f)
		targets := h.subscribersLocked(f.Channel, conn.id)
		h.mu.Unlock()

		msg := transport.Frame{
			Type:      transport.FrameMessage,
			Channel:   f.Channel,
			Data:      f.Data,
			Sender:    conn.id,
			Timestamp: time.Now().UnixMilli(),
		}
		for _, target := range targets {
			h.offer(target, msg)
		}
		h.offer(conn, transport.Frame{
			Type:    transport.FramePublished,
			Channel: f.Channel,
			Count:   len(targets),
		})

	case transport.FrameResume:
		h.replayBacklog(conn, types.TaskID(f.JobID), f.LastSequence)

	default:
		// Unknown application emits are accepted and recorded so that
		// generic Emit traffic is observable.
		h.mu.Lock()
		h.received = append(h.received, f)
		h.mu.Unlock()
	}

	if f.AckID != "" {
		h.mu.Lock()
		ok := h.ackOK
		h.mu.Unlock()
		h.offer(conn, transport.Frame{Type: transport.FrameAck, AckID: f.AckID, Ok: &ok})
	}
}

// subscribersLocked returns the send targets for channel, excluding the
// publisher itself.
func (h *Hub) subscribersLocked(channel, excludeID string) []*connection {
	var targets []*connection
	for id := range h.channels[channel] {
		if id == excludeID {
			continue
		}
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	return targets
}

// offer enqueues a frame without blocking the hub on a slow or departed
// consumer.
func (h *Hub) offer(conn *connection, f transport.Frame) {
	select {
	case <-conn.done:
	case conn.send <- f:
	default:
		h.logger.Warn("dropping frame for slow consumer", "connectionID", conn.id, "type", f.Type)
	}
}

// ============================================================================
// Sequenced job events
// ============================================================================

// PublishJobEvent assigns the next job-scoped sequence number to ev,
// appends it to the replay backlog, and broadcasts it to every subscriber
// of the task events channel. Returns the assigned sequence.
func (h *Hub) PublishJobEvent(ev types.StreamEvent) uint64 {
	h.mu.Lock()
	h.seqs[ev.JobID]++
	ev.Sequence = h.seqs[ev.JobID]

	backlog := append(h.history[ev.JobID], ev)
	if len(backlog) > h.cfg.HistoryLimit {
		backlog = backlog[len(backlog)-h.cfg.HistoryLimit:]
	}
	h.history[ev.JobID] = backlog

	var targets []*connection
	for id := range h.channels[types.TaskEventsChannel] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	frame, err := jobEventFrame(ev)
	if err != nil {
		h.logger.Error("failed to encode job event", "jobID", ev.JobID, "error", err)
		return ev.Sequence
	}
	for _, target := range targets {
		h.offer(target, frame)
	}
	return ev.Sequence
}

// replayBacklog resends every backlog event with sequence > lastSequence,
// in increasing order, preceded by a history frame announcing the count.
func (h *Hub) replayBacklog(conn *connection, jobID types.TaskID, lastSequence uint64) {
	h.mu.Lock()
	var tail []types.StreamEvent
	for _, ev := range h.history[jobID] {
		if ev.Sequence > lastSequence {
			tail = append(tail, ev)
		}
	}
	h.mu.Unlock()

	h.offer(conn, transport.Frame{
		Type:  transport.FrameHistory,
		JobID: string(jobID),
		Count: len(tail),
	})
	for _, ev := range tail {
		frame, err := jobEventFrame(ev)
		if err != nil {
			h.logger.Error("failed to encode backlog event", "jobID", jobID, "error", err)
			continue
		}
		h.offer(conn, frame)
	}

	h.logger.Debug("backlog replayed",
		"jobID", jobID,
		"lastSequence", lastSequence,
		"events", len(tail))
}

func jobEventFrame(ev types.StreamEvent) (transport.Frame, error) {
	raw, err := transport.MarshalData(ev)
	if err != nil {
		return transport.Frame{}, err
	}
	return transport.Frame{
		Type:      transport.FrameMessage,
		Channel:   types.TaskEventsChannel,
		Data:      raw,
		JobID:     string(ev.JobID),
		Sequence:  ev.Sequence,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}
