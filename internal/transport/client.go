// Package transport owns the single logical websocket connection to the
// remote hub and provides delivery guarantees stronger than best effort:
// FIFO offline buffering, acknowledgment-based retry with bounded attempts,
// and automatic reconnection with exponential backoff.
//
// Failure semantics: connection errors are retried automatically up to the
// reconnect bound and surfaced only through status listeners, never as
// returned errors from unrelated calls. Acknowledgment failures are
// surfaced to the one caller that required the acknowledgment.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/omnibrowser/taskwire/internal/metrics"
)

var (
	// ErrOffline is returned when an acknowledgment-required send cannot
	// be honored because the client is disconnected.
	ErrOffline = errors.New("transport: not connected")
	// ErrAckExhausted is returned after an acknowledged send ran out of
	// retry attempts.
	ErrAckExhausted = errors.New("transport: acknowledgment retries exhausted")
	// ErrConnectionLost rejects pending acknowledgments when the
	// connection drops; pending acks are scoped to one connection.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// Config controls connection and retry behavior. Zero values pick the
// defaults documented on each field.
type Config struct {
	URL string

	MaxAckAttempts int           // default 5
	AckRetryBase   time.Duration // default 1s; delay is min(base<<attempts, AckRetryMax)
	AckRetryMax    time.Duration // default 10s
	AckWait        time.Duration // per-attempt wait for the ack response, default 5s

	MaxReconnectAttempts int           // default 10
	ReconnectBase        time.Duration // default 1s; delay is min(base<<attempts, ReconnectMax)
	ReconnectMax         time.Duration // default 30s

	HandshakeTimeout time.Duration // default 10s
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxAckAttempts == 0 {
		cfg.MaxAckAttempts = 5
	}
	if cfg.AckRetryBase == 0 {
		cfg.AckRetryBase = time.Second
	}
	if cfg.AckRetryMax == 0 {
		cfg.AckRetryMax = 10 * time.Second
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return cfg
}

// pendingAck is the explicit retry state for one acknowledged send. Retry
// is driven by re-reading this record from the pending map, never by
// closure-captured counters.
type pendingAck struct {
	id       string
	frame    Frame
	attempts int
	done     chan error
	timer    *time.Timer
}

type queueEntry struct {
	frame    Frame
	attempts int
}

type statusListener struct {
	id int
	fn func(connected bool)
}

// Client maintains the persistent connection. All exported methods are safe
// for concurrent use.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector // optional, nil-safe

	mu                sync.Mutex
	conn              *websocket.Conn
	gen               int // connection generation; stale read pumps bail out
	connected         bool
	connecting        bool // a dial is in flight; further dials are no-ops
	manualClose       bool
	reconnectAttempts int
	reconnectTimer    *time.Timer
	offline           []queueEntry
	pending           map[string]*pendingAck
	statusListeners   []statusListener
	reconnectHooks    []func()
	frameHandlers     []func(Frame)
	nextListenerID    int

	// gorilla/websocket allows one concurrent writer
	writeMu sync.Mutex
}

// NewClient creates a disconnected client. Call Connect to establish the
// connection.
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Collector) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		pending: make(map[string]*pendingAck),
	}
}

// Connect establishes the connection. Idempotent while connected, and
// single-flight while a dial is in progress: a Connect racing another
// Connect or an automatic reconnect returns nil and leaves the in-flight
// dial to finish, so the client never holds two websockets.
// On success it resets the reconnect counter, then flushes the offline
// queue in FIFO order, then runs every reconnect hook (resubscription),
// and finally notifies status listeners with connected=true.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected || c.connecting {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.manualClose = false
	url := c.cfg.URL
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c.finishConnect(conn)
	return nil
}

// Connected reports the current connection state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OfflineQueueLen returns the number of frames buffered while disconnected.
func (c *Client) OfflineQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.offline)
}

// Disconnect cancels any pending reconnect timer, closes the connection,
// rejects in-flight acknowledgments, and notifies listeners with
// connected=false. The client stays down until an explicit Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manualClose = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.gen++
	pending := c.pending
	c.pending = make(map[string]*pendingAck)
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	conn.Close()
	failPending(pending, ErrConnectionLost)
	c.metrics.SetConnected(false)
	notifyStatus(listeners, false)
}

// Send writes the frame if connected, or appends it to the offline queue
// (FIFO) if not. Queued frames are re-emitted on the next successful
// connect. Fire-and-forget: no acknowledgment is awaited.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	if !c.connected {
		c.offline = append(c.offline, queueEntry{frame: f})
		depth := len(c.offline)
		c.mu.Unlock()
		c.metrics.SetOfflineQueueDepth(depth)
		return nil
	}
	c.mu.Unlock()
	return c.writeFrame(f)
}

// Emit sends an application event as a frame with the given payload.
func (c *Client) Emit(event string, data any) error {
	raw, err := MarshalData(data)
	if err != nil {
		return err
	}
	return c.Send(Frame{Type: FrameType(event), Data: raw})
}

// SendWithAck sends the frame with a generated ackId and blocks until the
// hub acknowledges {ok:true}, the retry budget is exhausted, or ctx is
// done. While disconnected it rejects immediately with ErrOffline: a
// required acknowledgment cannot be honored offline.
func (c *Client) SendWithAck(ctx context.Context, f Frame) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrOffline
	}
	id := uuid.NewString()
	f.AckID = id
	p := &pendingAck{id: id, frame: f, done: make(chan error, 1)}
	p.timer = time.AfterFunc(c.cfg.AckWait, func() { c.retryAck(id) })
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.writeFrame(f); err != nil {
		c.cancelAck(id)
		return err
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		c.cancelAck(id)
		return ctx.Err()
	}
}

// EmitWithAck is Emit with a required acknowledgment.
func (c *Client) EmitWithAck(ctx context.Context, event string, data any) error {
	raw, err := MarshalData(data)
	if err != nil {
		return err
	}
	return c.SendWithAck(ctx, Frame{Type: FrameType(event), Data: raw})
}

// OnStatusChange registers a listener invoked synchronously whenever
// connectivity flips. Returns an unsubscribe func.
func (c *Client) OnStatusChange(fn func(connected bool)) func() {
	c.mu.Lock()
	c.nextListenerID++
	id := c.nextListenerID
	c.statusListeners = append(c.statusListeners, statusListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.statusListeners {
			if l.id == id {
				c.statusListeners = append(c.statusListeners[:i:i], c.statusListeners[i+1:]...)
				return
			}
		}
	}
}

// OnReconnect registers a hook run after every successful connect, once the
// offline queue has been flushed. The channel router uses this to
// re-establish its subscriptions.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnectHooks = append(c.reconnectHooks, fn)
}

// OnFrame registers a handler for inbound non-ack frames. Handlers run
// synchronously on the read loop, in registration order.
func (c *Client) OnFrame(fn func(Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameHandlers = append(c.frameHandlers, fn)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (c *Client) finishConnect(conn *websocket.Conn) {
	c.mu.Lock()
	prev := c.conn
	c.conn = conn
	c.connecting = false
	c.gen++
	gen := c.gen
	c.connected = true
	c.reconnectAttempts = 0
	queued := c.offline
	c.offline = nil
	hooks := append([]func(){}, c.reconnectHooks...)
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	if prev != nil {
		// The generation bump already invalidated its read pump.
		prev.Close()
	}

	go c.readPump(gen, conn)

	// Drain the offline queue exactly once, in original enqueue order.
	for _, entry := range queued {
		if err := c.writeFrame(entry.frame); err != nil {
			c.logger.Warn("failed to flush offline frame", "type", entry.frame.Type, "error", err)
		}
	}
	c.metrics.SetOfflineQueueDepth(0)

	for _, hook := range hooks {
		hook()
	}

	c.metrics.SetConnected(true)
	notifyStatus(listeners, true)
}

func (c *Client) readPump(gen int, conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.handleConnectionLoss(gen, err)
			return
		}
		c.metrics.RecordFrameReceived()

		if f.Type == FrameAck {
			c.handleAck(f)
			continue
		}
		c.dispatchFrame(f)
	}
}

func (c *Client) dispatchFrame(f Frame) {
	c.mu.Lock()
	handlers := append([]func(Frame){}, c.frameHandlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(f)
	}
}

func (c *Client) handleConnectionLoss(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen || !c.connected {
		// A stale pump, or Disconnect already did the bookkeeping.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn.Close()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]*pendingAck)
	manual := c.manualClose
	listeners := c.snapshotListenersLocked()
	c.mu.Unlock()

	failPending(pending, ErrConnectionLost)
	c.metrics.SetConnected(false)
	notifyStatus(listeners, false)

	if !manual {
		c.logger.Warn("connection lost", "error", err)
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.manualClose || c.connected {
		c.mu.Unlock()
		return
	}
	if c.reconnectAttempts >= c.cfg.MaxReconnectAttempts {
		attempts := c.reconnectAttempts
		c.mu.Unlock()
		// Exhausted: stay disconnected until an explicit Connect call.
		c.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		return
	}
	delay := backoff(c.cfg.ReconnectBase, c.cfg.ReconnectMax, c.reconnectAttempts)
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	if c.manualClose || c.connected || c.connecting {
		c.mu.Unlock()
		return
	}
	c.connecting = true
	url := c.cfg.URL
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed", "error", err)
		c.scheduleReconnect()
		return
	}

	c.metrics.RecordReconnect()
	c.finishConnect(conn)
}

// ============================================================================
// Acknowledgment retry
// ============================================================================

func (c *Client) handleAck(f Frame) {
	c.mu.Lock()
	p, ok := c.pending[f.AckID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if f.Ok != nil && *f.Ok {
		delete(c.pending, f.AckID)
		p.timer.Stop()
		c.mu.Unlock()
		resolve(p, nil)
		return
	}
	c.mu.Unlock()

	// Non-ok response counts as a failed attempt.
	c.retryAck(f.AckID)
}

// retryAck advances the retry state for one pending acknowledgment: it
// either rejects the caller after the attempt bound or schedules a resend
// with the same ackId after an exponential backoff delay.
func (c *Client) retryAck(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.timer.Stop()
	p.attempts++
	if p.attempts >= c.cfg.MaxAckAttempts {
		delete(c.pending, id)
		c.mu.Unlock()
		c.metrics.RecordAckExhausted()
		resolve(p, ErrAckExhausted)
		return
	}
	delay := backoff(c.cfg.AckRetryBase, c.cfg.AckRetryMax, p.attempts)
	p.timer = time.AfterFunc(delay, func() { c.resendAck(id) })
	c.mu.Unlock()

	c.metrics.RecordAckRetry()
}

func (c *Client) resendAck(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	frame := p.frame
	c.mu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		// The disconnect path rejects the pending entry.
		return
	}

	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		p.timer = time.AfterFunc(c.cfg.AckWait, func() { c.retryAck(id) })
	}
	c.mu.Unlock()
}

// cancelAck removes a pending acknowledgment without resolving it (caller
// gave up: context cancelled or the initial write failed).
func (c *Client) cancelAck(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (c *Client) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrOffline
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: write frame: %w", err)
	}
	c.metrics.RecordFrameSent()
	return nil
}

func (c *Client) snapshotListenersLocked() []statusListener {
	out := make([]statusListener, len(c.statusListeners))
	copy(out, c.statusListeners)
	return out
}

func notifyStatus(listeners []statusListener, connected bool) {
	for _, l := range listeners {
		l.fn(connected)
	}
}

func failPending(pending map[string]*pendingAck, err error) {
	for _, p := range pending {
		p.timer.Stop()
		resolve(p, err)
	}
}

func resolve(p *pendingAck, err error) {
	select {
	case p.done <- err:
	default:
	}
}

// backoff returns min(base<<attempts, max).
func backoff(base, max time.Duration, attempts int) time.Duration {
	d := base << attempts
	if d <= 0 || d > max {
		return max
	}
	return d
}
