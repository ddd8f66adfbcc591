// Package router multiplexes named channels over the single transport
// connection: local handler registration, subscribe/unsubscribe frames
// toward the hub, resubscription after reconnects, and publish delivery
// confirmations.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/omnibrowser/taskwire/internal/metrics"
	"github.com/omnibrowser/taskwire/internal/transport"
)

// Handler consumes a message delivered on a subscribed channel. The full
// frame is passed along for consumers that need sequence or sender fields.
type Handler func(data json.RawMessage, frame transport.Frame)

type subscription struct {
	id int
	fn Handler
}

// Router maps channels to handlers on top of a transport client.
type Router struct {
	client  *transport.Client
	logger  *slog.Logger
	metrics *metrics.Collector

	mu             sync.Mutex
	subs           map[string][]subscription
	pendingPublish map[string][]chan int // FIFO confirmation queues per channel
	nextID         int
}

// New wires a Router onto the client's frame stream and reconnect hooks.
func New(client *transport.Client, logger *slog.Logger, m *metrics.Collector) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		client:         client,
		logger:         logger,
		metrics:        m,
		subs:           make(map[string][]subscription),
		pendingPublish: make(map[string][]chan int),
	}
	client.OnFrame(r.handleFrame)
	client.OnReconnect(r.resubscribeAll)
	return r
}

// Subscribe registers a handler for channel and returns an unsubscribe
// func. The hub-side subscription is established on the first handler and
// torn down when the last one is removed. While disconnected the frames
// are deferred to the reconnect hook.
func (r *Router) Subscribe(channel string, fn Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	first := len(r.subs[channel]) == 0
	r.subs[channel] = append(r.subs[channel], subscription{id: id, fn: fn})
	r.mu.Unlock()

	if first && r.client.Connected() {
		if err := r.client.Send(transport.Frame{Type: transport.FrameSubscribe, Channel: channel}); err != nil {
			r.logger.Warn("subscribe frame failed", "channel", channel, "error", err)
		}
	}

	return func() { r.unsubscribe(channel, id) }
}

func (r *Router) unsubscribe(channel string, id int) {
	r.mu.Lock()
	subs := r.subs[channel]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	last := len(subs) == 0
	if last {
		delete(r.subs, channel)
	} else {
		r.subs[channel] = subs
	}
	r.mu.Unlock()

	if last && r.client.Connected() {
		if err := r.client.Send(transport.Frame{Type: transport.FrameUnsubscribe, Channel: channel}); err != nil {
			r.logger.Warn("unsubscribe frame failed", "channel", channel, "error", err)
		}
	}
}

// DefaultPublishTimeout bounds the wait for a delivery confirmation when
// the caller's context carries no deadline of its own.
const DefaultPublishTimeout = 5 * time.Second

// Publish sends data on channel and blocks until the hub confirms
// delivery, returning the number of remote subscribers reached. The frame
// is buffered while offline; confirmation then arrives after the flush on
// reconnect, bounded by ctx or DefaultPublishTimeout.
func (r *Router) Publish(ctx context.Context, channel string, data any) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultPublishTimeout)
		defer cancel()
	}

	raw, err := transport.MarshalData(data)
	if err != nil {
		return 0, err
	}

	confirm := make(chan int, 1)
	r.mu.Lock()
	r.pendingPublish[channel] = append(r.pendingPublish[channel], confirm)
	r.mu.Unlock()

	start := time.Now()
	if err := r.client.Send(transport.Frame{Type: transport.FramePublish, Channel: channel, Data: raw}); err != nil {
		r.dropPending(channel, confirm)
		return 0, err
	}

	select {
	case count := <-confirm:
		r.metrics.ObservePublishConfirm(time.Since(start).Seconds())
		return count, nil
	case <-ctx.Done():
		r.dropPending(channel, confirm)
		return 0, ctx.Err()
	}
}

// HandlerCount returns the number of local handlers on channel.
func (r *Router) HandlerCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[channel])
}

func (r *Router) handleFrame(f transport.Frame) {
	switch f.Type {
	case transport.FrameMessage:
		r.mu.Lock()
		subs := append([]subscription(nil), r.subs[f.Channel]...)
		r.mu.Unlock()
		for _, s := range subs {
			s.fn(f.Data, f)
		}

	case transport.FramePublished:
		// Confirmations arrive in publish order on one connection, so the
		// head of the channel's queue is the matching publish.
		r.mu.Lock()
		queue := r.pendingPublish[f.Channel]
		var confirm chan int
		if len(queue) > 0 {
			confirm = queue[0]
			r.pendingPublish[f.Channel] = queue[1:]
		}
		r.mu.Unlock()
		if confirm != nil {
			confirm <- f.Count
		}

	case transport.FrameError:
		r.logger.Warn("hub reported error", "channel", f.Channel, "message", f.Message)
	}
}

// resubscribeAll re-establishes every active channel subscription. Runs on
// each successful connect, after the offline queue flush.
func (r *Router) resubscribeAll() {
	r.mu.Lock()
	channels := make([]string, 0, len(r.subs))
	for ch := range r.subs {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		if err := r.client.Send(transport.Frame{Type: transport.FrameSubscribe, Channel: ch}); err != nil {
			r.logger.Warn("resubscribe failed", "channel", ch, "error", err)
		}
	}
	if len(channels) > 0 {
		r.logger.Info("resubscribed channels", "count", len(channels))
	}
}

func (r *Router) dropPending(channel string, confirm chan int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.pendingPublish[channel]
	for i, c := range queue {
		if c == confirm {
			r.pendingPublish[channel] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}
