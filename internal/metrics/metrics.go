// Package metrics collects and exposes Prometheus metrics for the task
// lifecycle and the transport layer.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the subsystem reports. The registerer is
// injected so tests can run isolated collectors side by side.
type Collector struct {
	// task lifecycle
	tasksCreated   prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter
	tasksCleaned   prometheus.Counter
	chunksStreamed prometheus.Counter
	tasksActive    prometheus.Gauge

	// transport
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	acksRetried       prometheus.Counter
	acksExhausted     prometheus.Counter
	reconnects        prometheus.Counter
	connected         prometheus.Gauge
	offlineQueueDepth prometheus.Gauge
	publishConfirm    prometheus.Histogram
}

// NewCollector creates and registers all metrics on reg. Passing
// prometheus.DefaultRegisterer gives the usual process-wide behavior.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_created_total",
			Help: "Total number of tasks created",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_failed_total",
			Help: "Total number of tasks that failed",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_cancelled_total",
			Help: "Total number of tasks cancelled",
		}),
		tasksCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_tasks_cleaned_total",
			Help: "Total number of terminal tasks removed by retention cleanup",
		}),
		chunksStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_chunks_streamed_total",
			Help: "Total number of output chunks streamed into tasks",
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwire_tasks_active",
			Help: "Current number of non-terminal tasks",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_frames_sent_total",
			Help: "Total number of frames written to the transport",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_frames_received_total",
			Help: "Total number of frames read from the transport",
		}),
		acksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_acks_retried_total",
			Help: "Total number of acknowledgment retries",
		}),
		acksExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_acks_exhausted_total",
			Help: "Total number of acknowledged emits rejected after retry exhaustion",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskwire_reconnects_total",
			Help: "Total number of successful reconnections",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwire_connected",
			Help: "Whether the transport is currently connected (1) or not (0)",
		}),
		offlineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskwire_offline_queue_depth",
			Help: "Current number of frames buffered while disconnected",
		}),
		publishConfirm: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskwire_publish_confirm_seconds",
			Help:    "Latency between a publish and its delivery confirmation",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tasksCreated, c.tasksCompleted, c.tasksFailed, c.tasksCancelled,
		c.tasksCleaned, c.chunksStreamed, c.tasksActive,
		c.framesSent, c.framesReceived, c.acksRetried, c.acksExhausted,
		c.reconnects, c.connected, c.offlineQueueDepth, c.publishConfirm,
	)

	return c
}

// Task lifecycle records. All are nil-safe so components can run without a
// collector wired in.

func (c *Collector) RecordTaskCreated() {
	if c != nil {
		c.tasksCreated.Inc()
	}
}

func (c *Collector) RecordTaskCompleted() {
	if c != nil {
		c.tasksCompleted.Inc()
	}
}

func (c *Collector) RecordTaskFailed() {
	if c != nil {
		c.tasksFailed.Inc()
	}
}

func (c *Collector) RecordTaskCancelled() {
	if c != nil {
		c.tasksCancelled.Inc()
	}
}

func (c *Collector) RecordTasksCleaned(count int) {
	if c != nil {
		c.tasksCleaned.Add(float64(count))
	}
}

func (c *Collector) RecordChunkStreamed() {
	if c != nil {
		c.chunksStreamed.Inc()
	}
}

func (c *Collector) SetActiveTasks(n int) {
	if c != nil {
		c.tasksActive.Set(float64(n))
	}
}

// Transport records.

func (c *Collector) RecordFrameSent() {
	if c != nil {
		c.framesSent.Inc()
	}
}

func (c *Collector) RecordFrameReceived() {
	if c != nil {
		c.framesReceived.Inc()
	}
}

func (c *Collector) RecordAckRetry() {
	if c != nil {
		c.acksRetried.Inc()
	}
}

func (c *Collector) RecordAckExhausted() {
	if c != nil {
		c.acksExhausted.Inc()
	}
}

func (c *Collector) RecordReconnect() {
	if c != nil {
		c.reconnects.Inc()
	}
}

func (c *Collector) SetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.connected.Set(1)
	} else {
		c.connected.Set(0)
	}
}

func (c *Collector) SetOfflineQueueDepth(n int) {
	if c != nil {
		c.offlineQueueDepth.Set(float64(n))
	}
}

func (c *Collector) ObservePublishConfirm(seconds float64) {
	if c != nil {
		c.publishConfirm.Observe(seconds)
	}
}

// StartServer exposes /metrics on the given port using the default
// registry. Blocks; run it in its own goroutine.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
