// Package controller assembles the subsystem and owns its lifecycle:
// recovery (snapshot load plus journal replay), transport connection,
// periodic retention cleanup, periodic snapshots with journal rotation,
// and ordered shutdown.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omnibrowser/taskwire/internal/bus"
	"github.com/omnibrowser/taskwire/internal/metrics"
	"github.com/omnibrowser/taskwire/internal/producer"
	"github.com/omnibrowser/taskwire/internal/registry"
	"github.com/omnibrowser/taskwire/internal/resume"
	"github.com/omnibrowser/taskwire/internal/router"
	"github.com/omnibrowser/taskwire/internal/snapshot"
	"github.com/omnibrowser/taskwire/internal/storage/journal"
	"github.com/omnibrowser/taskwire/internal/transport"
	"github.com/omnibrowser/taskwire/pkg/types"
)

// Config holds the assembled system's tunables.
type Config struct {
	ServerURL    string
	SnapshotPath string
	JournalPath  string

	Workers   int // default 4
	QueueSize int // default 64

	Retention        time.Duration // terminal task retention, default 24h
	CleanupInterval  time.Duration // default 1m
	SnapshotInterval time.Duration // default 30s
	StatsInterval    time.Duration // 0 disables the periodic stats log
}

func (cfg Config) withDefaults() Config {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 64
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 30 * time.Second
	}
	return cfg
}

// EventTransportStatus is published on the bus whenever connectivity
// flips. Payload: bool (connected).
const EventTransportStatus = "transport:status"

// Controller wires the registry, producer pool, transport, resume tracker,
// and persistence together.
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	Bus      *bus.Bus
	Registry *registry.Registry
	Client   *transport.Client
	Router   *router.Router
	Tracker  *resume.Tracker
	Pool     *producer.Pool

	journal   *journal.Journal
	snapshots *snapshot.Manager

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a Controller. Nothing runs until Start.
func New(cfg Config, logger *slog.Logger, m *metrics.Collector) (*Controller, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	jrnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("controller: open journal: %w", err)
	}

	b := bus.New()
	reg := registry.New(b, logger)
	client := transport.NewClient(transport.Config{URL: cfg.ServerURL}, logger, m)
	r := router.New(client, logger, m)
	tracker := resume.NewTracker(client, reg, jrnl, logger, m)
	pool := producer.NewPool(reg, logger, cfg.QueueSize)

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		Bus:       b,
		Registry:  reg,
		Client:    client,
		Router:    r,
		Tracker:   tracker,
		Pool:      pool,
		journal:   jrnl,
		snapshots: snapshot.NewManager(cfg.SnapshotPath),
		stopCh:    make(chan struct{}),
	}
	client.OnStatusChange(func(connected bool) {
		b.Emit(EventTransportStatus, connected)
	})
	c.wireMetrics()
	return c, nil
}

// Start recovers persisted state, connects the transport, and launches the
// background loops. A failed initial dial is not fatal: the system runs
// offline and Connect can be retried by the caller.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.recover(); err != nil {
		return err
	}

	c.Tracker.Bind(c.Router)

	if err := c.Pool.Start(c.cfg.Workers); err != nil {
		return err
	}

	// Bind registered the resume hook, so a successful connect already
	// requests replays for every tracked job.
	if err := c.Client.Connect(); err != nil {
		c.logger.Warn("initial connect failed, running offline", "url", c.cfg.ServerURL, "error", err)
	}

	c.wg.Add(1)
	go c.cleanupLoop()
	c.wg.Add(1)
	go c.snapshotLoop()
	if c.cfg.StatsInterval > 0 {
		c.wg.Add(1)
		go c.statsLoop()
	}

	c.logger.Info("controller started",
		"workers", c.cfg.Workers,
		"retention", c.cfg.Retention,
		"server", c.cfg.ServerURL)
	return nil
}

// Stop shuts everything down in dependency order: loops first, then the
// producer pool, then the transport, and finally a last snapshot before
// the journal closes.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	c.Pool.Stop()
	c.Client.Disconnect()

	if _, err := c.writeSnapshot(); err != nil {
		c.logger.Error("final snapshot failed", "error", err)
	}
	if err := c.journal.Close(); err != nil {
		c.logger.Error("journal close failed", "error", err)
	}

	c.logger.Info("controller stopped")
	return nil
}

// RunTask creates a task, tracks it for resume, and hands the work to the
// producer pool.
func (c *Controller) RunTask(intent string, work producer.WorkFunc) (types.Task, error) {
	task := c.Registry.Create(intent)
	c.Tracker.Track(task.ID)
	if err := c.Pool.Submit(producer.Task{ID: task.ID, Work: work}); err != nil {
		c.Registry.Fail(task.ID, err.Error())
		return task, err
	}
	return task, nil
}

// ============================================================================
// Recovery
// ============================================================================

// recover loads the snapshot and replays the journal over it. The journal
// holds the full events applied since the last rotation, which may be
// newer than the snapshot; replaying them rebuilds both the task state and
// the cursors up to the crash point, so the later resume request fetches
// only what never reached this process.
func (c *Controller) recover() error {
	start := time.Now()

	data, err := c.snapshots.Load()
	if err != nil {
		return fmt.Errorf("controller: load snapshot: %w", err)
	}
	c.Registry.Restore(data.Tasks)

	replayed, err := c.Tracker.Recover(data.Cursors)
	if err != nil {
		c.logger.Error("journal replay stopped early, resuming from what was recovered", "error", err)
	}

	c.logger.Info("state recovered",
		"tasks", len(data.Tasks),
		"journalEvents", replayed,
		"elapsed", time.Since(start))
	return nil
}

// writeSnapshot persists the current state and returns the journal record
// number the snapshot covers, for rotation.
func (c *Controller) writeSnapshot() (uint64, error) {
	// Capture the journal position before reading the state: an event
	// applied while the snapshot is assembled gets a higher record number
	// and survives the following rotation.
	covered := c.journal.LastSeq()
	err := c.snapshots.Write(types.SnapshotData{
		Tasks:   c.Registry.Snapshot(),
		Cursors: c.Tracker.Cursors(),
		LastSeq: covered,
	})
	return covered, err
}

// ============================================================================
// Background loops
// ============================================================================

func (c *Controller) cleanupLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Registry.Cleanup(c.cfg.Retention)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) snapshotLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			covered, err := c.writeSnapshot()
			if err != nil {
				c.logger.Error("periodic snapshot failed", "error", err)
				continue
			}
			// Rotation keeps any records the snapshot does not cover.
			if err := c.journal.Rotate(covered); err != nil {
				c.logger.Error("journal rotation failed", "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Controller) statsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := c.Registry.Stats()
			c.logger.Info("task stats",
				"total", c.Registry.Len(),
				"running", stats[types.StatusRunning],
				"partial", stats[types.StatusPartial],
				"paused", stats[types.StatusPaused],
				"done", stats[types.StatusDone],
				"failed", stats[types.StatusFailed],
				"cancelled", stats[types.StatusCancelled],
				"connected", c.Client.Connected(),
				"offlineQueue", c.Client.OfflineQueueLen())
		case <-c.stopCh:
			return
		}
	}
}

// ============================================================================
// Metrics wiring
// ============================================================================

// wireMetrics mirrors registry bus events into the collector. Terminal
// transitions publish exactly one task:updated with the terminal status,
// so the per-outcome counters stay exact.
func (c *Controller) wireMetrics() {
	if c.metrics == nil {
		return
	}

	c.Bus.On(registry.EventTaskCreated, func(any) {
		c.metrics.RecordTaskCreated()
		c.updateActiveGauge()
	})
	c.Bus.On(registry.EventTaskUpdated, func(payload any) {
		task, ok := payload.(types.Task)
		if !ok {
			return
		}
		switch task.Status {
		case types.StatusDone:
			c.metrics.RecordTaskCompleted()
		case types.StatusFailed:
			c.metrics.RecordTaskFailed()
		case types.StatusCancelled:
			c.metrics.RecordTaskCancelled()
		}
		if task.Status.Terminal() {
			c.updateActiveGauge()
		}
	})
	c.Bus.On(registry.EventTasksCleaned, func(payload any) {
		if cleaned, ok := payload.(registry.CleanedPayload); ok && cleaned.DeletedCount > 0 {
			c.metrics.RecordTasksCleaned(cleaned.DeletedCount)
		}
	})
}

func (c *Controller) updateActiveGauge() {
	active := 0
	for status, n := range c.Registry.Stats() {
		if !status.Terminal() {
			active += n
		}
	}
	c.metrics.SetActiveTasks(active)
}

// Connect re-dials the hub, for callers that started offline.
func (c *Controller) Connect(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Client.Connect() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
