// Package cli is the cobra command surface: a hub server command, an
// agent command running the full task subsystem against a hub, and a
// status command. Configuration comes from a YAML file shared by all
// commands.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/omnibrowser/taskwire/internal/controller"
	"github.com/omnibrowser/taskwire/internal/hub"
	"github.com/omnibrowser/taskwire/internal/metrics"
)

// Config maps the YAML configuration file.
type Config struct {
	Server struct {
		URL    string `yaml:"url"`    // hub websocket endpoint the agent dials
		Listen string `yaml:"listen"` // address the hub command binds
	} `yaml:"server"`

	Storage struct {
		SnapshotPath string `yaml:"snapshot_path"`
		JournalPath  string `yaml:"journal_path"`
	} `yaml:"storage"`

	Tasks struct {
		Workers          int           `yaml:"workers"`
		QueueSize        int           `yaml:"queue_size"`
		Retention        time.Duration `yaml:"retention"`
		CleanupInterval  time.Duration `yaml:"cleanup_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		StatsInterval    time.Duration `yaml:"stats_interval"`
	} `yaml:"tasks"`

	Hub struct {
		HistoryLimit int `yaml:"history_limit"`
	} `yaml:"hub"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"` // debug, info, warn, error
	} `yaml:"log"`
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskwire",
		Short: "Taskwire: a resumable task event subsystem",
		Long: `Taskwire tracks long-running task lifecycles and keeps their event
streams complete across disconnects:
- offline buffering with acknowledged delivery
- per-job sequence cursors with gap detection and replay
- journal plus snapshot crash recovery
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildHubCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the task agent",
		Long:  "Start the task subsystem: recover persisted state, connect to the hub, and serve until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func runAgent() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		go func() {
			logger.Info("metrics server listening", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	ctrl, err := controller.New(controller.Config{
		ServerURL:        cfg.Server.URL,
		SnapshotPath:     cfg.Storage.SnapshotPath,
		JournalPath:      cfg.Storage.JournalPath,
		Workers:          cfg.Tasks.Workers,
		QueueSize:        cfg.Tasks.QueueSize,
		Retention:        cfg.Tasks.Retention,
		CleanupInterval:  cfg.Tasks.CleanupInterval,
		SnapshotInterval: cfg.Tasks.SnapshotInterval,
		StatsInterval:    cfg.Tasks.StatsInterval,
	}, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	logger.Info("agent started", "hub", cfg.Server.URL)

	// Keep nudging the connection while offline; the client handles its
	// own reconnects once it has connected at least once.
	go func() {
		for {
			time.Sleep(5 * time.Second)
			if !ctrl.Client.Connected() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := ctrl.Connect(ctx); err != nil {
					logger.Debug("redial failed", "error", err)
				}
				cancel()
			}
		}
	}()

	waitForSignal(logger)
	return ctrl.Stop()
}

func buildHubCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hub",
		Short: "Run the hub server",
		Long:  "Serve the websocket hub that routes channels, sequences job events, and answers resume requests.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub()
		},
	}
}

func runHub() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)

	h := hub.New(hub.Config{HistoryLimit: cfg.Hub.HistoryLimit}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ListenAndServe(cfg.Server.Listen) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigChan:
		logger.Info("hub shutting down")
		return nil
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func showStatus() error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("Taskwire configuration")
	fmt.Printf("  config file:       %s\n", configFile)
	fmt.Printf("  hub url:           %s\n", cfg.Server.URL)
	fmt.Printf("  hub listen:        %s\n", cfg.Server.Listen)
	fmt.Printf("  snapshot path:     %s\n", cfg.Storage.SnapshotPath)
	fmt.Printf("  journal path:      %s\n", cfg.Storage.JournalPath)
	fmt.Printf("  workers:           %d\n", cfg.Tasks.Workers)
	fmt.Printf("  retention:         %s\n", cfg.Tasks.Retention)
	fmt.Printf("  cleanup interval:  %s\n", cfg.Tasks.CleanupInterval)
	fmt.Printf("  snapshot interval: %s\n", cfg.Tasks.SnapshotInterval)
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:           http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  metrics:           disabled")
	}
	return nil
}

func waitForSignal(logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}
