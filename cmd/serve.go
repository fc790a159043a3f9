package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/clock"
	"github.com/zjrosen/kiln/internal/config"
	"github.com/zjrosen/kiln/internal/deps"
	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/git"
	"github.com/zjrosen/kiln/internal/infrastructure/sqlite"
	"github.com/zjrosen/kiln/internal/llm"
	"github.com/zjrosen/kiln/internal/log"
	"github.com/zjrosen/kiln/internal/orchestrator"
	"github.com/zjrosen/kiln/internal/server"
	"github.com/zjrosen/kiln/internal/toolchain"
	"github.com/zjrosen/kiln/internal/tracing"
	"github.com/zjrosen/kiln/internal/watcher"
	"github.com/zjrosen/kiln/internal/webhook"
	"github.com/zjrosen/kiln/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the build service",
	Long: `Run the kiln build service: an HTTP API plus WebSocket event stream
backed by the build orchestrator, webhook intake, and dependency
resolver.

The server listens on the configured address (default: 0.0.0.0:8000).

Example:
  kiln serve                  # Start on the configured address
  kiln serve --addr :9000     # Start on port 9000
  KILN_SERVER_PORT=0 kiln serve  # Auto-assign a free port`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Initialize logging if debug mode enabled (via flag or env var)
	debug := os.Getenv("KILN_DEBUG") != "" || debugFlag
	if debug {
		logPath := os.Getenv("KILN_LOG")
		if logPath == "" {
			logPath = "kiln.log"
		}

		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()

		log.Info(log.CatConfig, "Kiln starting", "debug", true, "logPath", logPath)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	traces, err := newTraceProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	clk := clock.SystemClock{}

	eventBus := bus.New(cfg.Bus.QueueSize)
	if err := eventBus.Start(); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}

	gitExec := git.NewExecutor()
	idf := toolchain.NewIDF(time.Duration(cfg.Workflow.CommandTimeout) * time.Second)

	fixer, err := llm.NewClient(llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		Timeout:         time.Duration(cfg.LLM.Timeout) * time.Second,
		FallbackToLocal: cfg.LLM.FallbackToLocal,
	})
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}

	wfCfg := workflow.DefaultConfig()
	wfCfg.MaxQAIterations = cfg.Workflow.MaxQAIterations
	engine := workflow.NewEngine(idf, fixer, eventBus, clk, wfCfg)

	orch := orchestrator.NewService(
		db.BuildRepository(),
		db.ProjectRepository(),
		db.JobRepository(),
		engine,
		eventBus,
		clk,
		orchestrator.Config{
			MaxConcurrentBuilds: cfg.Orchestrator.MaxConcurrentBuilds,
			QueueSize:           cfg.Orchestrator.QueueSize,
			Model:               fixer.Model(),
		},
	)
	if err := orch.Start(); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	intake := webhook.NewService(
		db.ProjectRepository(),
		db.BuildRepository(),
		db.WebhookEventRepository(),
		gitExec,
		orch,
		clk,
	)

	resolver := deps.NewService(db.DependencyRepository())

	var manifestWatcher *watcher.Watcher
	if cfg.Deps.Watch {
		manifestWatcher, err = watcher.New(watcher.DefaultConfig())
		if err != nil {
			return fmt.Errorf("creating manifest watcher: %w", err)
		}
		watchProjectManifests(manifestWatcher, db.ProjectRepository(), gitExec)
		changes := manifestWatcher.Start()
		log.SafeGo("manifest-rescan", func() {
			rescanOnChange(changes, db.ProjectRepository(), resolver)
		})
	}

	hub := server.NewHub(eventBus)
	hub.Start()

	handler := server.NewHandler(server.HandlerConfig{
		Projects:   db.ProjectRepository(),
		Builds:     db.BuildRepository(),
		Agents:     db.AgentRepository(),
		Jobs:       db.JobRepository(),
		Logs:       db.LogRepository(),
		Metrics:    db.MetricRepository(),
		Git:        gitExec,
		Dispatcher: orch,
		Intake:     intake,
		Resolver:   resolver,
		Publisher:  eventBus,
		Hub:        hub,
		Clock:      clk,
		Version:    version,
		BaseDir:    cfg.Projects.BaseDir,
	})

	// Listen address priority: --addr flag > config server section
	addr := serveAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	srv, err := server.NewServer(server.ServerConfig{
		Addr:    addr,
		Handler: handler,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := seedAgents(db.AgentRepository()); err != nil {
		return fmt.Errorf("seeding agents: %w", err)
	}

	if err := eventBus.Publish(context.Background(), bus.NewEvent(bus.EventSystemStatus, map[string]any{
		"status":  "started",
		"version": version,
	})); err != nil {
		log.Warn(log.CatBus, "Failed to publish startup event", "error", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("Kiln started on port %d\n", srv.Port())
	fmt.Println("Press Ctrl+C to stop")

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown. The server stops accepting first; the
	// orchestrator and intake then finish in-flight work, which still
	// publishes events, so the bus drains last among the producers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "Error stopping API server", err)
	}
	if manifestWatcher != nil {
		if err := manifestWatcher.Stop(); err != nil {
			log.ErrorErr(log.CatWatcher, "Error stopping manifest watcher", err)
		}
	}
	orch.Close()
	intake.Close()
	hub.Stop()
	if err := eventBus.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatBus, "Error draining event bus", err)
	}
	if err := traces.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "Error flushing traces", err)
	}
	if err := db.Close(); err != nil {
		log.ErrorErr(log.CatDB, "Error closing database", err)
	}

	fmt.Println("Kiln stopped")
	return nil
}

// newTraceProvider maps the config section onto the tracing subsystem,
// resolving the default trace file path at runtime.
func newTraceProvider(tc config.TracingConfig) (*tracing.Provider, error) {
	filePath := tc.FilePath
	if filePath == "" {
		filePath = config.DefaultTracesFilePath()
	}
	return tracing.NewProvider(tracing.Config{
		Enabled:      tc.Enabled,
		Exporter:     tc.Exporter,
		FilePath:     filePath,
		OTLPEndpoint: tc.OTLPEndpoint,
		SampleRate:   tc.SampleRate,
	})
}

// seedAgents creates the default agent slots on first start. Existing
// rows are left alone so operator edits survive restarts.
func seedAgents(agents domain.AgentRepository) error {
	for _, agent := range domain.DefaultAgents() {
		_, err := agents.FindByID(agent.ID)
		if err == nil {
			continue
		}
		var notFound *domain.AgentNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := agents.Save(agent); err != nil {
			return err
		}
	}
	return nil
}

// watchProjectManifests registers every project with a checkout on disk.
// Projects cloned later are registered by the scan endpoint's re-scan.
func watchProjectManifests(w *watcher.Watcher, projects domain.ProjectRepository, gitExec git.Executor) {
	all, err := projects.List()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "Failed to list projects for watching", err)
		return
	}
	for _, project := range all {
		if !gitExec.Exists(project.LocalPath()) {
			continue
		}
		if err := w.Watch(project.ID(), project.LocalPath()); err != nil {
			log.Warn(log.CatWatcher, "Failed to watch project", "project", project.Name(), "error", err)
		}
	}
}

// rescanOnChange re-scans a project's dependencies whenever the watcher
// reports a manifest change. Runs until the change channel closes.
func rescanOnChange(changes <-chan string, projects domain.ProjectRepository, resolver *deps.Service) {
	for projectID := range changes {
		project, err := projects.FindByID(projectID)
		if err != nil {
			log.Warn(log.CatWatcher, "Changed project no longer exists", "project", projectID)
			continue
		}
		result, err := resolver.Scan(context.Background(), project.ID(), project.LocalPath())
		if err != nil {
			log.ErrorErr(log.CatWatcher, "Manifest re-scan failed", err, "project", project.Name())
			continue
		}
		log.Info(log.CatWatcher, "Manifest re-scan complete",
			"project", project.Name(), "total", result.TotalFound, "new", result.NewlyAdded)
	}
}
