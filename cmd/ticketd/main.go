// Command ticketd runs the multi-agent orchestration daemon: it loads a
// project/pipeline config, opens the Ticket Store, wires the Process
// Supervisor, Queue Manager, and Completion Processor together, and serves
// the Submission API until it receives an interrupt or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/ticketd/ticketd/internal/completion"
	"github.com/ticketd/ticketd/internal/config"
	"github.com/ticketd/ticketd/internal/events"
	"github.com/ticketd/ticketd/internal/gateway"
	"github.com/ticketd/ticketd/internal/otelmetrics"
	"github.com/ticketd/ticketd/internal/outcome"
	"github.com/ticketd/ticketd/internal/pipeline"
	"github.com/ticketd/ticketd/internal/queue"
	"github.com/ticketd/ticketd/internal/store"
	"github.com/ticketd/ticketd/internal/sweeper"
	"github.com/ticketd/ticketd/internal/telemetry"
	"github.com/ticketd/ticketd/internal/worker"

	"github.com/ticketd/ticketd/internal/bus"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config.yaml (defaults to $TICKETD_HOME/config.yaml)")
	metricsEnabled := flag.Bool("metrics", false, "enable OpenTelemetry metrics collection")
	flag.Parse()

	quiet := !isatty.IsTerminal(os.Stdout.Fd())

	path := *configPath
	if path == "" {
		path = config.HomeDir() + "/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ticketd: config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := telemetry.NewLogger(config.HomeDir(), cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ticketd: logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *metricsEnabled, logger); err != nil {
		logger.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, metricsEnabled bool, logger *slog.Logger) error {
	logger.Info("starting", slog.String("version", Version), slog.String("listen_addr", cfg.Gateway.ListenAddr))

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	resolver := pipeline.NewResolver()
	for _, p := range cfg.Projects {
		if err := resolver.Register(p.ID, p.Pipeline); err != nil {
			return fmt.Errorf("register pipeline for project %q: %w", p.ID, err)
		}

		pl, err := resolver.Get(p.ID)
		if err != nil {
			return fmt.Errorf("project %q: %w", p.ID, err)
		}
		plJSON, err := pl.ToJSON()
		if err != nil {
			return fmt.Errorf("project %q: marshal pipeline: %w", p.ID, err)
		}
		if err := st.CreateProject(ctx, store.Project{
			ID: p.ID, Path: p.Path, Rules: p.Rules, PipelineJSON: plJSON,
		}); err != nil {
			logger.Warn("project_already_registered", slog.String("project_id", p.ID), slog.Any("error", err))
		}

		for stage, wt := range p.WorkerTypes {
			argsJSON, err := json.Marshal(wt.Args)
			if err != nil {
				return fmt.Errorf("project %q stage %q: marshal args: %w", p.ID, stage, err)
			}
			if err := st.UpsertWorkerType(ctx, store.WorkerType{
				ProjectID:      p.ID,
				Stage:          stage,
				Command:        wt.Command,
				ArgsJSON:       string(argsJSON),
				SystemPrompt:   wt.SystemPrompt,
				PermissionMode: wt.PermissionMode,
				TimeoutSeconds: wt.TimeoutSeconds,
			}); err != nil {
				return fmt.Errorf("project %q stage %q: upsert worker type: %w", p.ID, stage, err)
			}
		}
	}

	validator, err := outcome.NewValidator()
	if err != nil {
		return fmt.Errorf("build outcome validator: %w", err)
	}
	supervisor := worker.NewSupervisor(validator, logger)

	eventBus := bus.NewWithLogger(logger)
	emitter := events.New(st, eventBus, logger)

	completions := make(chan queue.Event, 256)
	workerCfg := func(ctx context.Context, projectID, stage string) (store.WorkerType, error) {
		return st.GetWorkerType(ctx, projectID, stage)
	}
	mgr := queue.NewManager(ctx, st, supervisor, workerCfg, resolver.Get, completions, emitter, logger)
	defer mgr.Shutdown()

	processor := completion.New(st, emitter, mgr, logger)
	go processor.Run(ctx, completions)

	sw := sweeper.New(st, emitter, cfg.SweepInterval(), cfg.StaleAfter(), logger)
	go sw.Run(ctx)

	metricsProvider, err := otelmetrics.Init(ctx, otelmetrics.Config{Enabled: metricsEnabled})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer metricsProvider.Shutdown(context.Background())
	if _, err := otelmetrics.NewMetrics(metricsProvider.Meter); err != nil {
		return fmt.Errorf("build metrics instruments: %w", err)
	}

	watcher := config.NewWatcher(config.HomeDir(), logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config_watcher_start_failed", slog.Any("error", err))
	}

	gw := gateway.New(gateway.Config{
		Store:     st,
		Queue:     mgr,
		Bus:       eventBus,
		Auth:      gateway.BuildAuthFromConfig(cfg.Gateway.Auth),
		CORS:      gateway.BuildCORSFromConfig(cfg.Gateway.CORS),
		RateLimit: gateway.BuildRateLimitFromConfig(ctx, cfg.Gateway.RateLimit),
	})

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", cfg.Gateway.ListenAddr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
