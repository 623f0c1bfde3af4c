package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/basket/missiond/internal/api"
	"github.com/basket/missiond/internal/audit"
	"github.com/basket/missiond/internal/bridge"
	"github.com/basket/missiond/internal/bus"
	"github.com/basket/missiond/internal/config"
	"github.com/basket/missiond/internal/cron"
	"github.com/basket/missiond/internal/dispatch"
	"github.com/basket/missiond/internal/gateway"
	"github.com/basket/missiond/internal/heartbeat"
	otelx "github.com/basket/missiond/internal/otel"
	"github.com/basket/missiond/internal/persistence"
	"github.com/basket/missiond/internal/router"
	"github.com/basket/missiond/internal/shared"
	"github.com/basket/missiond/internal/supervisor"
	"github.com/basket/missiond/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), quiet)
		},
	}
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to file only")
	return cmd
}

func runDaemon(ctx context.Context, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes before the logger so a logger failure is still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.EffectiveLogLevel()))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir,
		"base_url", cfg.BaseURL,
		"gateway", shared.RedactURL(cfg.Gateway.URL),
		"fingerprint", cfg.Fingerprint(),
	)
	if cfg.NeedsGenesis {
		logger.Warn("config.yaml not found, running on defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	otelProvider, err := otelx.Init(ctx, otelx.FromConfig(cfg.Telemetry))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	tracer := otelProvider.Tracer

	store, err := persistence.Open(cfg.ResolvedDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	// The supervisor closes the store on shutdown.
	schema, _ := store.SchemaVersion(ctx)
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.ResolvedDBPath(), "schema_version", schema)

	settings, err := cron.FromConfig(cfg.Scheduler)
	if err != nil {
		_ = store.Close()
		fatalStartup(logger, "E_SCHEDULER_CONFIG", err)
	}

	eventBus := bus.New()
	eventBus.OnDrop(func(topic string) {
		metrics.BroadcastDropped.Add(context.Background(), 1, metric.WithAttributes(otelx.AttrEventType.String(topic)))
	})

	gw := gateway.NewWSClient(gateway.Config{
		URL:         cfg.Gateway.URL,
		Token:       cfg.Gateway.Token,
		CallTimeout: time.Duration(cfg.Gateway.CallTimeoutSeconds) * time.Second,
		Logger:      logger.With("subsystem", "gateway"),
	})

	engine := dispatch.NewEngine(dispatch.EngineConfig{
		Store:           store,
		Gateway:         gw,
		BaseURL:         cfg.BaseURL,
		ProjectsPath:    cfg.ProjectsPath,
		CoordinatorName: cfg.CoordinatorName,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	dispatcher := dispatch.NewLoop(store, engine, eventBus, logger)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Store:          store,
		Gateway:        gw,
		Publisher:      eventBus,
		Logger:         logger,
		Metrics:        metrics,
		StaleThreshold: time.Duration(cfg.Heartbeat.StaleThresholdSeconds) * time.Second,
		MaxFailures:    cfg.Heartbeat.MaxFailures,
	})

	scheduler := cron.NewScheduler(cron.Config{
		Store:     store,
		Publisher: eventBus,
		Logger:    logger,
		Metrics:   metrics,
		Settings:  settings,
	})

	testRouter := router.New(router.Config{
		Store:   store,
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.RouterTimeoutSeconds) * time.Second,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	relay := bridge.New(bridge.Config{
		Bus:     eventBus,
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.BroadcastTimeoutSeconds) * time.Second,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})

	sup := supervisor.New(supervisor.Config{
		Store:      store,
		Gateway:    gw,
		Bridge:     relay,
		Heartbeat:  monitor,
		Dispatcher: dispatcher,
		Scheduler:  scheduler,
		Router:     testRouter,
		Intervals: supervisor.Intervals{
			Heartbeat: time.Duration(cfg.Intervals.HeartbeatSeconds) * time.Second,
			Dispatch:  time.Duration(cfg.Intervals.DispatchSeconds) * time.Second,
			Scheduler: time.Duration(cfg.Intervals.SchedulerSeconds) * time.Second,
		},
		DrainTimeout: time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})

	apiServer := api.New(api.Config{
		Store:             store,
		Engine:            engine,
		Publisher:         eventBus,
		Gateway:           gw,
		Loops:             sup.Loops,
		Dropped:           eventBus.Dropped,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
		Logger:            logger,
		Tracer:            tracer,
	})

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		_ = store.Close()
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml need a restart", "error", err)
	} else {
		go applyReloads(watcher.Events(), level, scheduler, cfg.Fingerprint(), logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil {
		logger.Error("daemon exited with error", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// applyReloads applies the live-reloadable settings of config.yaml: the
// log level and debug toggle, and the disabled job list. Everything else
// needs a restart.
func applyReloads(events <-chan config.ReloadEvent, level *slog.LevelVar, sched *cron.Scheduler, fingerprint string, logger *slog.Logger) {
	for ev := range events {
		if filepath.Base(ev.Path) != "config.yaml" {
			continue
		}
		next, err := config.Load()
		if err != nil {
			logger.Error("config.yaml reload rejected; keeping previous settings", "error", err)
			continue
		}
		level.Set(telemetry.ParseLevel(next.EffectiveLogLevel()))
		sched.SetDisabled(next.Scheduler.DisabledJobs)
		if fp := next.Fingerprint(); fp != fingerprint {
			logger.Info("config.yaml reloaded", "fingerprint", fp, "log_level", next.EffectiveLogLevel())
			fingerprint = fp
		}
	}
}
