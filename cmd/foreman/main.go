// Foreman orchestrator server — provides the HTTP control API, drives
// per-project session loops, and reclaims abandoned sessions.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/buildforge/foreman/pkg/api"
	"github.com/buildforge/foreman/pkg/config"
	"github.com/buildforge/foreman/pkg/database"
	"github.com/buildforge/foreman/pkg/events"
	"github.com/buildforge/foreman/pkg/orchestrator"
	"github.com/buildforge/foreman/pkg/reaper"
	"github.com/buildforge/foreman/pkg/registry"
	"github.com/buildforge/foreman/pkg/runner"
	"github.com/buildforge/foreman/pkg/scheduler"
	"github.com/buildforge/foreman/pkg/store"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	dryRun := flag.Bool("dry-run", false,
		"Use the scripted no-op session runner instead of an agent driver")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		logger.Warn("could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	db, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to postgres", "host", dbConfig.Host, "database", dbConfig.Database)

	st := store.New(db, cfg.Completion, logger)
	bus := events.NewBus(cfg.Events.SubscriberBuffer)
	reg := registry.New(logger)

	// Startup reconciliation: sessions left live by a previous process get
	// placeholder registry entries so new claims are refused until the
	// reaper ages them out.
	active, err := st.ListActiveSessions(ctx)
	if err != nil {
		logger.Error("failed to list active sessions at startup", "error", err)
		os.Exit(1)
	}
	if len(active) > 0 {
		recovered := make(map[string]string, len(active))
		for _, sess := range active {
			recovered[sess.ProjectID] = sess.ID
		}
		reg.Rebuild(recovered)
		logger.Info("recovered unfinished sessions into registry", "count", len(recovered))
	}

	var sessionRunner runner.Runner
	if *dryRun {
		logger.Warn("dry-run mode: sessions will use the scripted no-op runner")
		sessionRunner = &runner.ScriptedRunner{}
	} else {
		logger.Error("no agent driver is linked into this build; start with --dry-run to use the scripted runner")
		os.Exit(1)
	}

	sched := scheduler.New(st, bus, reg, sessionRunner, cfg.Scheduler, logger)

	// loopCtx bounds every spawned session loop; cancelling it is the
	// shutdown path for in-flight sessions.
	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	orch := orchestrator.New(loopCtx, st, bus, reg, sched, logger)

	rp := reaper.New(st, bus, reg, cfg.Reaper, logger)
	rp.Start(ctx)
	defer rp.Stop()

	server := api.NewServer(orch, db, rp, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTP.Port
		logger.Info("http server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error triggered shutdown", "error", err)
	}

	// Stop accepting requests first, then cancel session loops and give
	// them the cancel grace to settle.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	rp.Stop()
	cancelLoops()

	deadline := time.Now().Add(cfg.Scheduler.CancelGrace + 5*time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := reg.Len(); n > 0 {
		logger.Warn("sessions still active at shutdown; the reaper will reclaim them on restart", "count", n)
	}

	logger.Info("shutdown complete")
}
