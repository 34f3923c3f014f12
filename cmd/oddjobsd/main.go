// Package main is the entry point for the oddjobs daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oddjobs/oddjobs/internal/agent"
	"github.com/oddjobs/oddjobs/internal/archive"
	"github.com/oddjobs/oddjobs/internal/bus"
	"github.com/oddjobs/oddjobs/internal/common/config"
	"github.com/oddjobs/oddjobs/internal/common/logger"
	"github.com/oddjobs/oddjobs/internal/engine"
	"github.com/oddjobs/oddjobs/internal/event"
	outbound "github.com/oddjobs/oddjobs/internal/events/bus"
	"github.com/oddjobs/oddjobs/internal/listener"
	"github.com/oddjobs/oddjobs/internal/notify"
	"github.com/oddjobs/oddjobs/internal/scheduler"
	"github.com/oddjobs/oddjobs/internal/server"
	"github.com/oddjobs/oddjobs/internal/state"
	"github.com/oddjobs/oddjobs/internal/wal"
	"github.com/oddjobs/oddjobs/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting oddjobs daemon", zap.String("state_dir", cfg.State.Dir))

	if err := run(cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
	log.Info("daemon stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the WAL and rebuild state: latest snapshot, then replay.
	w, err := wal.Open(cfg.State.WALDir(), wal.Options{})
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer w.Close()

	st, fromSeq, err := state.LoadLatestSnapshot(cfg.State.SnapshotDir())
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if st == nil {
		st = state.New()
	}
	replayed := 0
	if err := w.ReadFrom(fromSeq+1, func(env event.Envelope) error {
		if applyErr := st.Apply(env); applyErr != nil {
			log.Warn("replay skipped event", zap.Uint64("seq", env.Seq), zap.Error(applyErr))
		}
		replayed++
		return nil
	}); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	log.Info("state rebuilt",
		zap.Uint64("snapshot_seq", fromSeq),
		zap.Int("replayed_events", replayed),
		zap.Uint64("last_seq", w.LastSeq()))

	// 4. Core plumbing: engine bus, scheduler, watchers, registry.
	engineBus := bus.New(cfg.Engine.BusCapacity)
	emit := func(env event.Envelope) {
		if pubErr := engineBus.Publish(env); pubErr != nil {
			log.Warn("event dropped during shutdown", zap.String("type", env.Type))
		}
	}
	sched := scheduler.New(emit, log)

	// The agent runtime adapter is deployment-provided; without one,
	// agent steps fail fast and shell runbooks still work.
	var adapter agent.Adapter = agent.UnavailableAdapter{}

	registry := agent.NewRegistry()
	watchers := agent.NewWatchers(adapter, emit, time.Second, log)

	workspaces, err := workspace.NewManager(cfg.State.WorkspaceDir(), log)
	if err != nil {
		return err
	}
	crumbs, err := engine.NewBreadcrumbs(cfg.State.BreadcrumbDir(), log)
	if err != nil {
		return err
	}
	alog, err := engine.NewActivityLog(cfg.State.LogDir(), log)
	if err != nil {
		return err
	}

	// 5. Outbound bus: NATS when configured, in-memory otherwise.
	var out outbound.EventBus
	if cfg.NATS.URL != "" {
		out, err = outbound.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect outbound bus: %w", err)
		}
	} else {
		out = outbound.NewMemoryEventBus(log)
	}
	defer out.Close()

	// 6. Stream hub + notifications.
	hub := server.NewHub(log)
	go hub.Run(ctx)
	if _, err := hub.AttachBus(out); err != nil {
		return fmt.Errorf("attach stream hub: %w", err)
	}
	notifier := notify.New(log, notify.NewLogProvider(log))

	// 7. Archive store.
	var arch *archive.Store
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.ArchivePath(), log)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
	}

	// 8. Executor and engine.
	exec := engine.NewExecutor(adapter, sched, workspaces, notifier, engineBus, alog, engine.Timeouts{
		Shell:    cfg.Engine.ShellTimeout,
		Gate:     cfg.Engine.GateTimeout,
		QueueCmd: cfg.Engine.QueueCmdTimeout,
	}, log)

	var archiver engine.Archiver
	if arch != nil {
		archiver = arch
	}
	eng := engine.New(engine.Config{
		LivenessInterval: cfg.Engine.LivenessInterval,
		IdleGrace:        cfg.Engine.IdleGrace,
		ExitGrace:        cfg.Engine.ExitGrace,
		AutoResumeWindow: cfg.Engine.AutoResumeWindow,
		MaxStepVisits:    cfg.Engine.MaxStepVisits,
	}, w, st, engineBus, exec, sched, registry, watchers, adapter, out, crumbs, alog, archiver, log)

	sched.Start(ctx)
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })

	// 9. Startup reconciliation: reconnect agents, restart workers,
	// re-arm crons, fail orphans.
	eng.Reconcile(ctx)

	// 10. Listener + HTTP surface.
	lst := listener.New(eng, adapter, arch, cfg.State.LogDir(), log)
	srv := server.New(cfg.Server, lst, hub, log)
	srv.Start()

	// 11. Wait for a signal or engine exit.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	engineDone := make(chan error, 1)
	go func() { engineDone <- g.Wait() }()

	var runErr error
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
		// A Shutdown event drains through the engine so the stop is
		// itself on the record.
		if err := engineBus.Publish(event.New(event.TypeShutdown, &event.Shutdown{})); err != nil {
			cancel()
		}
		select {
		case runErr = <-engineDone:
		case <-time.After(30 * time.Second):
			log.Warn("engine did not stop in time")
			cancel()
			runErr = <-engineDone
		}
	case runErr = <-engineDone:
		log.Info("engine stopped")
	}

	// 12. Graceful teardown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	engineBus.Close()
	watchers.StopAll()
	exec.Wait()

	if cfg.Engine.SnapshotOnUnload {
		if path, err := st.SaveSnapshot(cfg.State.SnapshotDir()); err != nil {
			log.Warn("snapshot failed", zap.Error(err))
		} else {
			log.Info("snapshot written", zap.String("path", path))
			if cfg.Engine.CompactAfterSnaps {
				if err := w.TruncateTo(st.AppliedSeq); err != nil {
					log.Warn("wal compaction failed", zap.Error(err))
				}
			}
		}
	}

	if runErr == context.Canceled {
		return nil
	}
	return runErr
}
