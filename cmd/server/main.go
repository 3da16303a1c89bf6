package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/eventcore/internal/api"
	"github.com/gyaneshwarpardhi/eventcore/internal/binding"
	"github.com/gyaneshwarpardhi/eventcore/internal/broker"
	"github.com/gyaneshwarpardhi/eventcore/internal/config"
	"github.com/gyaneshwarpardhi/eventcore/internal/schedule"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink/forward"
	"github.com/gyaneshwarpardhi/eventcore/internal/sink/logsink"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/eventcore.yaml", "Path to YAML config")
	flag.Parse()

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, slog.Default())
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── Broker ───────────────────────────────────────────────────────────────
	b := broker.New(
		broker.WithLogger(logger),
		broker.WithStatsEnabled(cfg.Broker.StatsOn()),
		broker.WithDefaultSource(cfg.Broker.DefaultSource),
	)
	if err := b.Initialize(cfg.Broker.MaxQueueSize, cfg.Broker.Workers); err != nil {
		slog.Error("failed to initialize broker", "err", err)
		os.Exit(1)
	}

	// ── Sinks, bindings, schedules ───────────────────────────────────────────
	sinks := sink.NewRegistry()
	sinks.Register(logsink.New(logger))
	sinks.Register(forward.New(b))

	binder := binding.NewBinder(b, logger)
	sched := schedule.New(b, logger)

	apply := newApplier(sinks, binder, sched)
	if err := apply(cfg); err != nil {
		slog.Error("failed to apply config", "err", err)
		os.Exit(1)
	}
	slog.Info("config applied",
		"bindings", len(binder.List()),
		"schedules", len(sched.Entries()),
		"sinks", strings.Join(sinks.Types(), ","),
	)

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	// Broker sizing and logging are fixed at startup; only bindings and
	// schedules follow the file.
	loader.OnChange(apply)
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	sched.Start()

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(api.Deps{
		Broker:        b,
		Loader:        loader,
		Binder:        binder,
		Scheduler:     sched,
		DefaultSource: cfg.Broker.DefaultSource,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	sched.Stop()
	binder.Clear()
	b.Shutdown()
	slog.Info("goodbye", "processed", b.Stats().ProcessedEvents)
}

// newApplier returns the callback that installs a config's bindings and
// schedules. Everything that can fail runs before anything is swapped, so a
// rejected config leaves both running sets untouched.
func newApplier(sinks *sink.Registry, binder *binding.Binder, sched *schedule.Scheduler) func(*config.Config) error {
	return func(c *config.Config) error {
		bindings, err := binding.Build(c, sinks)
		if err != nil {
			return err
		}
		plan, err := sched.Prepare(c.Schedules)
		if err != nil {
			return err
		}
		if err := binder.Apply(bindings); err != nil {
			return err
		}
		sched.Install(plan)
		return nil
	}
}

func newLogger(c config.LogConf) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
