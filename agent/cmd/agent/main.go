package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"

	"github.com/dayofmonth/dayofmonth/agent/internal/api"
	"github.com/dayofmonth/dayofmonth/agent/internal/auth"
	"github.com/dayofmonth/dayofmonth/agent/internal/config"
	"github.com/dayofmonth/dayofmonth/agent/internal/health"
	"github.com/dayofmonth/dayofmonth/agent/internal/history"
	"github.com/dayofmonth/dayofmonth/agent/internal/manager"
	"github.com/dayofmonth/dayofmonth/agent/internal/metrics"
	"github.com/dayofmonth/dayofmonth/agent/internal/publish"
	"github.com/dayofmonth/dayofmonth/agent/internal/store"
	"github.com/dayofmonth/dayofmonth/agent/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env-file", ".env", "optional file of KEY=value secrets loaded before the config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load env file", "path", *envFile, "err", err)
	}

	slog.Info("dayofmonth-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"timezone", cfg.Agent.Timezone,
		"backend", cfg.Agent.History.Backend,
		"sensors", len(cfg.Agent.Sensors),
		"http_port", cfg.Agent.HTTP.Port,
		"grpc_port", cfg.Agent.GRPC.Port,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	st := store.New()
	reporter := health.NewReporter()

	hub := ws.New(st, cfg.Agent.HTTP.BroadcastInterval)
	go hub.Run(ctx)

	// Every state goes to the latest-value store, metrics, health, live
	// clients and each configured broker or archive sink.
	fanout := publish.Fanout{st, m, reporter, hub}
	sinks, err := publish.Sinks(cfg.Agent.Publish)
	if err != nil {
		slog.Error("failed to build publish sinks", "err", err)
		os.Exit(1)
	}
	for _, sink := range sinks {
		sh := publish.NewShipper(sink, cfg.Agent.Publish.BufferSize, m)
		if err := m.TrackSinkBacklog(sh.Name(), sh.Pending); err != nil {
			slog.Warn("sink backlog not exported", "sink", sh.Name(), "err", err)
		}
		go sh.Run(ctx)
		fanout = append(fanout, sh)
		slog.Info("registered sink", "sink", sink.Name())
	}

	mgr := manager.New(fanout,
		manager.WithObserver(m),
		manager.WithTrackers(m, reporter),
		manager.WithRetainer(st),
		manager.WithSourceFactory(func(h config.HistoryConfig) (history.Source, error) {
			return manager.NewSource(h, m.BreakerStateFunc(h.Backend))
		}),
	)
	if err := mgr.Apply(ctx, cfg); err != nil {
		slog.Error("failed to start sensors", "err", err)
		os.Exit(1)
	}
	if len(cfg.Agent.Sensors) == 0 {
		slog.Warn("no sensors configured, agent will idle")
	}

	// Reload re-applies the sensor set and history settings. Listener ports,
	// auth and sinks are read once at start-up.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			if err := mgr.Apply(ctx, updated); err != nil {
				slog.Error("config reload rejected", "err", err)
				return
			}
			slog.Info("config hot-reloaded", "sensors", len(updated.Agent.Sensors))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	httpAuth := cfg.Agent.HTTP.Auth
	router := api.New(api.Config{
		Store:   st,
		Sensors: mgr,
		Auth:    auth.NewChecker(httpAuth.Mode, httpAuth.EffectiveHeader(), httpAuth.Key()),
		Metrics: m,
		Stream:  hub,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Agent.HTTP.Port),
		Handler:           handlers.CombinedLoggingHandler(os.Stdout, router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Agent.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	if port := cfg.Agent.GRPC.Port; port > 0 {
		grpcAuth := cfg.Agent.GRPC.Auth
		grpcSrv := health.NewServer(reporter,
			auth.NewChecker(grpcAuth.Mode, grpcAuth.EffectiveHeader(), grpcAuth.Key()))
		go func() {
			if err := health.Serve(ctx, grpcSrv, port); err != nil {
				slog.Error("gRPC health server stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("dayofmonth-agent shutting down")
	reporter.Shutdown()
	mgr.Close()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
