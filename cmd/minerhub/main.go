package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"minerhub/internal/cache"
	"minerhub/internal/config"
	"minerhub/internal/events"
	"minerhub/internal/fleet"
	"minerhub/internal/httpapi"
	"minerhub/internal/mqtt"
	"minerhub/internal/proto"
	"minerhub/internal/proto/axeos"
	"minerhub/internal/proto/cgminer"
	"minerhub/internal/retention"
	"minerhub/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if strings.TrimSpace(cfg.Postgres.User) == "" {
		slog.Error("missing required env", "key", "POSTGRES_USER")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.DBName) == "" {
		slog.Error("missing required env", "key", "POSTGRES_DB")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.Postgres.Host) == "" {
		slog.Error("missing required env", "key", "POSTGRES_HOST")
		os.Exit(1)
	}

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	axe := axeos.New(cfg.PollTimeout)
	cg := cgminer.New(cfg.PollTimeout)
	registry := proto.NewRegistry(axe, cg)
	prober := fleet.NewProber(axe, cg)

	var sink fleet.EventSink
	if cfg.MQTTBrokerURL != "" {
		mq, err := mqtt.New(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Error("mqtt connect failed", "error", err)
			os.Exit(1)
		}
		defer mq.Disconnect()
		pub := events.NewPublisher(mq)
		defer pub.Close()
		sink = pub
	}

	var latest *cache.SnapshotCache
	var latestForFleet fleet.LatestCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		latest = cache.NewSnapshotCache(rdb)
		latestForFleet = latest
	}

	supervisor := fleet.NewSupervisor(repo, registry, fleet.Config{
		PollInterval:       cfg.PollInterval,
		PollTimeout:        cfg.PollTimeout,
		AnomalyConsecutive: cfg.AnomalyConsecutive,
		ActionCooldown:     cfg.ActionCooldown,
	}, sink, latestForFleet)
	if err := supervisor.Start(ctx); err != nil {
		slog.Error("fleet supervisor start failed", "error", err)
		os.Exit(1)
	}
	defer supervisor.Stop()

	var staleCache retention.StaleCache
	if latest != nil {
		staleCache = latest
	}
	ret := retention.New(repo, retention.Config{
		MaxAge:    cfg.RetentionMaxAge,
		Interval:  cfg.RetentionInterval,
		BatchSize: cfg.RetentionBatch,
	}, staleCache)
	go ret.Run(ctx)

	var latestReader httpapi.SnapshotReader
	if latest != nil {
		latestReader = latest
	}
	api := httpapi.New(repo, supervisor, prober, registry, axe, ret, latestReader)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("minerhub listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	cancel()
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
