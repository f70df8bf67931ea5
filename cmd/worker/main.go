package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"broadcast-fleet/internal/assign"
	"broadcast-fleet/internal/config"
	"broadcast-fleet/internal/delivery"
	"broadcast-fleet/internal/lifecycle"
	"broadcast-fleet/internal/logging"
	"broadcast-fleet/internal/media"
	"broadcast-fleet/internal/models"
	"broadcast-fleet/internal/queue"
	"broadcast-fleet/internal/ratelimit"
	"broadcast-fleet/internal/scheduler"
	"broadcast-fleet/internal/session"
	"broadcast-fleet/internal/store"
	"broadcast-fleet/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.Env, cfg.LogLevel, "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg.VisibilityTimeout, cfg.DLQName)
	limiter := ratelimit.NewLimiter(rdb, st, cfg.DeviceConnPerHour, log)
	pairings := lifecycle.NewPairings(rdb, cfg.PairingTTL)

	workerID := workerIdentity(cfg)
	log = log.With().Str("worker_id", workerID).Logger()

	assigner := assign.New(st, workerID, cfg.StalenessThreshold, log)
	dialer := session.NewLoopbackDialer(log)
	manager := lifecycle.NewManager(st, assigner, dialer, pairings, limiter, workerID, lifecycle.Options{
		Interval:             cfg.ReconcileInterval,
		StuckConnectingAfter: cfg.StuckConnectingAfter,
		ReconnectStagger:     cfg.ReconnectStagger,
	}, log)

	heartbeat := lifecycle.NewHeartbeatRunner(st, models.Worker{
		ID:       workerID,
		Name:     cfg.WorkerName,
		Capacity: cfg.WorkerCapacity,
		Priority: cfg.WorkerPriority,
	}, manager, cfg.HeartbeatInterval, log)

	fetcher := media.NewFetcher(ctx, cfg, log)
	processor := delivery.NewProcessor(cfg, q, st, manager, fetcher, limiter, workerID, log)
	recurring := scheduler.New(st, q, cfg.RecurrenceRefresh, cfg.IdempotencyTTL, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("reconcile_interval", cfg.ReconcileInterval).
		Dur("visibility", cfg.VisibilityTimeout).
		Int("concurrency", cfg.Concurrency).
		Msg("worker started")

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && err != context.Canceled {
				log.Warn().Err(err).Str("loop", name).Msg("loop stopped")
			}
		}()
	}
	run("heartbeat", heartbeat.Run)
	run("lifecycle", manager.Run)
	run("scheduler", recurring.Run)
	run("delivery", processor.Run)
	wg.Wait()
}

// workerIdentity prefers an explicit name, then hostname, then a random
// id. The id is the registry key, so restarts on the same host reclaim
// the same row.
func workerIdentity(cfg config.Config) string {
	if cfg.WorkerName != "" {
		return cfg.WorkerName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("worker-%s", uuid.New().String()[:8])
}
