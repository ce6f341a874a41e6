// Canopy is the parkbeat realtime relay: it terminates WebSocket
// connections, maintains the shared subscription registry and fans
// project mutations out to every map viewer covering them.
package main

import (
	"context"
	"strings"
	"time"

	"parkbeat/internal/bus"
	"parkbeat/internal/cleanup"
	"parkbeat/internal/events"
	"parkbeat/internal/fanout"
	"parkbeat/internal/handlers"
	"parkbeat/internal/jobs"
	"parkbeat/internal/kv"
	"parkbeat/internal/metrics"
	"parkbeat/internal/registry"
	"parkbeat/internal/socket"
	"parkbeat/internal/store"
	"parkbeat/pkg/config"
	"parkbeat/pkg/database"
	"parkbeat/pkg/logging"
	"parkbeat/pkg/monitoring"
	pkgredis "parkbeat/pkg/redis"
	"parkbeat/pkg/server"
	"parkbeat/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("canopy")
	config.LoadEnv(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	databaseURL := config.RequireEnv("DATABASE_URL")

	// Shared state
	redisClient, err := pkgredis.NewUniversalClient(ctx, pkgredis.Config{
		Mode:       pkgredis.Mode(config.GetEnv("REDIS_MODE", string(pkgredis.ModeSingle))),
		Addrs:      strings.Split(config.GetEnv("REDIS_ADDRS", "localhost:6379"), ","),
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = databaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Monitoring
	healthChecker := monitoring.NewHealthChecker("canopy", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("canopy", version.Version, version.GitCommit)
	relayMetrics := metrics.New(metricsCollector)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("configuration", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": databaseURL,
	}))

	// Registry and cleanup over the shared KV store
	kvStore := kv.NewStore(redisClient, logger)
	reg := registry.New(kvStore, logger,
		registry.WithIdleExpiry(config.GetEnvDuration("IDLE_EXPIRY_MS", registry.DefaultIdleExpiry)),
		registry.WithStaleExpiry(config.GetEnvDuration("STALE_EXPIRY_MS", registry.DefaultStaleExpiry)),
	)
	pipeline := cleanup.New(kvStore, reg, logger, cleanup.WithMetrics(relayMetrics))
	go pipeline.Run(ctx, config.GetEnvDuration("CLEANUP_DRAIN_INTERVAL_MS", cleanup.DefaultDrainInterval))

	// Leftovers from a previous incarnation of this process
	if cleaned, err := pipeline.Drain(ctx); err != nil {
		logger.WithError(err).Warn("Startup cleanup drain failed")
	} else if cleaned > 0 {
		logger.WithField("cleaned", cleaned).Info("Drained cleanup queue on startup")
	}

	// Socket hub and cross-process relay bus
	heartbeatInterval := reg.IdleExpiry() / 3
	hub := socket.NewHub(logger, relayMetrics, heartbeatInterval)
	relayBus := bus.New(redisClient, logger)
	engine := fanout.New(reg, relayBus, pipeline, logger, relayMetrics)

	go func() {
		if err := relayBus.Subscribe(ctx, func(frame bus.Frame) {
			env := events.Envelope{Event: frame.Event, Data: frame.Data}
			if err := hub.Deliver(ctx, frame.SocketIDs, env); err != nil {
				logger.WithError(err).Warn("Failed to deliver relayed frame")
			}
		}); err != nil && ctx.Err() == nil {
			logger.WithError(err).Fatal("Relay bus subscription failed")
		}
	}()

	// Async jobs
	runner := jobs.NewRunner(engine, nil, logger, relayMetrics,
		config.GetEnvInt("JOB_WORKERS", 4))
	runner.Start(ctx)

	// Handlers
	projectStore := store.New(db, logger)
	relayHandlers := handlers.New(hub, reg, projectStore, engine, pipeline, runner, logger)
	hub.SetHandler(relayHandlers)
	hub.SetCloseHook(func(socketID string) {
		enqueueCtx, enqueueCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer enqueueCancel()
		pipeline.Enqueue(enqueueCtx, socketID)
	})
	go hub.Run()

	// HTTP surface
	router := server.SetupServiceRouter(logger, "canopy", healthChecker, metricsCollector)
	relayHandlers.RegisterRoutes(router)

	if err := server.Start(server.DefaultConfig("canopy", "18090"), router, logger); err != nil {
		logger.WithError(err).Fatal("Server shutdown failed")
	}

	cancel()
	runner.Wait()
}
