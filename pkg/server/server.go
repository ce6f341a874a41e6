// Package server assembles the relay's gin router and runs it with
// graceful shutdown. Long-lived WebSocket upgrades share the router with
// the plain HTTP endpoints, so the write timeout stays generous.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"parkbeat/pkg/config"
	"parkbeat/pkg/logging"
	"parkbeat/pkg/middleware"
	"parkbeat/pkg/monitoring"
)

// Config holds the HTTP listener settings.
type Config struct {
	Port            string
	ServiceName     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig reads PORT from the environment with a service default.
func DefaultConfig(serviceName, defaultPort string) Config {
	return Config{
		Port:            config.GetEnv("PORT", defaultPort),
		ServiceName:     serviceName,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// SetupServiceRouter builds the router with the shared middleware chain and
// the health and metrics endpoints.
func SetupServiceRouter(logger logging.Logger, serviceName string, healthChecker *monitoring.HealthChecker, metricsCollector *monitoring.MetricsCollector) *gin.Engine {
	if config.GetEnv("GIN_MODE", "debug") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.AccessLog(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())
	router.Use(metricsCollector.MetricsMiddleware())

	router.GET("/health", healthChecker.Handler())
	router.GET("/metrics", metricsCollector.Handler())

	return router
}

// Start serves until SIGINT or SIGTERM, then drains in-flight requests.
// Open WebSockets are closed by the hub's own teardown, not by the HTTP
// shutdown.
func Start(cfg Config, router *gin.Engine, logger logging.Logger) error {
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.WithFields(logging.Fields{
			"port":    cfg.Port,
			"service": cfg.ServiceName,
		}).Info("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.WithField("service", cfg.ServiceName).Info("Shutting down server")

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.WithField("service", cfg.ServiceName).Info("Server stopped")
	return nil
}
