// Package monitoring serves the relay's health and Prometheus metrics
// endpoints. Health aggregates per-dependency checks; a relay that lost
// Redis cannot register subscriptions and must fail its probe.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const checkTimeout = 5 * time.Second

// CheckResult is one dependency's verdict.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthStatus is the aggregate served on /health.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp int64                  `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthCheck probes one dependency.
type HealthCheck func() CheckResult

// HealthChecker runs the registered checks and folds them into one status.
type HealthChecker struct {
	service string
	version string
	names   []string
	checks  map[string]HealthCheck
}

func NewHealthChecker(service, version string) *HealthChecker {
	return &HealthChecker{
		service: service,
		version: version,
		checks:  make(map[string]HealthCheck),
	}
}

// AddCheck registers a named dependency check.
func (hc *HealthChecker) AddCheck(name string, check HealthCheck) {
	if _, exists := hc.checks[name]; !exists {
		hc.names = append(hc.names, name)
		sort.Strings(hc.names)
	}
	hc.checks[name] = check
}

// CheckHealth runs every check. One unhealthy dependency makes the whole
// service unhealthy; degraded only downgrades, never masks.
func (hc *HealthChecker) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:    StatusHealthy,
		Service:   hc.service,
		Version:   hc.version,
		Timestamp: time.Now().Unix(),
		Checks:    make(map[string]CheckResult, len(hc.checks)),
	}

	for _, name := range hc.names {
		result := hc.checks[name]()
		status.Checks[name] = result
		switch result.Status {
		case StatusHealthy:
		case StatusDegraded:
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		default:
			status.Status = StatusUnhealthy
		}
	}
	return status
}

// Handler serves the aggregate as JSON, 503 when unhealthy so load
// balancers stop routing new sockets here.
func (hc *HealthChecker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.CheckHealth()
		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// DatabaseHealthCheck pings the project store.
func DatabaseHealthCheck(db *sql.DB) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("database ping failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}

// RedisHealthCheck pings the shared registry store.
func RedisHealthCheck(client goredis.UniversalClient) HealthCheck {
	return func() CheckResult {
		start := time.Now()
		if client == nil {
			return CheckResult{Status: StatusUnhealthy, Message: "redis client is nil"}
		}

		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("redis ping failed: %v", err),
				Latency: time.Since(start).String(),
			}
		}
		return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
	}
}

// ConfigurationHealthCheck reports required settings that arrived empty.
func ConfigurationHealthCheck(configs map[string]string) HealthCheck {
	return func() CheckResult {
		var missing []string
		for key, value := range configs {
			if value == "" {
				missing = append(missing, key)
			}
		}
		sort.Strings(missing)

		if len(missing) > 0 {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: fmt.Sprintf("missing required configuration: %v", missing),
			}
		}
		return CheckResult{Status: StatusHealthy}
	}
}
