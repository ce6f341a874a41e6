// Package redis owns the shared Redis connection and the typed pub/sub
// wrapper the relay bus rides on. The registry, cleanup queue and bus all
// share one universal client.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Mode selects the deployment topology.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeSentinel Mode = "sentinel"
	ModeCluster  Mode = "cluster"
)

const defaultTimeout = 5 * time.Second

// Config describes one Redis deployment regardless of topology.
type Config struct {
	Mode       Mode
	Addrs      []string // one address for single, sentinels for sentinel, seeds for cluster
	MasterName string   // sentinel only
	Username   string
	Password   string
	DB         int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultTimeout
	}
	return c
}

// NewUniversalClient connects and pings before returning. go-redis picks the
// concrete client from the options: MasterName routes to Sentinel, multiple
// addresses to Cluster, one address to a standalone node.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}
	cfg = cfg.withDefaults()

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
