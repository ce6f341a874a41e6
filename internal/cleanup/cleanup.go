// Package cleanup implements the distributed garbage collector for
// orphaned socket subscriptions. The process that held a socket may die
// before cleaning its registry entries; the queue lets any surviving
// process finish the job.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"parkbeat/internal/kv"
	"parkbeat/internal/metrics"
	"parkbeat/internal/registry"
	"parkbeat/internal/rooms"
	"parkbeat/pkg/logging"
)

const queueKey = "cleanupQueue"

// DefaultEntryTTL bounds queue size: entries older than this are dropped
// unconditionally.
const DefaultEntryTTL = 24 * time.Hour

// DefaultDrainInterval is the cadence of the periodic drain loop.
const DefaultDrainInterval = 30 * time.Second

// Entry is one queued cleanup request.
type Entry struct {
	EnqueuedAt int64    `json:"enqueued_at"`
	Scope      []string `json:"scope"`
}

// Pipeline drains the shared cleanup queue. Cleanups are idempotent, so
// two processes draining concurrently is harmless.
type Pipeline struct {
	store    *kv.Store
	registry *registry.Registry
	logger   logging.Logger
	metrics  *metrics.Metrics
	entryTTL time.Duration
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithEntryTTL overrides the unconditional-drop age.
func WithEntryTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.entryTTL = ttl }
}

// WithMetrics attaches cleanup outcome counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a cleanup pipeline.
func New(store *kv.Store, reg *registry.Registry, logger logging.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		registry: reg,
		logger:   logger,
		entryTTL: DefaultEntryTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) count(trigger, outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.CleanupsTotal.WithLabelValues(trigger, outcome).Inc()
}

// Enqueue records that the socket's registry entries must be reclaimed.
// Called on socket close or error; must not block connection teardown, so
// failures are logged and swallowed.
func (p *Pipeline) Enqueue(ctx context.Context, socketID string, scopes ...rooms.Kind) {
	if len(scopes) == 0 {
		scopes = []rooms.Kind{rooms.KindGeohash, rooms.KindProject}
	}
	names := make([]string, len(scopes))
	for i, s := range scopes {
		names[i] = string(s)
	}
	entry := Entry{EnqueuedAt: p.now().UnixMilli(), Scope: names}
	payload, err := json.Marshal(entry)
	if err != nil {
		p.logger.WithError(err).Error("Failed to marshal cleanup entry")
		return
	}
	if err := p.store.HSet(ctx, queueKey, socketID, string(payload)); err != nil {
		p.logger.WithError(err).WithField("socket_id", socketID).Error("Failed to enqueue cleanup")
	}
}

// Drain processes every queued entry once: runs the registry cleanup and
// removes the entry on success. Failed cleanups stay queued for retry.
// Returns the number of sockets cleaned.
func (p *Pipeline) Drain(ctx context.Context) (int, error) {
	entries, err := p.store.HGetAll(ctx, queueKey)
	if err != nil {
		return 0, fmt.Errorf("read cleanup queue: %w", err)
	}

	cleaned := 0
	for socketID, raw := range entries {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			p.logger.WithError(err).WithField("socket_id", socketID).Warn("Dropping malformed cleanup entry")
			_ = p.store.HDel(ctx, queueKey, socketID)
			p.count("queue", "malformed")
			continue
		}

		if p.now().UnixMilli()-entry.EnqueuedAt > p.entryTTL.Milliseconds() {
			_ = p.store.HDel(ctx, queueKey, socketID)
			p.count("queue", "expired")
			continue
		}

		scopes := make([]rooms.Kind, 0, len(entry.Scope))
		for _, s := range entry.Scope {
			scopes = append(scopes, rooms.Kind(s))
		}
		if err := p.registry.Cleanup(ctx, socketID, scopes...); err != nil {
			p.logger.WithError(err).WithField("socket_id", socketID).Warn("Cleanup failed, leaving entry for retry")
			p.count("queue", "error")
			continue
		}
		if err := p.store.HDel(ctx, queueKey, socketID); err != nil {
			p.logger.WithError(err).WithField("socket_id", socketID).Warn("Failed to remove drained cleanup entry")
			continue
		}
		cleaned++
		p.count("queue", "cleaned")
	}
	return cleaned, nil
}

// ScheduleStale enqueues an opportunistic cleanup for a subscriber whose
// last_seen exceeded the stale expiry, observed on a fan-out read path.
func (p *Pipeline) ScheduleStale(ctx context.Context, socketID string) {
	p.count("stale", "scheduled")
	p.Enqueue(ctx, socketID)
}

// Run drains the queue on the given interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := p.Drain(ctx)
			if err != nil {
				p.logger.WithError(err).Warn("Cleanup drain failed")
				continue
			}
			if cleaned > 0 {
				p.logger.WithField("cleaned", cleaned).Info("Drained cleanup queue")
			}
		}
	}
}
