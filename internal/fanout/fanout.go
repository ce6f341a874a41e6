// Package fanout computes notify sets for mutated projects and pushes
// events to subscribers through the relay bus.
package fanout

import (
	"context"
	"sort"
	"time"

	"parkbeat/internal/events"
	"parkbeat/internal/metrics"
	"parkbeat/internal/registry"
	"parkbeat/internal/rooms"
	"parkbeat/pkg/geo"
	"parkbeat/pkg/logging"
)

// Deliverer pushes one envelope to a set of sockets. In production this is
// the relay bus; tests substitute a local recorder.
type Deliverer interface {
	Deliver(ctx context.Context, socketIDs []string, env events.Envelope) error
}

// StaleScheduler receives socket ids observed stale on the read path.
type StaleScheduler interface {
	ScheduleStale(ctx context.Context, socketID string)
}

// Engine resolves subscribers for geohash and project rooms.
type Engine struct {
	registry *registry.Registry
	deliver  Deliverer
	stale    StaleScheduler
	logger   logging.Logger
	metrics  *metrics.Metrics
}

// New creates a fan-out engine. stale and m may be nil.
func New(reg *registry.Registry, deliver Deliverer, stale StaleScheduler, logger logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		registry: reg,
		deliver:  deliver,
		stale:    stale,
		logger:   logger,
		metrics:  m,
	}
}

// NotifySet returns the deduplicated socket ids subscribed to any prefix
// of the geohash, minus exclude. A socket subscribed to several prefixes
// of the same hash appears once. Complexity O(L·S), L ≤ 12.
func (e *Engine) NotifySet(ctx context.Context, geohash string, exclude ...string) ([]string, error) {
	seen := make(map[string]bool)
	for _, prefix := range geo.Prefixes(geohash) {
		subs, err := e.registry.ActiveSubscribers(ctx, rooms.Geohash(prefix), exclude...)
		if err != nil {
			return nil, err
		}
		for _, sub := range subs {
			e.observe(ctx, sub)
			seen[sub.SocketID] = true
		}
	}
	return sortedKeys(seen), nil
}

// ProjectSet returns the subscribers of the single-project room.
func (e *Engine) ProjectSet(ctx context.Context, projectID string, exclude ...string) ([]string, error) {
	subs, err := e.registry.ActiveSubscribers(ctx, rooms.Project(projectID), exclude...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		e.observe(ctx, sub)
		seen[sub.SocketID] = true
	}
	return sortedKeys(seen), nil
}

// FanOutGeohash emits env to every subscriber covering the geohash. On
// delete the caller passes the previously stored geohash. Returns the
// recipient count.
func (e *Engine) FanOutGeohash(ctx context.Context, geohash string, env events.Envelope, exclude ...string) (int, error) {
	start := time.Now()
	targets, err := e.NotifySet(ctx, geohash, exclude...)
	if err != nil {
		return 0, err
	}
	if err := e.send(ctx, targets, env); err != nil {
		return 0, err
	}
	e.record("geohash", len(targets), time.Since(start))
	return len(targets), nil
}

// FanOutProject emits env to the project room's subscribers.
func (e *Engine) FanOutProject(ctx context.Context, projectID string, env events.Envelope, exclude ...string) (int, error) {
	start := time.Now()
	targets, err := e.ProjectSet(ctx, projectID, exclude...)
	if err != nil {
		return 0, err
	}
	if err := e.send(ctx, targets, env); err != nil {
		return 0, err
	}
	e.record("project", len(targets), time.Since(start))
	return len(targets), nil
}

// FanOutUnion emits env once per socket subscribed to the project room or
// to any prefix of the geohash. Used for projectData after contribution
// writes, where both audiences overlap.
func (e *Engine) FanOutUnion(ctx context.Context, geohash, projectID string, env events.Envelope, exclude ...string) (int, error) {
	start := time.Now()
	geoTargets, err := e.NotifySet(ctx, geohash, exclude...)
	if err != nil {
		return 0, err
	}
	projectTargets, err := e.ProjectSet(ctx, projectID, exclude...)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(geoTargets)+len(projectTargets))
	for _, id := range geoTargets {
		seen[id] = true
	}
	for _, id := range projectTargets {
		seen[id] = true
	}
	targets := sortedKeys(seen)
	if err := e.send(ctx, targets, env); err != nil {
		return 0, err
	}
	e.record("union", len(targets), time.Since(start))
	return len(targets), nil
}

func (e *Engine) send(ctx context.Context, targets []string, env events.Envelope) error {
	if len(targets) == 0 {
		return nil
	}
	return e.deliver.Deliver(ctx, targets, env)
}

func (e *Engine) observe(ctx context.Context, sub registry.Subscriber) {
	if e.stale == nil || !e.registry.IsStale(sub.LastSeenMs) {
		return
	}
	e.logger.WithField("socket_id", sub.SocketID).Debug("Stale subscriber observed, scheduling cleanup")
	e.stale.ScheduleStale(ctx, sub.SocketID)
}

func (e *Engine) record(namespace string, recipients int, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	if e.metrics.FanoutRecipients != nil {
		e.metrics.FanoutRecipients.WithLabelValues(namespace).Observe(float64(recipients))
	}
	if e.metrics.FanoutDuration != nil {
		e.metrics.FanoutDuration.WithLabelValues(namespace).Observe(elapsed.Seconds())
	}
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
