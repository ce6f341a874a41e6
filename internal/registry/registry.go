// Package registry maintains the four logical subscription maps in the
// shared KV store: room→{socket→lastSeen}, socket→{rooms}, for both the
// geohash and project namespaces. All operations are idempotent; writes
// are last-writer-wins on last_seen_ms.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"parkbeat/internal/kv"
	"parkbeat/internal/rooms"
	"parkbeat/pkg/logging"
)

const (
	// DefaultIdleExpiry marks a record stale without a ping.
	DefaultIdleExpiry = 15 * time.Second

	// DefaultStaleExpiry triggers opportunistic cleanup of a subscriber.
	DefaultStaleExpiry = 20 * time.Second
)

// Registry is pure logic over the KV store. Any relay process may read
// or mutate; there is no process-local state beyond configuration.
type Registry struct {
	store  *kv.Store
	logger logging.Logger

	idleExpiry time.Duration
	// recencyWindow damps resubscribe storms: a subscribe whose existing
	// record is newer than the window is skipped.
	recencyWindow time.Duration
	staleExpiry   time.Duration

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIdleExpiry overrides both the idle expiry and the recency window.
func WithIdleExpiry(d time.Duration) Option {
	return func(r *Registry) {
		r.idleExpiry = d
		r.recencyWindow = d
	}
}

// WithStaleExpiry overrides the staleness threshold.
func WithStaleExpiry(d time.Duration) Option {
	return func(r *Registry) { r.staleExpiry = d }
}

// New creates a Registry over the shared KV store.
func New(store *kv.Store, logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:         store,
		logger:        logger,
		idleExpiry:    DefaultIdleExpiry,
		recencyWindow: DefaultIdleExpiry,
		staleExpiry:   DefaultStaleExpiry,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// roomKey is the forward map: hash of socket_id → last_seen_ms.
func roomKey(room rooms.Room) string {
	return room.String() + ":sockets"
}

// reverseKey is the per-socket index set for one namespace.
func reverseKey(socketID string, kind rooms.Kind) string {
	switch kind {
	case rooms.KindGeohash:
		return "sockets:" + socketID + ":geohashes"
	default:
		return "sockets:" + socketID + ":projects"
	}
}

// Subscribe registers the socket in the room and the room in the socket's
// reverse index. Idempotent; skipped entirely when the existing record is
// fresher than the recency window.
func (r *Registry) Subscribe(ctx context.Context, socketID string, room rooms.Room) error {
	nowMs := r.now().UnixMilli()

	existing, found, err := r.store.HGet(ctx, roomKey(room), socketID)
	if err == nil && found {
		if last, perr := strconv.ParseInt(existing, 10, 64); perr == nil {
			if nowMs-last < r.recencyWindow.Milliseconds() {
				return nil
			}
		}
	}

	if err := r.store.HSet(ctx, roomKey(room), socketID, strconv.FormatInt(nowMs, 10)); err != nil {
		return fmt.Errorf("register socket in room %s: %w", room, err)
	}
	if err := r.store.SAdd(ctx, reverseKey(socketID, room.Kind), room.Key); err != nil {
		// Best-effort rollback of the partial forward entry.
		_ = r.store.HDel(ctx, roomKey(room), socketID)
		return fmt.Errorf("register room %s for socket: %w", room, err)
	}
	return nil
}

// Unsubscribe removes both sides of the subscription and deletes the room
// hash once it empties. Idempotent.
func (r *Registry) Unsubscribe(ctx context.Context, socketID string, room rooms.Room) error {
	if err := r.store.HDel(ctx, roomKey(room), socketID); err != nil {
		return fmt.Errorf("remove socket from room %s: %w", room, err)
	}
	if n, err := r.store.HLen(ctx, roomKey(room)); err == nil && n == 0 {
		_ = r.store.Del(ctx, roomKey(room))
	}
	if err := r.store.SRem(ctx, reverseKey(socketID, room.Kind), room.Key); err != nil {
		return fmt.Errorf("remove room %s from socket index: %w", room, err)
	}
	return nil
}

// Touch refreshes last_seen_ms for every room the socket is subscribed to
// and returns those rooms. Used on inbound ping.
func (r *Registry) Touch(ctx context.Context, socketID string) ([]rooms.Room, error) {
	subscribed, err := r.Rooms(ctx, socketID)
	if err != nil {
		return nil, err
	}
	nowMs := strconv.FormatInt(r.now().UnixMilli(), 10)
	for _, room := range subscribed {
		if err := r.store.HSet(ctx, roomKey(room), socketID, nowMs); err != nil {
			return subscribed, fmt.Errorf("refresh %s: %w", room, err)
		}
	}
	return subscribed, nil
}

// Rooms returns every room the socket is subscribed to, per the reverse
// index (authoritative on cleanup).
func (r *Registry) Rooms(ctx context.Context, socketID string) ([]rooms.Room, error) {
	var out []rooms.Room
	geohashes, err := r.store.SMembers(ctx, reverseKey(socketID, rooms.KindGeohash))
	if err != nil {
		return nil, fmt.Errorf("read geohash index: %w", err)
	}
	for _, g := range geohashes {
		out = append(out, rooms.Geohash(g))
	}
	projects, err := r.store.SMembers(ctx, reverseKey(socketID, rooms.KindProject))
	if err != nil {
		return nil, fmt.Errorf("read project index: %w", err)
	}
	for _, p := range projects {
		out = append(out, rooms.Project(p))
	}
	return out, nil
}

// Subscriber is one room membership record.
type Subscriber struct {
	SocketID   string
	LastSeenMs int64
}

// ActiveSubscribers returns the room's members minus exclude. It does not
// filter by staleness; callers may inspect LastSeenMs and schedule
// opportunistic cleanup via IsStale.
func (r *Registry) ActiveSubscribers(ctx context.Context, room rooms.Room, exclude ...string) ([]Subscriber, error) {
	fields, err := r.store.HGetAll(ctx, roomKey(room))
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", room, err)
	}
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	subs := make([]Subscriber, 0, len(fields))
	for socketID, raw := range fields {
		if excluded[socketID] {
			continue
		}
		last, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			r.logger.WithFields(logging.Fields{
				"room":      room.String(),
				"socket_id": socketID,
				"value":     raw,
			}).Warn("Dropping subscription record with malformed last_seen")
			continue
		}
		subs = append(subs, Subscriber{SocketID: socketID, LastSeenMs: last})
	}
	return subs, nil
}

// IsStale reports whether a record's last_seen exceeds the stale expiry.
func (r *Registry) IsStale(lastSeenMs int64) bool {
	return r.now().UnixMilli()-lastSeenMs > r.staleExpiry.Milliseconds()
}

// IdleExpiry returns the configured idle expiry.
func (r *Registry) IdleExpiry() time.Duration {
	return r.idleExpiry
}

// Cleanup removes every record for the socket in the named scopes, treating
// the reverse index as authoritative and tolerating missing forward keys.
// Idempotent; duplicate execution across processes is harmless.
func (r *Registry) Cleanup(ctx context.Context, socketID string, scopes ...rooms.Kind) error {
	if len(scopes) == 0 {
		scopes = []rooms.Kind{rooms.KindGeohash, rooms.KindProject}
	}
	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, kind := range scopes {
		keys, err := r.store.SMembers(ctx, reverseKey(socketID, kind))
		if err != nil {
			record(fmt.Errorf("read %s index for %s: %w", kind, socketID, err))
			continue
		}
		scopeClean := true
		for _, key := range keys {
			room := rooms.Room{Kind: kind, Key: key}
			if err := r.store.HDel(ctx, roomKey(room), socketID); err != nil {
				record(fmt.Errorf("clean %s: %w", room, err))
				scopeClean = false
				continue
			}
			if n, err := r.store.HLen(ctx, roomKey(room)); err == nil && n == 0 {
				_ = r.store.Del(ctx, roomKey(room))
			}
		}
		// Keep the reverse index around if any forward removal failed so a
		// retry can finish the job.
		if scopeClean {
			if err := r.store.Del(ctx, reverseKey(socketID, kind)); err != nil {
				record(fmt.Errorf("delete %s index for %s: %w", kind, socketID, err))
			}
		}
	}
	return firstErr
}
