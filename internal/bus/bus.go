// Package bus relays fan-out envelopes between relay processes over Redis
// pub/sub. The registry lists socket ids across the whole tier; each
// process delivers to the sockets it holds locally and ignores the rest.
package bus

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"

	"parkbeat/internal/events"
	"parkbeat/pkg/logging"
	pkgredis "parkbeat/pkg/redis"
)

const channel = "parkbeat:relay"

// Frame is one fan-out unit addressed to a set of sockets.
type Frame struct {
	SocketIDs []string        `json:"socket_ids"`
	Event     events.Kind     `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Bus publishes frames to every relay process, including the publisher.
type Bus struct {
	pubsub *pkgredis.TypedPubSub[Frame]
	logger logging.Logger
}

// New creates a relay bus over an established Redis client.
func New(client goredis.UniversalClient, logger logging.Logger) *Bus {
	return &Bus{
		pubsub: pkgredis.NewTypedPubSub[Frame](client, logger),
		logger: logger,
	}
}

// Publish sends one envelope to the addressed sockets, wherever they live.
func (b *Bus) Publish(ctx context.Context, socketIDs []string, env events.Envelope) error {
	if len(socketIDs) == 0 {
		return nil
	}
	return b.pubsub.Publish(ctx, channel, Frame{
		SocketIDs: socketIDs,
		Event:     env.Event,
		Data:      env.Data,
	})
}

// Deliver is Publish under the fan-out engine's deliverer contract. The
// frame comes back to every process, including this one, through Subscribe.
func (b *Bus) Deliver(ctx context.Context, socketIDs []string, env events.Envelope) error {
	return b.Publish(ctx, socketIDs, env)
}

// Subscribe blocks delivering frames to handler until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, handler func(Frame)) error {
	return b.pubsub.Subscribe(ctx, channel, handler)
}
