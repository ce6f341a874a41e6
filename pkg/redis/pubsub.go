package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"parkbeat/pkg/logging"
)

// TypedPubSub carries one JSON-encoded message type over a Redis channel.
// Every subscriber receives every message, the publisher included; the relay
// bus depends on that loopback.
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func NewTypedPubSub[T any](client goredis.UniversalClient, logger logging.Logger) *TypedPubSub[T] {
	return &TypedPubSub[T]{client: client, logger: logger}
}

func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal pubsub message: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers decoded messages to handler until ctx is done. Messages
// that fail to decode are logged and skipped; the stream keeps going.
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, channel string, handler func(T)) error {
	sub := p.client.Subscribe(ctx, channel)
	defer sub.Close()

	// Confirm the subscription before reporting success to the caller.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var decoded T
			if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
				p.logger.WithError(err).WithField("channel", channel).Warn("Dropping undecodable pubsub message")
				continue
			}
			handler(decoded)
		}
	}
}
