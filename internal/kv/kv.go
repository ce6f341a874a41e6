// Package kv wraps the shared Redis registry with the primitive hash and
// set operations the relay consumes. All keys carry the parkbeat: prefix;
// every operation is retried once inline before surfacing the failure.
package kv

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"parkbeat/pkg/logging"
)

const keyPrefix = "parkbeat:"

// Store is a thin wrapper over the external KV store. Shared by every
// relay process; each key is mutated under Redis's own atomicity.
type Store struct {
	client goredis.UniversalClient
	logger logging.Logger
}

// NewStore creates a registry store over an established Redis client.
func NewStore(client goredis.UniversalClient, logger logging.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Key returns the fully prefixed form of a logical key name.
func (s *Store) Key(name string) string {
	return keyPrefix + name
}

func (s *Store) retry(ctx context.Context, op string, key string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	s.logger.WithError(err).WithFields(logging.Fields{
		"op":  op,
		"key": key,
	}).Warn("KV operation failed, retrying once")
	if err = fn(); err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"op":  op,
			"key": key,
		}).Error("KV operation failed after retry")
	}
	return err
}

// HSet writes one hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	k := s.Key(key)
	return s.retry(ctx, "hset", k, func() error {
		return s.client.HSet(ctx, k, field, value).Err()
	})
}

// HGet reads one hash field. Missing fields return ("", false, nil).
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	k := s.Key(key)
	var val string
	var found bool
	err := s.retry(ctx, "hget", k, func() error {
		v, err := s.client.HGet(ctx, k, field).Result()
		if err == goredis.Nil {
			val, found = "", false
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	k := s.Key(key)
	return s.retry(ctx, "hdel", k, func() error {
		return s.client.HDel(ctx, k, fields...).Err()
	})
}

// HLen returns the number of fields in a hash. Missing keys count zero.
func (s *Store) HLen(ctx context.Context, key string) (int64, error) {
	k := s.Key(key)
	var n int64
	err := s.retry(ctx, "hlen", k, func() error {
		v, err := s.client.HLen(ctx, k).Result()
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// HGetAll reads a full hash. Missing keys return an empty map; callers
// treat that the same as an empty room.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	k := s.Key(key)
	var out map[string]string
	err := s.retry(ctx, "hgetall", k, func() error {
		v, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	k := s.Key(key)
	return s.retry(ctx, "sadd", k, func() error {
		return s.client.SAdd(ctx, k, toAny(members)...).Err()
	})
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	k := s.Key(key)
	return s.retry(ctx, "srem", k, func() error {
		return s.client.SRem(ctx, k, toAny(members)...).Err()
	})
}

// SMembers reads all members of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	k := s.Key(key)
	var out []string
	err := s.retry(ctx, "smembers", k, func() error {
		v, err := s.client.SMembers(ctx, k).Result()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Del deletes whole keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.Key(k)
	}
	return s.retry(ctx, "del", prefixed[0], func() error {
		return s.client.Del(ctx, prefixed...).Err()
	})
}

func toAny(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
