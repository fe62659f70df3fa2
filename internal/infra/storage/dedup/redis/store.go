// Package redis provides a deduplication store shared by every consumer
// instance through Redis. Expired records are reclaimed by Redis key expiry.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/taskpulse/internal/domain/monitoring"
	"github.com/ahrav/taskpulse/internal/infra/storage"
)

var _ monitoring.DedupStore = (*Store)(nil)

// claimScript claims an event ID unless an unexpired record held under a
// different token exists.
// KEYS[1] = record key
// ARGV[1] = observedAt (unix microseconds)
// ARGV[2] = expiresAt (unix microseconds)
// ARGV[3] = key TTL in milliseconds
// ARGV[4] = claim token
//
// The record's expiry is stored alongside the token so the boundary is judged
// against observedAt rather than the Redis server clock.
var claimScript = redis.NewScript(`
local observed = tonumber(ARGV[1])
local rec = redis.call("HMGET", KEYS[1], "expires", "token")
if rec[1] then
    if ARGV[4] ~= "" and rec[2] == ARGV[4] then
        return 1
    end
    if observed < tonumber(rec[1]) then
        return 0
    end
end
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], "expires", ARGV[2], "token", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// releaseScript deletes KEYS[1] only while it is held under ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "token") == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

const defaultKeyPrefix = "taskpulse:dedup:"

// Store is a Redis backed monitoring.DedupStore.
type Store struct {
	client    redis.UniversalClient
	retention time.Duration
	prefix    string
	tracer    trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option { return func(s *Store) { s.prefix = prefix } }

// NewStore returns a Store using client.
func NewStore(client redis.UniversalClient, retention time.Duration, tracer trace.Tracer, opts ...Option) *Store {
	s := &Store{client: client, retention: retention, prefix: defaultKeyPrefix, tracer: tracer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(eventID string) string { return s.prefix + eventID }

// TryClaim runs the claim script for eventID.
func (s *Store) TryClaim(ctx context.Context, eventID, token string, observedAt time.Time) (monitoring.ClaimResult, error) {
	attrs := storage.Attrs(storage.DefaultRedisAttributes, attribute.String("event_id", eventID))

	var result monitoring.ClaimResult
	err := storage.ExecuteAndTrace(ctx, s.tracer, "redis.dedup.try_claim", attrs, func(ctx context.Context) error {
		observed, expiresAt := storage.ClaimWindow(observedAt, s.retention)
		ttl := s.retention.Milliseconds()
		if ttl <= 0 {
			ttl = 1
		}

		res, err := claimScript.Run(ctx, s.client, []string{s.key(eventID)},
			observed.UnixMicro(), expiresAt.UnixMicro(), ttl, token).Int64()
		if err != nil {
			return monitoring.NewTransientStoreError("claim", fmt.Errorf("redis claim script: %w", err))
		}

		if res == 1 {
			result = monitoring.ClaimResultClaimed
		} else {
			result = monitoring.ClaimResultAlreadyApplied
		}
		return nil
	})
	return result, err
}

// SweepExpired is a no-op; Redis expires keys on its own.
func (s *Store) SweepExpired(context.Context, time.Time) (int, error) { return 0, nil }

// Release deletes the record for eventID if it is held under token.
func (s *Store) Release(ctx context.Context, eventID, token string) error {
	attrs := storage.Attrs(storage.DefaultRedisAttributes, attribute.String("event_id", eventID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "redis.dedup.release", attrs, func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, s.client, []string{s.key(eventID)}, token).Err(); err != nil {
			return monitoring.NewTransientStoreError("release", fmt.Errorf("redis release script: %w", err))
		}
		return nil
	})
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return monitoring.NewTransientStoreError("ping", err)
	}
	return nil
}

// expiresAt returns the stored expiry for eventID. Used by tests.
func (s *Store) expiresAt(ctx context.Context, eventID string) (time.Time, error) {
	v, err := s.client.HGet(ctx, s.key(eventID), "expires").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	micros, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(micros), nil
}
