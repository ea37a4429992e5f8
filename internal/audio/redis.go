package audio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces playback keys.
	DefaultRedisPrefix = "campaign-sync:audio:"
	// DefaultRedisTTL bounds how long an idle group lingers.
	DefaultRedisTTL = time.Hour

	keyGroupPrefix = "group:" // + <playback_group> -> Sorted set, score = sequence number
	keySeen        = "seen"   // Set of accepted chunk ids
)

// RedisQueue is a PlaybackQueue shared with an out-of-process player. Each
// playback group is a sorted set scored by sequence number, so a consumer
// popping the minimum always sees the group in order.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisQueue creates a queue backed by Redis. Empty prefix and
// non-positive ttl select the defaults.
func NewRedisQueue(rdb *redis.Client, prefix string, ttl time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, ttl: ttl}
}

// GroupKey returns the Redis key holding a playback group.
func (q *RedisQueue) GroupKey(playbackGroup string) string {
	return q.prefix + keyGroupPrefix + playbackGroup
}

// Enqueue adds e to its group unless its id was already accepted.
func (q *RedisQueue) Enqueue(ctx context.Context, e Entry) (bool, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("audio: marshal entry: %w", err)
	}

	seenKey := q.prefix + keySeen
	added, err := q.rdb.SAdd(ctx, seenKey, e.ID).Result()
	if err != nil {
		return false, fmt.Errorf("audio: mark seen: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	groupKey := q.GroupKey(e.PlaybackGroup)
	pipe := q.rdb.Pipeline()
	pipe.ZAdd(ctx, groupKey, redis.Z{Score: float64(e.SequenceNumber), Member: data})
	pipe.Expire(ctx, groupKey, q.ttl)
	pipe.Expire(ctx, seenKey, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// Let a redelivery try again.
		q.rdb.SRem(ctx, seenKey, e.ID)
		return false, fmt.Errorf("audio: enqueue: %w", err)
	}
	return true, nil
}

// Group returns the entries of a playback group in sequence order.
func (q *RedisQueue) Group(ctx context.Context, playbackGroup string) ([]Entry, error) {
	members, err := q.rdb.ZRange(ctx, q.GroupKey(playbackGroup), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(members))
	for _, m := range members {
		var e Entry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("audio: decode entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
