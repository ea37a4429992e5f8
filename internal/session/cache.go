package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/campaign-sync/internal/chat"
)

const (
	// DefaultCachePrefix is the Redis key prefix for cached session hashes.
	DefaultCachePrefix = "campaign-sync:session:"

	// DefaultCacheTTL is the time-to-live for cached session keys.
	DefaultCacheTTL = 24 * time.Hour
)

// Cached is the part of a session worth restoring after a restart.
type Cached struct {
	Messages []chat.Message
	Snapshot Snapshot
	SavedAt  time.Time
}

type cachedHash struct {
	Messages string `redis:"messages"`
	Snapshot string `redis:"snapshot"`
	SavedAt  int64  `redis:"saved_at"`
}

// RedisCache stores warm session state in Redis hashes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisCache creates a cache on client. Empty prefix and non-positive ttl
// select the defaults.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(sessionID string) string {
	return c.prefix + sessionID
}

// Save writes the timeline and snapshot of a session and refreshes its TTL.
func (c *RedisCache) Save(ctx context.Context, sessionID string, st State) error {
	if sessionID == "" {
		return nil
	}
	msgs, err := json.Marshal(st.Messages)
	if err != nil {
		return fmt.Errorf("session: marshal messages: %w", err)
	}
	snap, err := json.Marshal(st.Snapshot)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}

	key := c.key(sessionID)
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"messages": string(msgs),
		"snapshot": string(snap),
		"saved_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Load reads a cached session. Returns nil if not found.
func (c *RedisCache) Load(ctx context.Context, sessionID string) (*Cached, error) {
	var h cachedHash
	if err := c.client.HGetAll(ctx, c.key(sessionID)).Scan(&h); err != nil {
		return nil, err
	}
	if h.Messages == "" && h.Snapshot == "" {
		return nil, nil // not found
	}

	out := &Cached{SavedAt: time.Unix(h.SavedAt, 0)}
	var errs []error
	if h.Messages != "" {
		if err := json.Unmarshal([]byte(h.Messages), &out.Messages); err != nil {
			errs = append(errs, fmt.Errorf("messages: %w", err))
		}
	}
	if h.Snapshot != "" && h.Snapshot != "null" {
		if err := json.Unmarshal([]byte(h.Snapshot), &out.Snapshot); err != nil {
			errs = append(errs, fmt.Errorf("snapshot: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: decode cached %s: %w", sessionID, err)
	}
	return out, nil
}

// Delete removes a cached session.
func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, c.key(sessionID)).Err()
}

// RefreshTTL extends the cached session's TTL.
func (c *RedisCache) RefreshTTL(ctx context.Context, sessionID string) error {
	return c.client.Expire(ctx, c.key(sessionID), c.ttl).Err()
}
