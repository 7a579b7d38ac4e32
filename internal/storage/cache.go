package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Event is a daemon-visible pipeline notification (spec §4.9 "event
// fan-out"): chunk.stored, file.completed, ingest.completed, consolidation
// lifecycle events, and so on.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Cache is the Storage Service's optional cache tier (spec §4.6): retrieval
// result caching plus the pub/sub event bus the daemon's clients subscribe
// to. A nil Cache is valid: callers skip it, per §4.6's dual-write
// best-effort semantics.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context) (<-chan Event, func())
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Close() error
}

const eventChannel = "atlas:events"

// RedisCache is a Redis-backed Cache.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache connects to Redis and verifies reachability with a ping.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, eventChannel, data).Err()
}

func (c *RedisCache) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, 16)
	sub := c.client.Subscribe(ctx, eventChannel)
	go func() {
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn().Err(err).Msg("storage: discarding malformed event")
				continue
			}
			select {
			case ch <- ev:
			default:
				log.Warn().Str("type", ev.Type).Msg("storage: event subscriber channel full, dropping event")
			}
		}
	}()
	cancel := func() {
		_ = sub.Close()
		close(ch)
	}
	return ch, cancel
}

// AcquireLock implements the consolidation lock (spec §4.5, §4.9) as a
// Redis SETNX with a safety-valve TTL: a crashed holder's lock still expires.
func (c *RedisCache) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, holder, ttl).Result()
}

func (c *RedisCache) Close() error { return c.client.Close() }
