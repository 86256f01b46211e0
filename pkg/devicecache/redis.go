package devicecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds configuration for the Redis device cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL must stay short: device addresses go stale when a client
	// re-registers with the broker.
	CacheTTL time.Duration
}

// RedisDeviceCache caches owner-device lists in Redis and falls back to
// the store on a miss, writing the result back in the background.
type RedisDeviceCache struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	fallback    DeviceFetcher
}

// NewRedisDeviceCache creates and connects a RedisDeviceCache. It pings
// the Redis server to ensure connectivity before returning.
func NewRedisDeviceCache(
	ctx context.Context,
	cfg *RedisConfig,
	fallback DeviceFetcher,
	logger zerolog.Logger,
) (*RedisDeviceCache, error) {
	if fallback == nil {
		return nil, fmt.Errorf("device cache requires a fallback fetcher")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Dur("ttl", ttl).Msg("Device cache connected to Redis.")

	return &RedisDeviceCache{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisDeviceCache").Logger(),
		ttl:         ttl,
		fallback:    fallback,
	}, nil
}

// OwnerDevices checks Redis first. A redis.Nil error is a normal cache
// miss; the fallback result is written back in the background so the
// fan-out path is never blocked on a cache write.
func (c *RedisDeviceCache) OwnerDevices(ctx context.Context, eventID string) ([]string, error) {
	key := "ownerdevices:" + eventID

	cached, err := c.redisClient.Get(ctx, key).Result()
	if err == nil {
		var devices []string
		if unmarshalErr := json.Unmarshal([]byte(cached), &devices); unmarshalErr == nil {
			c.logger.Debug().Str("event_id", eventID).Msg("Device cache hit.")
			return devices, nil
		}
		c.logger.Warn().Str("event_id", eventID).Msg("Discarding undecodable cache entry.")
	} else if !errors.Is(err, redis.Nil) {
		// A broken cache must not take down position fan-out; fall through
		// to the store.
		c.logger.Error().Err(err).Str("event_id", eventID).Msg("Unexpected Redis error, falling back to store.")
	}

	devices, err := c.fallback.OwnerDevices(ctx, eventID)
	if err != nil {
		return nil, err
	}

	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		encoded, marshalErr := json.Marshal(devices)
		if marshalErr != nil {
			return
		}
		if writeErr := c.redisClient.Set(writeCtx, key, encoded, c.ttl).Err(); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("event_id", eventID).Msg("Failed to write device list to cache in background.")
		}
	}()

	return devices, nil
}

// Invalidate drops the cached device list for an event. Called when
// event membership changes.
func (c *RedisDeviceCache) Invalidate(ctx context.Context, eventID string) error {
	return c.redisClient.Del(ctx, "ownerdevices:"+eventID).Err()
}

// Close closes the Redis client connection.
func (c *RedisDeviceCache) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis device cache connection...")
		return c.redisClient.Close()
	}
	return nil
}

var _ DeviceFetcher = (*RedisDeviceCache)(nil)
