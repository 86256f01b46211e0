package msgid

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSequenceConfig holds configuration for the Redis-backed counter.
type RedisSequenceConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces counter keys, the device address is appended.
	KeyPrefix string
}

// RedisSequence is a durable Sequence backed by a Redis counter. INCR is
// atomic, so concurrent issuers on the same device never observe the
// same value, and the increment is persisted before the value is
// returned to the caller.
type RedisSequence struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

// NewRedisSequence creates and connects a RedisSequence for one device.
// It pings the server to ensure connectivity before returning.
func NewRedisSequence(
	ctx context.Context,
	cfg *RedisSequenceConfig,
	device string,
	logger zerolog.Logger,
) (*RedisSequence, error) {
	if device == "" {
		return nil, fmt.Errorf("device address is required for a sequence counter")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "msgid"
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

	logger.Info().Str("redis_address", cfg.Addr).Str("device", device).Msg("Sequence counter connected to Redis.")

	return &RedisSequence{
		client: rdb,
		key:    fmt.Sprintf("%s:%s", prefix, device),
		logger: logger.With().Str("component", "RedisSequence").Logger(),
	}, nil
}

// Next increments and returns the device counter. If the increment does
// not complete no value has been issued, so a later retry cannot collide
// with anything handed out here.
func (s *RedisSequence) Next(ctx context.Context) (int64, error) {
	value, err := s.client.Incr(ctx, s.key).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("key", s.key).Msg("Failed to advance sequence counter.")
		return 0, fmt.Errorf("%w: %v", ErrSequenceUnavailable, err)
	}
	return value, nil
}

// Close closes the underlying Redis client.
func (s *RedisSequence) Close() error {
	return s.client.Close()
}

var _ Sequence = (*RedisSequence)(nil)
