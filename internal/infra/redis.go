package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/knowyourmechanic/kym-api/internal/config"
)

// ErrNoRedis is returned when REDIS_URL is empty. Callers in development
// treat it as "run without idempotency and rate limits".
var ErrNoRedis = errors.New("REDIS_URL is not set")

// RedisOptions turns the app config into client options.
func RedisOptions(cfg config.Config) (*redis.Options, error) {
	if cfg.RedisURL == "" {
		return nil, ErrNoRedis
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	if cfg.RedisPoolSize > 0 {
		opt.PoolSize = cfg.RedisPoolSize
	}
	return opt, nil
}

// NewRedisClient builds the cache used for idempotent replays and OTP limits
// and verifies it answers.
func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	opt, err := RedisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	return client, nil
}
