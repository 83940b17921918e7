package utils

import (
	"context"
	"time"

	"chirp/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the Redis client shared by the rate limiter and health checks
type RedisClient struct {
	*redis.Client
}

// NewRedisClient creates a new Redis client. It does not dial; use
// HealthCheck to find out whether the server is reachable.
func NewRedisClient(cfg config.RedisConfig) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		Username: cfg.Username,
		DB:       cfg.DB,

		// Connection pool settings
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeout settings. Rate limit checks sit on the request path, so
		// these stay short and the limiter fails open when they trip.
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,

		// Retry settings
		MaxRetries:      1,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 64 * time.Millisecond,
	})
	return &RedisClient{Client: client}
}

// Close closes the Redis client
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// HealthCheck checks if Redis is healthy
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}
