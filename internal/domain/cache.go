package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key is absent. Reports whether it was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used for purchase velocity (tickets bought by one user or device in a window).
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type" env:"CANOMALY_CACHE_TYPE"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size" env:"CANOMALY_CACHE_LOCAL_MAX_SIZE"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl" env:"CANOMALY_CACHE_LOCAL_TTL"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr" env:"CANOMALY_REDIS_ADDR"`
	RedisPassword string `json:"-" yaml:"redis_password" env:"CANOMALY_REDIS_PASSWORD"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db" env:"CANOMALY_REDIS_DB"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase" env:"CANOMALY_CACHE_TWO_PHASE"` // If true, check local first, then Redis
}
