package cache

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a short lived byte cache placed in front of slower storage.
// Implementations never need to be authoritative: a miss always falls back
// to the backing store.
type Cache interface {
	// Connect establishes a connection to the cache
	Connect() error

	// Close closes the connection to the cache
	Close() error

	// Type returns the type of the cache ("memory", "redis" or "memcached")
	Type() string

	// Get retrieves a value from the cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache, expiring it after ttl when ttl > 0
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the cache. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config represents the configuration for a cache
type Config struct {
	Type     string // memory, redis or memcached
	Prefix   string // prepended to every key
	Host     string
	Port     int
	Password string
	Database int // Redis database number
	Timeout  time.Duration
}

// New creates a cache based on configuration. The cache is not connected.
func New(config Config) (Cache, error) {
	switch config.Type {
	case "memory", "":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, errors.New("unsupported cache type: " + config.Type)
	}
}
