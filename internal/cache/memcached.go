package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements Cache on top of a Memcached server
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

// NewMemcached creates a new Memcached cache
func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211 // Default Memcached port
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))
	if m.config.Timeout > 0 {
		m.client.Timeout = m.config.Timeout
	}

	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	if !m.isConnected {
		return nil
	}
	m.isConnected = false
	m.client = nil
	return nil
}

// Type returns the type of the cache
func (m *Memcached) Type() string {
	return "memcached"
}

// Get retrieves a value from the cache
func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	if !m.isConnected {
		return nil, ErrNotConnected
	}

	item, err := m.client.Get(m.config.Prefix + key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.Value, nil
}

// Set stores a value in the cache with an optional expiration
func (m *Memcached) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	// Memcached expirations are whole seconds
	var seconds int32
	if ttl > 0 {
		seconds = int32((ttl + time.Second - 1) / time.Second)
	}

	return m.client.Set(&memcache.Item{
		Key:        m.config.Prefix + key,
		Value:      value,
		Expiration: seconds,
	})
}

// Delete removes a value from the cache
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Delete(m.config.Prefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
