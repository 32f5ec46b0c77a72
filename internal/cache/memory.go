package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value []byte
	timer *time.Timer
}

// Memory is an in-process cache. Each key carries its own eviction timer,
// so an entry lives exactly ttl after the last Set.
type Memory struct {
	config    Config
	items     map[string]*memoryItem
	mu        sync.Mutex
	connected bool
}

// NewMemory creates a new in-memory cache
func NewMemory(config Config) *Memory {
	return &Memory{
		config: config,
		items:  make(map[string]*memoryItem),
	}
}

// Connect marks the cache usable
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close stops all eviction timers and clears the cache
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.timer != nil {
			item.timer.Stop()
		}
	}
	m.items = make(map[string]*memoryItem)
	m.connected = false
	return nil
}

// Type returns the type of this cache
func (m *Memory) Type() string {
	return "memory"
}

// Len returns the number of cached keys
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Get retrieves a value from the cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, ErrNotConnected
	}

	item, found := m.items[m.config.Prefix+key]
	if !found {
		return nil, ErrNotFound
	}
	return item.value, nil
}

// Set stores a value in the cache
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	key = m.config.Prefix + key
	if old, found := m.items[key]; found && old.timer != nil {
		old.timer.Stop()
	}

	item := &memoryItem{value: value}
	if ttl > 0 {
		item.timer = time.AfterFunc(ttl, func() { m.expire(key, item) })
	}
	m.items[key] = item
	return nil
}

// expire removes key only if it still maps to item; a newer Set wins.
func (m *Memory) expire(key string, item *memoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[key] == item {
		delete(m.items, key)
	}
}

// Delete removes a value from the cache
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}

	key = m.config.Prefix + key
	if item, found := m.items[key]; found {
		if item.timer != nil {
			item.timer.Stop()
		}
		delete(m.items, key)
	}
	return nil
}
