package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		typ  string
		want string
	}{
		{"", "memory"},
		{"memory", "memory"},
		{"redis", "redis"},
		{"memcached", "memcached"},
	}
	for _, tt := range tests {
		c, err := New(Config{Type: tt.typ})
		require.NoError(t, err)
		assert.Equal(t, tt.want, c.Type())
	}

	_, err := New(Config{Type: "disk"})
	assert.Error(t, err)
}

func TestMemoryNotConnected(t *testing.T) {
	m := NewMemory(Config{})
	ctx := context.Background()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Set(ctx, "k", []byte("v"), 0), ErrNotConnected)
	assert.ErrorIs(t, m.Delete(ctx, "k"), ErrNotConnected)
}

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory(Config{Prefix: "body:"})
	require.NoError(t, m.Connect())
	defer m.Close()
	ctx := context.Background()

	_, err := m.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "1", []byte("hello"), 0))
	got, err := m.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, m.Delete(ctx, "1"))
	require.NoError(t, m.Delete(ctx, "1"), "deleting twice is fine")
	_, err = m.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryTTLEviction(t *testing.T) {
	m := NewMemory(Config{})
	require.NoError(t, m.Connect())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	require.NoError(t, m.Set(ctx, "long", []byte("y"), time.Hour))

	assert.Eventually(t, func() bool {
		_, err := m.Get(ctx, "short")
		return err == ErrNotFound
	}, time.Second, 5*time.Millisecond)

	_, err := m.Get(ctx, "long")
	assert.NoError(t, err)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryResetExtendsTTL(t *testing.T) {
	m := NewMemory(Config{})
	require.NoError(t, m.Connect())
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("old"), 10*time.Millisecond))
	require.NoError(t, m.Set(ctx, "k", []byte("new"), time.Hour))

	time.Sleep(50 * time.Millisecond)
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestMemoryClose(t *testing.T) {
	m := NewMemory(Config{})
	require.NoError(t, m.Connect())
	require.NoError(t, m.Set(context.Background(), "k", []byte("v"), time.Hour))

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Len())
	_, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRemoteCachesRequireConnect(t *testing.T) {
	ctx := context.Background()
	for _, c := range []Cache{NewRedis(Config{}), NewMemcached(Config{})} {
		_, err := c.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotConnected, c.Type())
		assert.ErrorIs(t, c.Set(ctx, "k", nil, 0), ErrNotConnected, c.Type())
		assert.NoError(t, c.Close(), c.Type())
	}
}
