package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockRedisClient implements RedisClient for testing.
type MockRedisClient struct {
	data    map[string]string
	pingErr error
	setErr  error
	lastTTL time.Duration
}

func NewMockRedisClient() *MockRedisClient {
	return &MockRedisClient{data: make(map[string]string)}
}

func (m *MockRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (m *MockRedisClient) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.data[key] = value.(string)
	m.lastTTL = expiration
	return nil
}

func (m *MockRedisClient) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MockRedisClient) Ping(ctx context.Context) error {
	return m.pingErr
}

func TestQueryCache_RoundTrip(t *testing.T) {
	client := NewMockRedisClient()
	qc := NewQueryCache(client, nil, DefaultCacheConfig())
	ctx := context.Background()

	require.True(t, qc.IsHealthy())

	_, ok := qc.GetQueries(ctx, "What is the pricing?")
	assert.False(t, ok)

	require.NoError(t, qc.SetQueries(ctx, "What is the pricing?", []string{"plan pricing", "enterprise tier"}))
	assert.Equal(t, 6*time.Hour, client.lastTTL)

	// Lookup normalises case and whitespace.
	got, ok := qc.GetQueries(ctx, "  what is   the PRICING? ")
	require.True(t, ok)
	assert.Equal(t, []string{"plan pricing", "enterprise tier"}, got)

	m := qc.GetMetrics()
	assert.Equal(t, uint64(1), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)

	require.NoError(t, qc.Invalidate(ctx, "what is the pricing?"))
	_, ok = qc.GetQueries(ctx, "what is the pricing?")
	assert.False(t, ok)
}

func TestQueryCache_EmptyListNotCached(t *testing.T) {
	client := NewMockRedisClient()
	qc := NewQueryCache(client, nil, DefaultCacheConfig())

	require.NoError(t, qc.SetQueries(context.Background(), "q", nil))
	assert.Empty(t, client.data)
}

func TestQueryCache_Unhealthy(t *testing.T) {
	client := NewMockRedisClient()
	client.pingErr = errors.New("connection refused")
	qc := NewQueryCache(client, nil, DefaultCacheConfig())

	assert.False(t, qc.IsHealthy())
	require.NoError(t, qc.SetQueries(context.Background(), "q", []string{"x"}))
	assert.Empty(t, client.data)

	_, ok := qc.GetQueries(context.Background(), "q")
	assert.False(t, ok)

	nilCache := NewQueryCache(nil, nil, DefaultCacheConfig())
	assert.False(t, nilCache.IsHealthy())
	assert.Error(t, nilCache.Health(context.Background()))
}

func TestQueryCache_SetErrorDegrades(t *testing.T) {
	client := NewMockRedisClient()
	client.setErr = errors.New("OOM")

	qc := NewQueryCache(client, nil, DefaultCacheConfig())
	assert.NoError(t, qc.SetQueries(context.Background(), "q", []string{"x"}))
	assert.Equal(t, uint64(1), qc.GetMetrics().Errors)

	cfg := DefaultCacheConfig()
	cfg.GracefulDegradation = false
	strict := NewQueryCache(client, nil, cfg)
	assert.Error(t, strict.SetQueries(context.Background(), "q", []string{"x"}))
}
