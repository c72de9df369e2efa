package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// RedisClient defines the Redis operations needed by the query cache.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// CacheConfig holds configuration for the query cache.
type CacheConfig struct {
	Prefix              string
	QueriesTTL          time.Duration
	EnableMetrics       bool
	GracefulDegradation bool // Continue without cache if Redis is unavailable
}

// DefaultCacheConfig returns a default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:              "sourcewatch",
		QueriesTTL:          6 * time.Hour,
		EnableMetrics:       true,
		GracefulDegradation: true,
	}
}

// CacheMetrics tracks cache hit/miss statistics.
type CacheMetrics struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// QueryCache caches generated search queries per question.
type QueryCache struct {
	client  RedisClient
	config  CacheConfig
	logger  *slog.Logger
	metrics *CacheMetrics
	healthy atomic.Bool
}

// NewQueryCache creates a QueryCache. A nil or unreachable client yields a
// disabled cache whose lookups always miss.
func NewQueryCache(client RedisClient, logger *slog.Logger, config CacheConfig) *QueryCache {
	if logger == nil {
		logger = slog.Default()
	}

	qc := &QueryCache{
		client:  client,
		config:  config,
		logger:  logger.With("component", "query_cache"),
		metrics: &CacheMetrics{},
	}

	if client == nil {
		return qc
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		qc.logger.Warn("Redis connection failed, query cache will be disabled", "error", err)
		return qc
	}

	qc.healthy.Store(true)
	return qc
}

// IsHealthy returns whether the cache is operational.
func (qc *QueryCache) IsHealthy() bool {
	return qc.client != nil && qc.healthy.Load()
}

// GetMetrics returns current cache metrics.
func (qc *QueryCache) GetMetrics() CacheMetrics {
	return CacheMetrics{
		Hits:   atomic.LoadUint64(&qc.metrics.Hits),
		Misses: atomic.LoadUint64(&qc.metrics.Misses),
		Errors: atomic.LoadUint64(&qc.metrics.Errors),
	}
}

// Health implements the readiness check contract.
func (qc *QueryCache) Health(ctx context.Context) error {
	if qc.client == nil {
		return fmt.Errorf("query cache not configured")
	}
	return qc.client.Ping(ctx)
}

// GetQueries returns cached search queries for a question.
func (qc *QueryCache) GetQueries(ctx context.Context, question string) ([]string, bool) {
	if !qc.IsHealthy() {
		return nil, false
	}

	key := qc.queriesKey(question)
	data, err := qc.client.Get(ctx, key)
	if err != nil {
		qc.count(&qc.metrics.Misses)
		qc.logger.Debug("query cache miss", "key", key)
		return nil, false
	}

	var queries []string
	if err := json.Unmarshal([]byte(data), &queries); err != nil {
		qc.count(&qc.metrics.Errors)
		qc.logger.Warn("failed to decode cached queries", "key", key, "error", err)
		return nil, false
	}

	qc.count(&qc.metrics.Hits)
	qc.logger.Debug("query cache hit", "key", key, "queries", len(queries))
	return queries, true
}

// SetQueries caches search queries for a question. Empty lists are not cached.
func (qc *QueryCache) SetQueries(ctx context.Context, question string, queries []string) error {
	if !qc.IsHealthy() || len(queries) == 0 {
		return nil
	}

	data, err := json.Marshal(queries)
	if err != nil {
		return fmt.Errorf("failed to encode queries: %w", err)
	}

	key := qc.queriesKey(question)
	if err := qc.client.Set(ctx, key, string(data), qc.config.QueriesTTL); err != nil {
		qc.count(&qc.metrics.Errors)
		qc.logger.Error("failed to cache queries", "key", key, "error", err)
		if qc.config.GracefulDegradation {
			return nil
		}
		return err
	}
	return nil
}

// Invalidate removes the cached queries of a question.
func (qc *QueryCache) Invalidate(ctx context.Context, question string) error {
	if !qc.IsHealthy() {
		return nil
	}
	return qc.client.Del(ctx, qc.queriesKey(question))
}

func (qc *QueryCache) count(counter *uint64) {
	if qc.config.EnableMetrics {
		atomic.AddUint64(counter, 1)
	}
}

func (qc *QueryCache) queriesKey(question string) string {
	return fmt.Sprintf("%s:queries:%s", qc.config.Prefix, hashQuestion(question))
}

// hashQuestion hashes a whitespace- and case-normalised question.
func hashQuestion(question string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(question), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
