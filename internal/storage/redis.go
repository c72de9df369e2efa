package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by Get for a missing key.
var ErrCacheMiss = errors.New("cache miss")

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// PoolSize defaults to go-redis' own sizing when zero.
	PoolSize int
}

// Redis is the go-redis client narrowed to what the query cache and the
// rate limiter use.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects and pings once.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", rdb.Options().Addr, err)
	}
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// IncrWindow counts one hit on a fixed-window counter. The window starts on
// the first hit; the count and the time left in the window are read back in
// the same transaction, so a counter never outlives its window.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, window)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count hit on %s: %w", key, err)
	}

	left := ttl.Val()
	if left <= 0 {
		left = window
	}
	return incr.Val(), left, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

// Health reports readiness.
func (r *Redis) Health(ctx context.Context) error { return r.Ping(ctx) }

func (r *Redis) Close() error { return r.rdb.Close() }
