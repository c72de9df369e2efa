// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alqutdigital/sourcewatch/internal/api/handlers"
)

// Group names a set of routes that share one limit per client.
type Group string

const (
	LimitSources Group = "sources"
	LimitAsk     Group = "ask"
	LimitRefresh Group = "refresh"
)

// ErrStoreUnavailable is returned by counter stores that cannot be reached.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Limit allows Requests per Window for one client.
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitConfig holds per-group limits. Groups missing from Limits use
// Fallback.
type RateLimitConfig struct {
	Limits   map[Group]Limit
	Fallback Limit

	// GracefulDegradation lets requests through while the store is down.
	// When false they are answered with 503.
	GracefulDegradation bool
}

// DefaultRateLimitConfig returns limits sized for extraction cost: asking
// and listing are cheap, a full refresh re-extracts every active source.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Limits: map[Group]Limit{
			LimitSources: {Requests: 30, Window: time.Minute},
			LimitAsk:     {Requests: 20, Window: time.Minute},
			LimitRefresh: {Requests: 4, Window: time.Hour},
		},
		Fallback:            Limit{Requests: 100, Window: time.Minute},
		GracefulDegradation: true,
	}
}

func (c RateLimitConfig) limitFor(g Group) Limit {
	if l, ok := c.Limits[g]; ok {
		return l
	}
	return c.Fallback
}

// RateLimitStore counts hits in fixed windows.
type RateLimitStore interface {
	// Hit records one request for key and returns the count in the current
	// window together with the time left until it resets.
	Hit(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	IsHealthy() bool
}

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryRateLimitStore keeps windows in process. Use it for a single
// instance or when Redis is not configured.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRateLimitStore starts a store that sweeps expired windows every
// few minutes until Close is called.
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	s := &MemoryRateLimitStore{
		windows: make(map[string]*window),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep(5 * time.Minute)
	return s
}

func (s *MemoryRateLimitStore) Hit(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(ttl)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

func (s *MemoryRateLimitStore) IsHealthy() bool { return true }

func (s *MemoryRateLimitStore) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, w := range s.windows {
				if !now.Before(w.resetAt) {
					delete(s.windows, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (s *MemoryRateLimitStore) Close() {
	s.once.Do(func() { close(s.done) })
}

// RedisClient is the subset of *storage.Redis used for counters.
type RedisClient interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Ping(ctx context.Context) error
}

// RedisRateLimitStore shares windows between API instances.
type RedisRateLimitStore struct {
	client  RedisClient
	prefix  string
	healthy bool
	logger  *slog.Logger
}

// NewRedisRateLimitStore pings client once. A nil or unreachable client
// yields an unhealthy store.
func NewRedisRateLimitStore(client RedisClient, prefix string, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisRateLimitStore{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "rate_limit_store"),
	}
	if client == nil {
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		s.logger.Warn("redis unavailable for rate limiting", "error", err)
		return s
	}
	s.healthy = true
	return s
}

func (s *RedisRateLimitStore) Hit(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if !s.IsHealthy() {
		return 0, 0, ErrStoreUnavailable
	}

	count, left, err := s.client.IncrWindow(ctx, s.prefix+":"+key, ttl)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count, left, nil
}

func (s *RedisRateLimitStore) IsHealthy() bool {
	return s.healthy && s.client != nil
}

// Recorder receives every limiter decision. *metrics.Metrics satisfies it.
type Recorder interface {
	IncRateLimit(group string, allowed bool)
}

// RateLimiter enforces RateLimitConfig per client and route group.
type RateLimiter struct {
	store    RateLimitStore
	config   RateLimitConfig
	recorder Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	counts map[string]uint64
}

// NewRateLimiter creates a limiter over store. recorder may be nil.
func NewRateLimiter(store RateLimitStore, config RateLimitConfig, recorder Recorder, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		store:    store,
		config:   config,
		recorder: recorder,
		logger:   logger.With("component", "rate_limiter"),
		counts:   make(map[string]uint64),
	}
}

// Middleware limits the routes it wraps under group g.
func (rl *RateLimiter) Middleware(g Group) func(next http.Handler) http.Handler {
	limit := rl.config.limitFor(g)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientIP(r)
			key := string(g) + ":" + client

			var (
				count   int64
				resetIn time.Duration
				err     error
			)
			if rl.store.IsHealthy() {
				count, resetIn, err = rl.store.Hit(r.Context(), key, limit.Window)
			} else {
				err = ErrStoreUnavailable
			}
			if err != nil {
				if !errors.Is(err, ErrStoreUnavailable) {
					rl.logger.Error("rate limit check failed", "error", err, "key", key)
				}
				if rl.config.GracefulDegradation {
					next.ServeHTTP(w, r)
					return
				}
				handlers.RespondServiceUnavailable(w, "Rate limiting is temporarily unavailable")
				return
			}

			resetSecs := strconv.Itoa(int(resetIn.Round(time.Second).Seconds()))
			remaining := int64(limit.Requests) - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", resetSecs)

			if count > int64(limit.Requests) {
				rl.record(g, false)
				rl.logger.Warn("rate limit exceeded", "client", client, "group", g, "count", count, "limit", limit.Requests)
				w.Header().Set("Retry-After", resetSecs)
				handlers.RespondError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimit,
					fmt.Sprintf("Rate limit of %d requests per %s exceeded", limit.Requests, limit.Window))
				return
			}

			rl.record(g, true)
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) record(g Group, allowed bool) {
	suffix := "_allowed"
	if !allowed {
		suffix = "_rejected"
	}
	rl.mu.Lock()
	rl.counts[string(g)+suffix]++
	rl.mu.Unlock()

	if rl.recorder != nil {
		rl.recorder.IncRateLimit(string(g), allowed)
	}
}

// GetMetrics returns decision counts keyed "<group>_allowed" and
// "<group>_rejected".
func (rl *RateLimiter) GetMetrics() map[string]any {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	out := make(map[string]any, len(rl.counts))
	for k, v := range rl.counts {
		out[k] = v
	}
	return out
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
