package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
)

// RateLimiter answers whether one more request under the key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// localLimiter keeps a per-key token bucket in process memory. Suitable for a
// single API instance.
type localLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter allows perMinute requests per key with a burst of the same
// size, cleaning up idle keys in the background.
func NewLocalLimiter(perMinute int) RateLimiter {
	l := &localLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
	}
	go l.cleanup()
	return l
}

func (l *localLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	l.mu.Unlock()
	return limiter.Allow(), nil
}

func (l *localLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}

// redisLimiter is a fixed-window counter shared across API instances.
type redisLimiter struct {
	client    *redis.Client
	perMinute int
}

// NewRedisLimiter builds a distributed limiter over the given Redis client.
func NewRedisLimiter(client *redis.Client, perMinute int) RateLimiter {
	return &redisLimiter{client: client, perMinute: perMinute}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	window := time.Now().Unix() / 60
	bucket := fmt.Sprintf("ratelimit:%s:%d", key, window)

	count, err := l.client.Incr(ctx, bucket).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, bucket, 2*time.Minute).Err(); err != nil {
			return false, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	return count <= int64(l.perMinute), nil
}

// NewRateLimiterFromConfig picks the Redis limiter when a Redis URL is
// configured, the in-process one otherwise.
func NewRateLimiterFromConfig(cfg *config.Config) (RateLimiter, error) {
	if cfg.RedisURL == "" {
		return NewLocalLimiter(cfg.RateLimitPerMin), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLimiter(redis.NewClient(opts), cfg.RateLimitPerMin), nil
}

// rateLimitMiddleware keys the limiter by tenant when authenticated, client
// IP otherwise.
func rateLimitMiddleware(limiter RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ""
		if claims := ClaimsFrom(r.Context()); claims != nil {
			key = "tenant:" + claims.TenantID
		} else {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			key = "ip:" + ip
		}

		ok, err := limiter.Allow(r.Context(), key)
		if err != nil {
			// A broken limiter backend should not take the API down.
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			WriteTooManyRequests(w, 60, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}
