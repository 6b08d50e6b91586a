// Package cache stores encoded query results for a short time, in process
// (go-cache) or in a shared Redis.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/config"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/logger"
	"github.com/aftabalikhandeveloper/uk-road-safety-api/internal/metrics"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

const (
	defaultTTL = 5 * time.Minute
	keyPrefix  = "roadsafety:"
)

// Cache holds encoded values by key. Implementations are safe for
// concurrent use; a failing backend behaves like a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte)
	// Flush drops every cached entry. It is called after data changes.
	Flush(ctx context.Context) error
	Close() error
}

// New opens the configured backend. An unreachable Redis falls back to the
// in-process cache.
func New(ctx context.Context, cfg config.Cache) Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	switch cfg.Backend {
	case BackendNone:
		return Nop{}
	case BackendRedis:
		r, err := NewRedis(ctx, cfg, ttl)
		if err == nil {
			return r
		}
		logger.L().Warn("Redis cache unavailable, using memory cache", "addr", cfg.RedisAddr, "error", err)
	}
	return NewMemory(ttl)
}

// Key joins a route name and its parameters into a cache key.
func Key(route string, params ...any) string {
	var b strings.Builder
	b.WriteString(route)
	for _, p := range params {
		fmt.Fprintf(&b, ":%v", p)
	}
	return b.String()
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors are never cached.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, load func() (T, error)) (T, error) {
	if raw, ok := c.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheHitsTotal.Inc()
			return v, nil
		}
	}
	metrics.CacheMissesTotal.Inc()

	v, err := load()
	if err != nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		c.Set(ctx, key, raw)
	}
	return v, nil
}

// Memory is an in-process cache.
type Memory struct {
	c *gocache.Cache
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{c: gocache.New(ttl, 2*ttl)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (m *Memory) Set(_ context.Context, key string, value []byte) {
	m.c.SetDefault(key, value)
}

func (m *Memory) Flush(context.Context) error {
	m.c.Flush()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of live entries.
func (m *Memory) Len() int { return m.c.ItemCount() }

// Redis shares cached results between API instances.
type Redis struct {
	rc  *redis.Client
	ttl time.Duration
}

// NewRedis connects and pings the server. The password is read from the
// environment variable named in cfg.PasswordEnv.
func NewRedis(ctx context.Context, cfg config.Cache, ttl time.Duration) (*Redis, error) {
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("cache.redis_addr is not set")
	}
	var pass string
	if cfg.PasswordEnv != "" {
		pass = os.Getenv(cfg.PasswordEnv)
	}
	rc := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    pass,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		rc.Close()
		return nil, err
	}
	logger.L().Debug("Redis cache connected", "addr", cfg.RedisAddr, "db", cfg.DB)
	return &Redis{rc: rc, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	b, err := r.rc.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.L().Debug("Redis get failed", "key", key, "error", err)
		}
		return nil, false
	}
	return b, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) {
	if err := r.rc.Set(ctx, keyPrefix+key, value, r.ttl).Err(); err != nil {
		logger.L().Debug("Redis set failed", "key", key, "error", err)
	}
}

// Flush deletes only this application's keys.
func (r *Redis) Flush(ctx context.Context) error {
	iter := r.rc.Scan(ctx, 0, keyPrefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := r.rc.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.rc.Del(ctx, batch...).Err()
	}
	return nil
}

func (r *Redis) Close() error { return r.rc.Close() }

// Nop caches nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Nop) Set(context.Context, string, []byte)        {}
func (Nop) Flush(context.Context) error                { return nil }
func (Nop) Close() error                               { return nil }
