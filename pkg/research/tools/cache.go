package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mikeboe/deep-researcher/pkg/research"
)

// Cache stores extracted page text by key.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the Redis server at redisURL and verifies it
// answers a PING.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to reach redis: %w", err)
	}
	return &RedisCache{client: client, prefix: "deep-researcher:extract:"}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedExtractor serves page text from Cache when present and stores
// successful extractions from Next. Cache errors are logged, never returned.
type CachedExtractor struct {
	Next   research.ContentExtractor
	Cache  Cache
	TTL    time.Duration
	Logger *slog.Logger
}

func (c *CachedExtractor) Extract(ctx context.Context, url string) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	key := cacheKey(url)

	if text, ok, err := c.Cache.Get(ctx, key); err != nil {
		logger.Warn("Extraction cache read failed", "url", url, "error", err)
	} else if ok {
		logger.Debug("Extraction cache hit", "url", url)
		return text, nil
	}

	text, err := c.Next.Extract(ctx, url)
	if err != nil || text == "" {
		return text, err
	}
	if err := c.Cache.Set(ctx, key, text, c.TTL); err != nil {
		logger.Warn("Extraction cache write failed", "url", url, "error", err)
	}
	return text, nil
}

func cacheKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
