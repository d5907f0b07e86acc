package shortener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-pipeline/internal/common/logger"
	"notification-pipeline/internal/common/metrics"
)

const cacheKeyPrefix = "shortlink:"

// Cached memoizes another Shortener in Redis. Redis errors never fail a
// lookup; they fall through to the wrapped shortener.
type Cached struct {
	next Shortener
	rdb  redis.Cmdable
	ttl  time.Duration
	log  logger.Logger
}

var _ Shortener = (*Cached)(nil)

func NewCached(next Shortener, rdb redis.Cmdable, ttl time.Duration, log logger.Logger) *Cached {
	return &Cached{next: next, rdb: rdb, ttl: ttl, log: log}
}

func cacheKey(originalURL string) string {
	sum := sha256.Sum256([]byte(originalURL))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *Cached) Shorten(ctx context.Context, originalURL string) (string, error) {
	key := cacheKey(originalURL)

	short, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && short != "":
		metrics.ShortenerLookups.WithLabelValues("cache_hit").Inc()
		return short, nil
	case err != nil && !errors.Is(err, redis.Nil):
		c.log.Warn("short link cache read failed", map[string]interface{}{"error": err})
	}

	short, err = c.next.Shorten(ctx, originalURL)
	if err != nil {
		return "", err
	}

	if err := c.rdb.Set(ctx, key, short, c.ttl).Err(); err != nil {
		c.log.Warn("short link cache write failed", map[string]interface{}{"error": err})
	}
	return short, nil
}
