package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const DefaultLeaseKey = "scheduler:tick:lock"

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease lets one scheduler instance scan per interval.
type Lease interface {
	Acquire(ctx context.Context) (release func(context.Context), ok bool, err error)
}

type RedisLease struct {
	rdb      redis.Cmdable
	key      string
	ttl      time.Duration
	newToken func() string
}

var _ Lease = (*RedisLease)(nil)

func NewRedisLease(rdb redis.Cmdable, key string, ttl time.Duration) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	return &RedisLease{rdb: rdb, key: key, ttl: ttl, newToken: uuid.NewString}
}

// Acquire sets the lease key with NX and a TTL. ok is false when another
// holder has it.
func (l *RedisLease) Acquire(ctx context.Context) (func(context.Context), bool, error) {
	token := l.newToken()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) {
		_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
	}
	return release, true, nil
}
