package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/encuestas/backend/core"
)

const keyPrefix = "encuestas:lock:"

// release only deletes the key if it still holds our token: an expired lock may have been taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type (
	RedisLocker struct {
		rdb redis.UniversalClient
	}

	redisLock struct {
		rdb   redis.UniversalClient
		key   string
		token string
	}
)

var _ core.Locker = (*RedisLocker)(nil) // interface compliance check

func NewRedis(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (core.Lock, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring lock %s", key)
	}
	if !ok {
		return nil, core.ErrLockHeld
	}
	return &redisLock{rdb: l.rdb, key: keyPrefix + key, token: token}, nil
}

func (l *redisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return errors.Wrapf(err, "releasing lock %s", l.key)
	}
	return nil
}
