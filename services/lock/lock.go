// Package lock provides the named, expiring locks guarding survey publication and ETL runs.
package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/encuestas/backend/core"
)

// New returns a redis-backed locker when an address is configured, an in-process one otherwise.
func New(conf *core.Config) (core.Locker, error) {
	if conf.Redis.Addr == "" {
		return NewLocal(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        conf.Redis.Addr,
		Password:    conf.Redis.Password,
		DB:          conf.Redis.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "pinging redis")
	}
	return NewRedis(rdb), nil
}
