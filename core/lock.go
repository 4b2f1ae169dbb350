package core

import (
	"context"
	"errors"
	"time"
)

var ErrLockHeld = errors.New("lock is held by another process")

type (
	// Locker hands out named, expiring locks shared by every process of the deployment.
	Locker interface {
		// Acquire returns ErrLockHeld when the lock is taken.
		Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
	}

	Lock interface {
		Release(ctx context.Context) error
	}
)
