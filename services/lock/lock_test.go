package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/encuestas/backend/core"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal()

	first, err := locker.Acquire(ctx, "etl:run", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err = locker.Acquire(ctx, "etl:run", time.Minute); err != core.ErrLockHeld {
		t.Errorf("Acquire() on held lock error = %v, want %v", err, core.ErrLockHeld)
	}
	if _, err = locker.Acquire(ctx, "publish:survey:1", time.Minute); err != nil {
		t.Errorf("Acquire() on other key error = %v", err)
	}

	if err = first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err = locker.Acquire(ctx, "etl:run", time.Minute); err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
}

func TestLocalLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal()

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }
	defer func() { nowFunc = time.Now }()

	stale, err := locker.Acquire(ctx, "etl:run", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(2 * time.Minute)
	fresh, err := locker.Acquire(ctx, "etl:run", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}

	// the expired holder must not release the new holder's lock
	_ = stale.Release(ctx)
	if _, err = locker.Acquire(ctx, "etl:run", time.Minute); err != core.ErrLockHeld {
		t.Errorf("Acquire() error = %v, want %v", err, core.ErrLockHeld)
	}
	_ = fresh.Release(ctx)
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()
	locker := NewRedis(rdb)

	lk, err := locker.Acquire(ctx, "test:lock", 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err = locker.Acquire(ctx, "test:lock", 5*time.Second); err != core.ErrLockHeld {
		t.Errorf("Acquire() on held lock error = %v, want %v", err, core.ErrLockHeld)
	}
	if err = lk.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	lk, err = locker.Acquire(ctx, "test:lock", 5*time.Second)
	if err != nil {
		t.Errorf("Acquire() after release error = %v", err)
	}
	_ = lk.Release(ctx)
}
