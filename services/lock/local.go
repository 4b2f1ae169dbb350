package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/encuestas/backend/core"
)

type (
	// LocalLocker only serializes callers of the same process. Used when no redis is configured, and in tests.
	LocalLocker struct {
		mu   sync.Mutex
		held map[string]localEntry
	}

	localEntry struct {
		token   string
		expires time.Time
	}

	localLock struct {
		locker *LocalLocker
		key    string
		token  string
	}
)

var _ core.Locker = (*LocalLocker)(nil) // interface compliance check

var nowFunc = time.Now // mockable

func NewLocal() *LocalLocker {
	return &LocalLocker{held: make(map[string]localEntry)}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (core.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := nowFunc()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, core.ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLock{locker: l, key: key, token: token}, nil
}

func (l *localLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()

	if e, ok := l.locker.held[l.key]; ok && e.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}
