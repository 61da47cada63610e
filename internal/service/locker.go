package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const localLockPollInterval = 5 * time.Millisecond

var errLockHeld = errors.New("lock is held")

var _ Locker = (*LocalLocker)(nil)

// LocalLocker is the single process Locker used with the in-memory backends.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLock
	now  func() time.Time
}

type localLock struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLock), now: time.Now}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	for {
		if l.tryAcquire(key, token, ttl) {
			return func(context.Context) error {
				l.release(key, token)
				return nil
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", errLockHeld, key)
		case <-time.After(localLockPollInterval):
		}
	}
}

func (l *LocalLocker) tryAcquire(key string, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if current, ok := l.held[key]; ok && current.expiresAt.After(now) {
		return false
	}
	// Locks whose holder never released them are dropped here.
	for heldKey, lock := range l.held {
		if !lock.expiresAt.After(now) {
			delete(l.held, heldKey)
		}
	}
	l.held[key] = localLock{token: token, expiresAt: now.Add(ttl)}
	return true
}

func (l *LocalLocker) release(key string, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.held[key]; ok && current.token == token {
		delete(l.held, key)
	}
}
