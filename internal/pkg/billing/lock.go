package billing

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes billing mutations per user. The returned func releases
// the lock.
type Locker interface {
	Lock(ctx context.Context, userID uint) (func(), error)
}

// LocalLocker is an in-process Locker for single-node runs and tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[uint]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[uint]chan struct{})}
}

func (l *LocalLocker) Lock(ctx context.Context, userID uint) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[userID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock user %d: %w", userID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
