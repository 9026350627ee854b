package store

import (
	"context"
	"sync"
)

// userLocks hands out one lock per user so writers for different users never
// contend. Each lock is a one-slot channel, which lets waiters give up when
// their context is cancelled.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]chan struct{})}
}

// lock blocks until userID's lock is held or ctx is done.
func (l *userLocks) lock(ctx context.Context, userID string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	ch, ok := l.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[userID] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
