package sessions

import (
	"context"
	"sync"
)

// Locker serializes writers per session. Two agent loops must never
// advance the same session concurrently; unrelated sessions do not
// contend with each other.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// NewLocker creates an empty per-session locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for a session, blocking until it is free or the
// context is done. Locks are created on demand and removed once the last
// holder or waiter releases.
func (l *Locker) Lock(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(sessionID, lock)
		return ctx.Err()
	}
}

// Unlock releases the lock for a session.
func (l *Locker) Unlock(sessionID string) {
	l.mu.Lock()
	lock, ok := l.locks[sessionID]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-lock.ch
	l.release(sessionID, lock)
}

func (l *Locker) release(sessionID string, lock *sessionLock) {
	l.mu.Lock()
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
