package generic

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// KEYED LOCKER - Per-contract mutual exclusion
// =============================================================================

// KeyedLocker hands out one mutex per key. Every read-then-write sequence on a
// contract's counters or invoices runs while holding the contract's lock.
//
// Entries are reference counted and removed when the last holder or waiter
// leaves, so the map only holds keys that are in use.
//
// Single-node only. A multi-node deployment needs a row or advisory lock in
// the database instead.
type KeyedLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	timeout time.Duration
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocker creates a locker. timeout <= 0 waits until ctx is done.
func NewKeyedLocker(timeout time.Duration) *KeyedLocker {
	return &KeyedLocker{
		entries: make(map[string]*lockEntry),
		timeout: timeout,
	}
}

// Lock blocks until the key is free, the timeout elapses, or ctx is done.
// On success it returns the unlock function; call it exactly once.
func (l *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	var timeoutC <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				l.release(key, e)
			})
		}, nil
	case <-timeoutC:
		l.release(key, e)
		return nil, errors.Wrapf(ErrLockTimeout, "key %s after %s", key, l.timeout)
	case <-ctx.Done():
		l.release(key, e)
		return nil, errors.Wrapf(ErrLockTimeout, "key %s: %v", key, ctx.Err())
	}
}

func (l *KeyedLocker) release(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Held returns the number of keys currently locked or waited on.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
