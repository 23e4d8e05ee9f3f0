// Package keymutex provides per-resource mutual exclusion. All operations
// sharing a lock key run serially in arrival order; distinct keys run fully
// concurrently. Lock keys name the contended resource, e.g.
// "buyCollectible-posts/p1" or "collectCollectible-CODE123".
package keymutex

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes critical sections by key. Implementations must not be
// re-entered with the same key from inside fn.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// KeyedMutex is the in-process Locker. Waiters queue FIFO per key and honor
// context cancellation while queued; once fn starts it runs to completion.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*KeyedMutex)(nil)

// New creates an empty keyed mutex.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// WithLock runs fn once all previously queued calls for key have completed.
// If ctx expires while queued, fn never runs and the context error is
// returned.
func (k *KeyedMutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return fmt.Errorf("empty lock key")
	}

	e := k.enter(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.leave(key)
		return fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
	}

	defer func() {
		<-e.sem
		k.leave(key)
	}()
	return fn(ctx)
}

func (k *KeyedMutex) enter(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) leave(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len reports how many keys currently have holders or waiters. Intended for
// tests verifying that idle entries are dropped.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
