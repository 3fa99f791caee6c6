// Package keylock provides per-key exclusive sections whose waiters honour
// context cancellation. Operations on different keys never contend.
//
// Locks are re-entrant through the context returned by Lock: a call chain
// that already holds a key may lock it again without blocking, so a manager
// can hold a participant for a whole orchestration while the services it
// calls guard their own entry points with the same key.
package keylock

import (
	"context"
	"slices"
	"sync"
	"time"

	dErrors "idhub/pkg/domain-errors"
)

const defaultWaitTimeout = 5 * time.Second

type heldKey struct {
	owner *Locker
	key   string
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Locker serializes work per key.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

type Option func(*Locker)

// WithWaitTimeout bounds how long Lock waits when ctx carries no deadline.
func WithWaitTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.wait = d
		}
	}
}

func New(opts ...Option) *Locker {
	l := &Locker{entries: make(map[string]*entry), wait: defaultWaitTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires key. The returned context marks key as held and must be
// passed to nested calls; unlock must be called exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (context.Context, func(), error) {
	if err := ctx.Err(); err != nil {
		return ctx, nil, dErrors.Wrap(err, dErrors.CodeTimeout, "lock aborted: context cancelled")
	}
	marker := heldKey{owner: l, key: key}
	if ctx.Value(marker) != nil {
		return ctx, func() {}, nil
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case e.ch <- struct{}{}:
	case <-waitCtx.Done():
		l.release(key, e, false)
		return ctx, nil, dErrors.Wrap(waitCtx.Err(), dErrors.CodeTimeout, "timed out waiting for "+key)
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() { l.release(key, e, true) })
	}
	return context.WithValue(ctx, marker, struct{}{}), unlock, nil
}

// LockAll acquires every key in sorted order, so two callers locking
// overlapping sets cannot deadlock. Duplicate and empty keys are ignored.
// On failure nothing stays locked.
func (l *Locker) LockAll(ctx context.Context, keys ...string) (context.Context, func(), error) {
	sorted := slices.Sorted(slices.Values(keys))
	sorted = slices.Compact(sorted)
	var unlocks []func()
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range sorted {
		if key == "" {
			continue
		}
		next, unlock, err := l.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return ctx, nil, err
		}
		ctx = next
		unlocks = append(unlocks, unlock)
	}
	return ctx, unlockAll, nil
}

// Held reports whether ctx already holds key on this locker.
func (l *Locker) Held(ctx context.Context, key string) bool {
	return ctx.Value(heldKey{owner: l, key: key}) != nil
}

func (l *Locker) release(key string, e *entry, acquired bool) {
	if acquired {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()
}

// Len returns the number of keys currently locked or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
