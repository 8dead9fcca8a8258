// Package lock serializes writers per key.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LockAll acquires every key in sorted order so two callers with
// overlapping sets cannot deadlock. Duplicates are acquired once.
func LockAll(ctx context.Context, l Locker, keys ...string) (Unlock, error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	var held []Unlock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		u, err := l.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		held = append(held, u)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Keyed is an in-process Locker. The zero value is ready to use.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: map[string]*entry{}}
}

func (k *Keyed) Lock(ctx context.Context, key string) (Unlock, error) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = map[string]*entry{}
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Len reports how many keys are held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
