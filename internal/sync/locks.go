package sync

import (
	"context"
	"sync"
)

// Locker serialises work per key. Lock blocks until key is free or ctx is
// done and returns the release func.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ChainLockers takes every locker in order and releases them in reverse.
// A local KeyedMutex in front of a shared lease keeps same-process waiters
// off the network.
func ChainLockers(lockers ...Locker) Locker {
	return chain(lockers)
}

type chain []Locker

func (c chain) Lock(ctx context.Context, key string) (func(), error) {
	releases := make([]func(), 0, len(c))
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, unlock)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// KeyedMutex serialises work per key (account id). Entries are dropped once
// nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and is safe to call more than once.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
