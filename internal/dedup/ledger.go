// Package dedup records which push deliveries have already been seen, and
// holds the Redis lease that serialises account work across replicas.
package dedup

import (
	"context"
	"sync"
)

// DefaultCapacity bounds the in-memory ledger.
const DefaultCapacity = 1000

// Ledger remembers delivery ids. Add reports whether id was new; a new id is
// recorded before Add returns. Forget drops id so a redelivery is processed
// again.
type Ledger interface {
	Add(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// MemoryLedger is a bounded, process-local Ledger. When full, the oldest id
// is forgotten first.
type MemoryLedger struct {
	mu   sync.Mutex
	ring []string
	next int
	size int
	seen map[string]struct{}
}

// NewMemoryLedger creates a MemoryLedger holding up to capacity ids.
// Non-positive capacities fall back to DefaultCapacity.
func NewMemoryLedger(capacity int) *MemoryLedger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryLedger{
		ring: make([]string, capacity),
		seen: make(map[string]struct{}, capacity),
	}
}

func (l *MemoryLedger) Add(_ context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return false, nil
	}

	if l.size == len(l.ring) {
		if old := l.ring[l.next]; old != "" {
			delete(l.seen, old)
		}
	} else {
		l.size++
	}
	l.ring[l.next] = id
	l.next = (l.next + 1) % len(l.ring)
	l.seen[id] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; !ok {
		return nil
	}
	delete(l.seen, id)
	// blank the slot so a later eviction cannot drop a re-added id
	for i, v := range l.ring {
		if v == id {
			l.ring[i] = ""
			break
		}
	}
	return nil
}

// Contains reports whether id is currently remembered.
func (l *MemoryLedger) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[id]
	return ok
}

// Len returns the number of remembered ids.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
