package account

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used in tests and single-node dev runs.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byEmail map[string]string
	saves   int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Account),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, acct *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeEmail(acct.Email)
	if owner, ok := s.byEmail[key]; ok && owner != acct.ID {
		return ErrEmailTaken
	}
	if prev, ok := s.byID[acct.ID]; ok {
		delete(s.byEmail, normalizeEmail(prev.Email))
		if CursorAfter(prev.HistoryCursor, acct.HistoryCursor) {
			acct.HistoryCursor = prev.HistoryCursor
		}
		if prev.StartCursor != "" {
			acct.StartCursor = prev.StartCursor
		}
	}

	stored := acct.Clone()
	stored.UpdatedAt = time.Now()
	s.byID[acct.ID] = stored
	s.byEmail[key] = acct.ID
	s.saves++
	return nil
}

// Saves returns how many successful Save calls the store has seen.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
