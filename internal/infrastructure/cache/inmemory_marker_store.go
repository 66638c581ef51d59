package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prompter/backend/internal/domain/jobs"
)

// entry represents a stored marker with expiration
type entry struct {
	expiresAt time.Time
}

// InMemoryMarkerStore implements jobs.MarkerStore using an in-memory map.
// This is suitable for single-instance deployments and testing.
type InMemoryMarkerStore struct {
	mu        sync.RWMutex
	entries   map[string]entry
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryMarkerStore creates a new in-memory marker store.
// It starts a background goroutine to clean up expired entries.
func NewInMemoryMarkerStore() *InMemoryMarkerStore {
	store := &InMemoryMarkerStore{
		entries:  make(map[string]entry),
		stopChan: make(chan struct{}),
	}

	store.wg.Add(1)
	go store.cleanupLoop()

	return store
}

// Mark records the key with a TTL.
// Returns true if this call set the marker, false if it already existed.
func (s *InMemoryMarkerStore) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists {
		if time.Now().Before(e.expiresAt) {
			return false, nil // Already marked
		}
		// Entry exists but expired, will be overwritten
	}

	s.entries[key] = entry{
		expiresAt: time.Now().Add(ttl),
	}

	return true, nil
}

// Unmark removes the key so the next Mark wins again
func (s *InMemoryMarkerStore) Unmark(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Exists reports whether the key is currently marked
func (s *InMemoryMarkerStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.entries[key]
	if !exists {
		return false, nil
	}

	if time.Now().After(e.expiresAt) {
		return false, nil // Expired, treat as absent
	}

	return true, nil
}

// Close stops the cleanup goroutine and releases resources.
// Safe to call multiple times.
func (s *InMemoryMarkerStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// cleanupLoop periodically removes expired entries
func (s *InMemoryMarkerStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired entries from the store
func (s *InMemoryMarkerStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
		}
	}
}

// Size returns the number of entries in the store (for testing/monitoring)
func (s *InMemoryMarkerStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure InMemoryMarkerStore implements MarkerStore
var _ jobs.MarkerStore = (*InMemoryMarkerStore)(nil)
