package dedupe

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and single-process
// deployments without a database. Reservations are checked under one mutex,
// which gives the same atomicity guarantee within the process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, collection, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := collection + "\x00" + key
	now := s.now()
	if e, ok := s.entries[k]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	s.entries[k] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, collection+"\x00"+key)
	return nil
}

// Count returns the number of live reservations in a collection.
func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	prefix := collection + "\x00"
	n := 0
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && e.expiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

// Sweep drops expired entries. SetIfAbsent already ignores expired entries,
// so sweeping only bounds memory growth.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !e.expiresAt.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on an interval until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
