package drafts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/izavyalov-dev/testrun/state"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend keeps drafts in process. Now is used for every expiry check.
type MemoryBackend struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{Now: time.Now, entries: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *MemoryBackend) PutDraft(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("draft key required")
	}
	if ttl <= 0 {
		return errors.New("draft ttl must be > 0")
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
	m.entries[key] = memoryEntry{value: stored, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) GetDraft(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || !m.now().Before(entry.expiresAt) {
		return nil, fmt.Errorf("%w: draft %s", state.ErrNotFound, key)
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (m *MemoryBackend) PurgeExpiredDrafts(_ context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for key, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, key)
		}
	}
	if len(expired) == 0 {
		return 0, state.ErrNoExpiredDrafts
	}
	sort.Strings(expired)
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, key := range expired {
		delete(m.entries, key)
	}
	return len(expired), nil
}
