package classifier

import (
	"context"
	"sync"
)

const defaultMemoryCacheSize = 100000

// MemoryCache is an in-process ResultCache. When full it starts over; entries
// are only a memo, the classifier stays correct without them.
type MemoryCache struct {
	mu      sync.RWMutex
	max     int
	entries map[string]Result
}

func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = defaultMemoryCacheSize
	}
	return &MemoryCache{max: max, entries: make(map[string]Result)}
}

func (m *MemoryCache) Get(_ context.Context, modelVersion, text string) (Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.entries[modelVersion+"\x00"+text]
	return r, ok, nil
}

func (m *MemoryCache) Set(_ context.Context, modelVersion, text string, r Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.max {
		m.entries = make(map[string]Result)
	}
	m.entries[modelVersion+"\x00"+text] = r
	return nil
}
