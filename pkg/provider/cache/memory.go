package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory is an in-process Cache with per-entry TTL and an LRU size bound.
// The zero value is not usable; construct with NewMemory.
type Memory struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

var _ Cache = (*Memory)(nil)

type memoryEntry struct {
	key       string
	chunks    [][]byte
	expiresAt time.Time
}

// NewMemory creates a Memory cache. Entries expire ttl after insertion; once
// maxEntries is reached the least recently used entry is evicted.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) ([][]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if m.now().After(entry.expiresAt) {
		m.order.Remove(el)
		delete(m.entries, key)
		return nil, false
	}
	m.order.MoveToFront(el)
	return entry.chunks, true
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, chunks [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.chunks = chunks
		entry.expiresAt = m.now().Add(m.ttl)
		m.order.MoveToFront(el)
		return
	}

	for len(m.entries) >= m.maxEntries {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}

	el := m.order.PushFront(&memoryEntry{
		key:       key,
		chunks:    chunks,
		expiresAt: m.now().Add(m.ttl),
	})
	m.entries[key] = el
}

// Len returns the number of live entries, counting expired but unevicted ones.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
