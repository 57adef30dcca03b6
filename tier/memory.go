package tier

import (
	"container/list"
	"sync"
	"time"

	"github.com/proxywhirl/cache/entry"
)

// memoryEntry is the value stored in the LRU list, grounded on the
// teacher's cache-manager/cache.go lruEntry.
type memoryEntry struct {
	key     string
	value   entry.Entry
	element *list.Element
}

// Memory is the L1 tier: an insertion-ordered map acting as an LRU queue,
// per spec.md §4.3.1. It is the teacher's L1Cache reworked to store
// entry.Entry values instead of interface{}, with TTL checking removed
// (the orchestrator, not the tier, decides expiration per §4.3's contract
// table) and an eviction callback added for demotion into lower tiers.
type Memory struct {
	degrader

	mu         sync.RWMutex
	items      map[string]*memoryEntry
	lru        *list.List
	maxEntries int // 0 means unbounded
	onEvict    EvictCallback
}

// NewMemory constructs an L1 tier. maxEntries of 0 means unbounded.
// onEvict may be nil.
func NewMemory(maxEntries int, threshold int64, onEvict EvictCallback) *Memory {
	return &Memory{
		degrader:   newDegrader(threshold),
		items:      make(map[string]*memoryEntry),
		lru:        list.New(),
		maxEntries: maxEntries,
		onEvict:    onEvict,
	}
}

func (m *Memory) Get(k string) (entry.Entry, bool, error) {
	if m.Degraded() {
		return entry.Entry{}, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.items[k]
	if !ok {
		m.resetFailures()
		return entry.Entry{}, false, nil
	}

	m.lru.MoveToFront(me.element)
	m.resetFailures()
	return me.value, true, nil
}

func (m *Memory) Put(k string, e entry.Entry) (bool, error) {
	if m.Degraded() {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if me, exists := m.items[k]; exists {
		me.value = e
		m.lru.MoveToFront(me.element)
		m.resetFailures()
		return false, nil
	}

	me := &memoryEntry{key: k, value: e}
	me.element = m.lru.PushFront(me)
	m.items[k] = me

	if m.maxEntries > 0 && len(m.items) > m.maxEntries {
		m.evictOldestLocked()
	}

	m.resetFailures()
	return true, nil
}

// evictOldestLocked removes the least-recently-used entry and invokes the
// eviction callback, per spec.md §4.3.1. Caller must hold mu.
func (m *Memory) evictOldestLocked() {
	oldest := m.lru.Back()
	if oldest == nil {
		return
	}
	me := oldest.Value.(*memoryEntry)

	m.lru.Remove(oldest)
	delete(m.items, me.key)

	if m.onEvict != nil {
		evicted := me.value
		key := me.key
		// Invoke outside this tier's lock to avoid reentrant deadlocks if
		// the callback (which writes into other tiers) ever loops back.
		m.mu.Unlock()
		m.onEvict(key, evicted)
		m.mu.Lock()
	}
}

func (m *Memory) Delete(k string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(k), nil
}

func (m *Memory) deleteLocked(k string) bool {
	me, ok := m.items[k]
	if !ok {
		return false
	}
	m.lru.Remove(me.element)
	delete(m.items, k)
	return true
}

func (m *Memory) Clear() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := len(m.items)
	m.items = make(map[string]*memoryEntry)
	m.lru.Init()
	return count, nil
}

func (m *Memory) Size() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

func (m *Memory) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Memory) CleanupExpired(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for k, me := range m.items {
		if me.value.IsExpired(now) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		m.deleteLocked(k)
	}
	return len(expired), nil
}

func (m *Memory) Contains(k string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.items[k]
	return ok, nil
}
