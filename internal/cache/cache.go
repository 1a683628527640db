// Package cache provides the TTL list cache used by read-heavy listings.
// Keys are "<namespace>|<part>|<part>..."; invalidation drops a namespace.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

type Cache interface {
	// Get decodes the cached value for key into dst and reports whether it was found.
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any)
	Invalidate(ctx context.Context, namespace string)
}

// Key joins parts with "|".
func Key(namespace string, parts ...string) string {
	return namespace + "|" + strings.Join(parts, "|")
}

func namespaceOf(key string) string {
	return strings.SplitN(key, "|", 2)[0]
}

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

type cacheItem struct {
	Payload []byte
	Expires time.Time
}

// DefaultMaxEntries bounds a Memory cache; listing keys carry free-form
// query values.
const DefaultMaxEntries = 2048

type Memory struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	mu         sync.RWMutex
	items      map[string]cacheItem
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, maxEntries: DefaultMaxEntries, now: time.Now, items: make(map[string]cacheItem)}
}

func (m *Memory) Get(_ context.Context, key string, dst any) bool {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || m.now().After(item.Expires) {
		return false
	}
	return json.Unmarshal(item.Payload, dst) == nil
}

func (m *Memory) Set(_ context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[key]; !exists && len(m.items) >= m.maxEntries {
		m.evict(now)
	}
	m.items[key] = cacheItem{Payload: payload, Expires: now.Add(m.ttl)}
}

// evict drops expired entries, then the soonest-expiring one if the map is
// still full. Callers hold m.mu.
func (m *Memory) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, item := range m.items {
		if now.After(item.Expires) {
			delete(m.items, k)
			continue
		}
		if oldestKey == "" || item.Expires.Before(oldest) {
			oldestKey, oldest = k, item.Expires
		}
	}
	if len(m.items) >= m.maxEntries && oldestKey != "" {
		delete(m.items, oldestKey)
	}
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) Invalidate(_ context.Context, namespace string) {
	if namespace == "" {
		return
	}
	prefix := namespace + "|"
	m.mu.Lock()
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
