package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type memStore struct {
	created time.Time
	entries map[string]CacheEntry
}

// MemCache keeps all stores in process memory.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]*memStore
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]*memStore),
	}
}

func (m MemCache) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ensure(name)
	return memStoreHandle{cache: m, name: name}, nil
}

// ensure must be called with the write lock held.
func (m MemCache) ensure(name string) *memStore {
	s, ok := m.db[name]
	if !ok {
		s = &memStore{created: time.Now(), entries: make(map[string]CacheEntry)}
		m.db[name] = s
	}
	return s
}

func (m MemCache) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[name]
	return ok, nil
}

func (m MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := m.db[names[i]].created, m.db[names[j]].created
		if ci.Equal(cj) {
			return names[i] < names[j]
		}
		return ci.Before(cj)
	})
	return names, nil
}

func (m MemCache) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.db[name]
	delete(m.db, name)
	return ok, nil
}

func (m MemCache) Close() error {
	return nil
}

type memStoreHandle struct {
	cache MemCache
	name  string
}

func (h memStoreHandle) Name() string {
	return h.name
}

func (h memStoreHandle) All(prefix string) ([]CacheEntry, error) {
	h.cache.mutex.RLock()
	defer h.cache.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	s, ok := h.cache.db[h.name]
	if !ok {
		return entries, nil
	}
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (h memStoreHandle) Get(key string) (CacheEntry, bool, error) {
	h.cache.mutex.RLock()
	defer h.cache.mutex.RUnlock()
	s, ok := h.cache.db[h.name]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (h memStoreHandle) Put(ce CacheEntry) error {
	h.cache.mutex.Lock()
	defer h.cache.mutex.Unlock()
	if ce.StoredAt.IsZero() {
		ce.StoredAt = time.Now()
	}
	s, ok := h.cache.db[h.name]
	if !ok {
		return ErrNotFound
	}
	s.entries[ce.Key] = ce
	return nil
}

func (h memStoreHandle) Purge(key string) error {
	h.cache.mutex.Lock()
	defer h.cache.mutex.Unlock()
	if s, ok := h.cache.db[h.name]; ok {
		delete(s.entries, key)
	}
	return nil
}

func (h memStoreHandle) Keys() ([]string, error) {
	h.cache.mutex.RLock()
	defer h.cache.mutex.RUnlock()
	keys := make([]string, 0)
	if s, ok := h.cache.db[h.name]; ok {
		for key := range s.entries {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
