package cache

import (
	"container/list"
	"sort"
	"sync"
	"time"
)

// Store is an in-memory map from resource key to its last stored value.
//
// Expiry is a freshness check, not a deletion: a stale entry stays in the
// store so it can serve as a fallback when a refetch fails. Entries are only
// removed by Clear, ClearAll, or, when MaxEntries is set, by evicting the
// least recently stored key.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently stored
	clock      Clock
	maxEntries int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for StoredAt and freshness checks.
func WithClock(c Clock) StoreOption {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMaxEntries bounds the number of stored keys. Zero means unbounded.
func WithMaxEntries(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		clock:   SystemClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

// Get returns the entry for key without checking freshness.
func (s *Store) Get(key string) (*CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := *el.Value.(*CacheEntry)
	return &entry, true
}

// Set stores value under key, stamping it with the current time.
func (s *Store) Set(key string, value any, ttl time.Duration) *CacheEntry {
	return s.SetEntry(CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: s.clock.Now(),
		TTL:      ttl,
	})
}

// SetEntry stores a prepared entry, keeping its StoredAt. It is used to
// restore snapshots; StoredAt is still forced to be later than the one it
// replaces.
func (s *Store) SetEntry(entry CacheEntry) *CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[entry.Key]; ok {
		prev := el.Value.(*CacheEntry)
		if !entry.StoredAt.After(prev.StoredAt) {
			entry.StoredAt = prev.StoredAt.Add(time.Nanosecond)
		}
		el.Value = &entry
		s.order.MoveToFront(el)
	} else {
		s.entries[entry.Key] = s.order.PushFront(&entry)
		s.evictLocked()
	}

	cacheEntries.Set(float64(len(s.entries)))
	stored := entry
	return &stored
}

// IsFresh reports whether key is present and younger than its TTL.
func (s *Store) IsFresh(key string) bool {
	entry, ok := s.Get(key)
	if !ok {
		return false
	}
	return entry.IsFreshAt(s.clock.Now())
}

// Clear removes key.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.order.Remove(el)
		delete(s.entries, key)
	}
	cacheEntries.Set(float64(len(s.entries)))
}

// ClearAll removes every entry.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*list.Element)
	s.order.Init()
	cacheEntries.Set(0)
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (s *Store) evictLocked() {
	if s.maxEntries <= 0 {
		return
	}
	for len(s.entries) > s.maxEntries {
		oldest := s.order.Back()
		if oldest == nil {
			return
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*CacheEntry).Key)
		cacheEvictions.Inc()
	}
}
