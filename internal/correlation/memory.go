package correlation

import (
	"context"
	"sync"
	"time"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
)

type entry struct {
	m       mapping.Mapping
	created time.Time
}

// MemoryStore is an in-process Store guarded by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]entry
	ttl     time.Duration
	now     func() time.Time
	log     *logger.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemoryStore returns an empty store. A non-positive ttl selects DefaultTTL.
// Call Run to start the background sweep.
func NewMemoryStore(ttl time.Duration, log *logger.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[Key]entry),
		ttl:     ttl,
		now:     time.Now,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key Key, m mapping.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && !s.expired(e, now) {
		return ErrKeyExists
	}
	s.entries[key] = entry{m: m, created: now}
	return nil
}

// Take implements Store. An entry past its TTL is never returned, even if
// the sweep has not removed it yet.
func (s *MemoryStore) Take(_ context.Context, key Key) (mapping.Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return mapping.Mapping{}, false, nil
	}
	delete(s.entries, key)
	if s.expired(e, s.now()) {
		return mapping.Mapping{}, false, nil
	}
	return e.m, true, nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps every half TTL until ctx is done or the store is closed.
func (s *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 && s.log != nil {
				s.log.Warnf("sweep", "purged %d unconsumed entries older than %s", n, s.ttl)
			}
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Close stops Run and drops every entry.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.entries = make(map[Key]entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) expired(e entry, now time.Time) bool {
	return now.Sub(e.created) >= s.ttl
}
