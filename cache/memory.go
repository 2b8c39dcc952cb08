package cache

import (
	"context"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// tier is the storage contract shared by the memory tier and durable tiers.
type tier interface {
	load(ctx context.Context, key string) (*Entry, bool)
	save(ctx context.Context, e *Entry) error
	delete(ctx context.Context, key string) bool
	clear(ctx context.Context) int
	scan(ctx context.Context, fn func(e *Entry) bool)
	deletePrefix(ctx context.Context, prefix string) int
	close() error
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// memoryTier is the volatile tier. It behaves as a single map; shards only
// stripe the locks.
type memoryTier struct {
	shards []*shard
}

var _ tier = (*memoryTier)(nil)

func newMemoryTier(n int) *memoryTier {
	m := &memoryTier{shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return m
}

func (m *memoryTier) shardFor(key string) *shard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

// load returns a copy so callers never mutate a stored entry without holding its lock.
func (m *memoryTier) load(_ context.Context, key string) (*Entry, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (m *memoryTier) save(_ context.Context, e *Entry) error {
	s := m.shardFor(e.Key)
	s.mu.Lock()
	s.entries[e.Key] = e.clone()
	s.mu.Unlock()
	return nil
}

func (m *memoryTier) delete(_ context.Context, key string) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	return ok
}

// deleteIf removes key only while fn holds for the stored entry.
func (m *memoryTier) deleteIf(key string, fn func(e *Entry) bool) bool {
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || !fn(e) {
		return false
	}
	delete(s.entries, key)
	return true
}

func (m *memoryTier) clear(_ context.Context) int {
	var n int
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.entries = make(map[string]*Entry)
		s.mu.Unlock()
	}
	return n
}

// scan visits a snapshot of every entry.
func (m *memoryTier) scan(_ context.Context, fn func(e *Entry) bool) {
	for _, e := range m.snapshot() {
		if !fn(e) {
			return
		}
	}
}

func (m *memoryTier) snapshot() []*Entry {
	var out []*Entry
	for _, s := range m.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e.clone())
		}
		s.mu.RUnlock()
	}
	return out
}

func (m *memoryTier) deletePrefix(_ context.Context, prefix string) int {
	var n int
	for _, s := range m.shards {
		s.mu.Lock()
		for k := range s.entries {
			if strings.HasPrefix(k, prefix) {
				delete(s.entries, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

func (m *memoryTier) usage() (count int, bytes int64) {
	for _, s := range m.shards {
		s.mu.RLock()
		count += len(s.entries)
		for _, e := range s.entries {
			bytes += int64(e.size)
		}
		s.mu.RUnlock()
	}
	return count, bytes
}

func (m *memoryTier) close() error {
	m.clear(context.Background())
	return nil
}
