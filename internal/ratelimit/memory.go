package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// MemoryStore is the default in-process EntryStore. Entries are spread across
// hashed shards so contention on one client key never serializes requests for
// unrelated keys.
//
// Expired entries are not evicted eagerly: a stale entry is harmless because
// Admit unconditionally replaces it on the next touch. Sweep exists for
// long-running processes that want to reclaim memory from one-shot clients.
type MemoryStore struct {
	shards [shardCount]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory entry store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]Entry)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}

// Get returns the entry for key and whether one exists.
func (s *MemoryStore) Get(key string) (Entry, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[key]
	return e, ok
}

// CompareAndSwap replaces the entry for key with next if the current entry
// equals prev; a zero prev matches an absent key.
func (s *MemoryStore) CompareAndSwap(key string, prev, next Entry) bool {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.entries[key]
	if ok {
		if cur != prev {
			return false
		}
	} else if prev != (Entry{}) {
		return false
	}

	sh.entries[key] = next
	return true
}

// Sweep removes entries whose window closed before now. Optional; Admit is
// correct without it.
func (s *MemoryStore) Sweep(now time.Time) {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !now.Before(e.ResetAt) {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Len returns the number of live entries across all shards.
func (s *MemoryStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
