package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/allaspectsdev/cachetap/internal/fingerprint"
)

// shardCount is the number of independent LRU segments. Shards are selected
// by fingerprint hash so concurrent lookups for distinct keys do not contend
// on a single lock. Must be a power of two.
const shardCount = 16

// Stats is a point-in-time snapshot of the store for observability.
type Stats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Evictions int64 `json:"evictions"`
}

// Store is the bounded fingerprint→entry map. Eviction is plain LRU per
// shard: on insert when a shard is full the coldest entry of that shard is
// dropped. Scan resistance was considered and deferred; per-shard LRU keeps
// access O(1) and is the documented v1 scheme.
type Store struct {
	shards    [shardCount]*lru.Cache[string, *Entry]
	bytes     atomic.Int64
	evictions atomic.Int64
	now       func() time.Time
}

// New creates a Store holding at most capacity entries across all shards.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}

	s := &Store{now: time.Now}
	for i := range s.shards {
		c, err := lru.NewWithEvict(perShard, func(_ string, e *Entry) {
			s.bytes.Add(-e.Artifact.Size())
			s.evictions.Add(1)
		})
		if err != nil {
			return nil, fmt.Errorf("cache: creating shard LRU: %w", err)
		}
		s.shards[i] = c
	}
	return s, nil
}

func (s *Store) shard(fp fingerprint.Fingerprint) *lru.Cache[string, *Entry] {
	return s.shards[fp.Sum()&(shardCount-1)]
}

// Get returns the artifact for fp if a fresh entry exists. A stale entry is
// removed in place and reported as a miss.
func (s *Store) Get(fp fingerprint.Fingerprint) (*Artifact, bool) {
	shard := s.shard(fp)
	key := fp.Key()

	e, ok := shard.Get(key)
	if !ok {
		return nil, false
	}
	if !e.Fresh(s.now()) {
		shard.Remove(key)
		return nil, false
	}
	return e.Artifact, true
}

// Insert stores the artifact under fp with the given TTL, stamping the
// storage time. The shard may evict its coldest entry to stay within
// capacity. A non-positive TTL is a no-op: the entry would be born stale.
func (s *Store) Insert(fp fingerprint.Fingerprint, a *Artifact, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e := &Entry{Artifact: a, StoredAt: s.now(), TTL: ttl}
	shard := s.shard(fp)
	key := fp.Key()

	// Replacing an existing key does not fire the evict callback, so the old
	// entry's bytes are released here to keep the accounting balanced.
	if old, ok := shard.Peek(key); ok {
		s.bytes.Add(-old.Artifact.Size())
	}
	s.bytes.Add(a.Size())
	shard.Add(key, e)
}

// Invalidate removes the entry for fp if present.
func (s *Store) Invalidate(fp fingerprint.Fingerprint) {
	s.shard(fp).Remove(fp.Key())
}

// Purge drops every entry. Used on shutdown and by tests.
func (s *Store) Purge() {
	for _, shard := range s.shards {
		shard.Purge()
	}
}

// Len returns the current number of entries, fresh or not.
func (s *Store) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

// Stats returns entry, byte, and eviction counters.
func (s *Store) Stats() Stats {
	return Stats{
		Entries:   s.Len(),
		Bytes:     s.bytes.Load(),
		Evictions: s.evictions.Load(),
	}
}

// Reap removes stale entries across all shards. The daemon runs this
// periodically so memory is reclaimed even for keys never looked up again.
func (s *Store) Reap() int {
	now := s.now()
	removed := 0
	for _, shard := range s.shards {
		for _, key := range shard.Keys() {
			if e, ok := shard.Peek(key); ok && !e.Fresh(now) {
				shard.Remove(key)
				removed++
			}
		}
	}
	return removed
}
