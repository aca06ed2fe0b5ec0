package backend

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultStatementCacheSize bounds how many distinct prepared statements the
// pooler will keep taught on a single backend before evicting the least
// recently used one.
const defaultStatementCacheSize = 256

// EvictedStatement names a canonical statement name this backend no longer
// recognizes, because it aged out of the LRU to make room for another one.
type EvictedStatement struct {
	Fingerprint uint64
	Name        string
}

// StatementCache tracks which client-side statement fingerprints have
// already been taught to this specific backend, and under what canonical
// server-side name. Evictions are queued rather than acted on immediately:
// the caller drains them with DrainPendingCloses and issues a real
// Close(Statement) for each before the freed name could be reassigned.
type StatementCache struct {
	cache   *lru.Cache[uint64, string]
	pending []EvictedStatement
}

// NewStatementCache creates a cache bounded to size entries.
func NewStatementCache(size int) *StatementCache {
	sc := &StatementCache{}
	cache, _ := lru.NewWithEvict(size, func(key uint64, value string) {
		sc.pending = append(sc.pending, EvictedStatement{Fingerprint: key, Name: value})
	})
	sc.cache = cache
	return sc
}

// DrainPendingCloses returns and clears the statements evicted since the
// last drain. Callers must issue a Close(Statement) for each before the
// backend could see that canonical name reused.
func (sc *StatementCache) DrainPendingCloses() []EvictedStatement {
	out := sc.pending
	sc.pending = nil
	return out
}

// Lookup returns the canonical server-side name already taught for a
// fingerprint, if any, and marks it as recently used.
func (sc *StatementCache) Lookup(fingerprint uint64) (string, bool) {
	return sc.cache.Get(fingerprint)
}

// Insert records that fingerprint now maps to name on this backend. If the
// cache is at capacity, the least recently used entry is evicted first
// (triggering onEvict).
func (sc *StatementCache) Insert(fingerprint uint64, name string) {
	sc.cache.Add(fingerprint, name)
}

// Remove drops a fingerprint from the cache without treating it as an
// eviction (used when the session itself closes the statement).
func (sc *StatementCache) Remove(fingerprint uint64) {
	sc.cache.Remove(fingerprint)
}

// Len reports how many statements are currently taught to this backend.
func (sc *StatementCache) Len() int {
	return sc.cache.Len()
}

// Purge clears the cache, e.g. after DISCARD ALL during sanitization.
func (sc *StatementCache) Purge() {
	sc.cache.Purge()
}
