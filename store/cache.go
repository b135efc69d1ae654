package store

import (
	"fmt"
	"sync"
	"time"
)

// BlobKey identifies one cached value by its store "type" (identities,
// sessions, sender-keys, ...) and an opaque per-type id.
type BlobKey struct {
	Type string
	ID   string
}

// BackingStore is the opaque external blob store component C sits in
// front of. Get is batched: callers pass every key they need in one call
// so the cache layer can issue a single round trip for all misses.
type BackingStore interface {
	Get(keys []BlobKey) (map[BlobKey][]byte, error)
	Set(values map[BlobKey][]byte) error
}

const cacheTTL = 5 * time.Minute

type cacheEntry struct {
	value   []byte
	expires time.Time
}

// Cache is the read-through layer described in spec §4.C: Get returns
// cached hits and fetches misses in one batched call to the backing
// store; Set writes through and updates the cache; entries expire after
// cacheTTL. Misses are never negatively cached, so a key absent from the
// backing store is simply refetched on every Get until it exists.
type Cache struct {
	backing BackingStore

	mu      sync.Mutex
	entries map[BlobKey]cacheEntry
}

func NewCache(backing BackingStore) *Cache {
	return &Cache{
		backing: backing,
		entries: make(map[BlobKey]cacheEntry),
	}
}

// Get resolves every requested key, serving fresh cache hits directly and
// batching the rest into a single backing-store fetch.
func (c *Cache) Get(keys []BlobKey) (map[BlobKey][]byte, error) {
	result := make(map[BlobKey][]byte, len(keys))
	var misses []BlobKey

	now := time.Now()
	c.mu.Lock()
	for _, k := range keys {
		if entry, ok := c.entries[k]; ok && now.Before(entry.expires) {
			result[k] = entry.value
		} else {
			misses = append(misses, k)
		}
	}
	c.mu.Unlock()

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.backing.Get(misses)
	if err != nil {
		return nil, fmt.Errorf("store: batched fetch failed: %w", err)
	}

	c.mu.Lock()
	expires := time.Now().Add(cacheTTL)
	for k, v := range fetched {
		c.entries[k] = cacheEntry{value: v, expires: expires}
		result[k] = v
	}
	c.mu.Unlock()

	return result, nil
}

// Set writes through to the backing store, then refreshes the cache with
// the new values.
func (c *Cache) Set(values map[BlobKey][]byte) error {
	if err := c.backing.Set(values); err != nil {
		return fmt.Errorf("store: write-through failed: %w", err)
	}
	expires := time.Now().Add(cacheTTL)
	c.mu.Lock()
	for k, v := range values {
		c.entries[k] = cacheEntry{value: v, expires: expires}
	}
	c.mu.Unlock()
	return nil
}

// Clear flushes the in-memory cache only; the backing store is untouched.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[BlobKey]cacheEntry)
	c.mu.Unlock()
}
