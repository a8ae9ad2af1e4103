package record

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedRecord is a cache entry keyed by record id.
type cachedRecord struct {
	collection string
	record     *Record
}

// cache is a bounded per-record LRU with a per-collection index. A
// collection can be marked complete after an unfiltered query loaded
// every record, allowing later unfiltered queries to be served from
// memory. Eviction of any record from a collection clears that
// collection's completeness.
type cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *cachedRecord]
	byCol    map[string]map[string]struct{}
	complete map[string]bool
}

func newCache(capacity int) *cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}

	c := &cache{
		byCol:    make(map[string]map[string]struct{}),
		complete: make(map[string]bool),
	}

	// Eviction callback runs under entries' internal lock; it only
	// touches the index maps, which are guarded by c.mu at call sites.
	entries, _ := lru.NewWithEvict(capacity, func(id string, e *cachedRecord) {
		if ids, ok := c.byCol[e.collection]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(c.byCol, e.collection)
			}
		}
		delete(c.complete, e.collection)
	})
	c.entries = entries
	return c
}

// get returns a cached record by id.
func (c *cache) get(id string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(id)
	if !ok {
		return nil, false
	}
	return e.record, true
}

// put stores a record, tracking its collection membership.
func (c *cache) put(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(rec.ID, &cachedRecord{collection: rec.Schema, record: rec})
	ids, ok := c.byCol[rec.Schema]
	if !ok {
		ids = make(map[string]struct{})
		c.byCol[rec.Schema] = ids
	}
	ids[rec.ID] = struct{}{}
}

// invalidate drops a single record from the cache. The collection is no
// longer known to be complete.
func (c *cache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Peek(id); ok {
		c.entries.Remove(id)
		delete(c.complete, e.collection)
	}
}

// remove drops a record that was deleted from the backing store. Unlike
// invalidate, collection completeness is preserved: the cache still
// mirrors the store exactly.
func (c *cache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Peek(id); ok {
		wasComplete := c.complete[e.collection]
		c.entries.Remove(id)
		if wasComplete {
			c.complete[e.collection] = true
		}
	}
}

// putAll stores a full collection scan. The collection is marked
// complete only when every scanned record survived insertion: a scan
// larger than the cache capacity evicts its own earlier entries, and a
// truncated cache must never answer an unfiltered query.
func (c *cache) putAll(collection string, records []*Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		c.entries.Add(rec.ID, &cachedRecord{collection: rec.Schema, record: rec})
		ids, ok := c.byCol[rec.Schema]
		if !ok {
			ids = make(map[string]struct{})
			c.byCol[rec.Schema] = ids
		}
		ids[rec.ID] = struct{}{}
	}

	for _, rec := range records {
		if !c.entries.Contains(rec.ID) {
			return
		}
	}
	c.complete[collection] = true
}

// collection returns all cached records of a collection and whether the
// set is known to be complete.
func (c *cache) collection(collection string) ([]*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.complete[collection] {
		return nil, false
	}

	ids, ok := c.byCol[collection]
	if !ok {
		// Complete and empty.
		return nil, true
	}

	records := make([]*Record, 0, len(ids))
	for id := range ids {
		if e, ok := c.entries.Peek(id); ok {
			records = append(records, e.record)
		}
	}
	return records, true
}

// len returns the number of cached records.
func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// purge drops all cached records.
func (c *cache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.byCol = make(map[string]map[string]struct{})
	c.complete = make(map[string]bool)
}
