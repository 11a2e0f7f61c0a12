// Bounded in-memory caches: decoded segments (by byte budget), and the
// smaller per-record string/template caches node.go's NodeState
// accessors consult when reading property names and node templates.
//
// golang-lru/v2 caps by entry count, not bytes, so segmentCache wraps
// it with an atomic.Int64 byte counter and evicts proactively whenever
// adding an entry would push the running total over budget — the same
// shape as a write-through cache with a side-channel accounting field,
// just applied to eviction instead of persistence.
package silo

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// segmentCache bounds the total decoded-segment bytes held in memory,
// independent of how many segments that turns out to be.
type segmentCache struct {
	lru     *lru.Cache[SegmentId, *segmentReader]
	budget  int64
	used    atomic.Int64
	lengths map[SegmentId]int64
}

// newSegmentCache builds a cache with the given byte budget. maxEntries
// bounds the underlying LRU's slot count as a safety net against many
// tiny segments exhausting the map itself before the byte budget does.
func newSegmentCache(budgetBytes int64, maxEntries int) (*segmentCache, error) {
	if maxEntries <= 0 {
		maxEntries = 1 << 16
	}
	c := &segmentCache{budget: budgetBytes, lengths: make(map[SegmentId]int64)}
	l, err := lru.NewWithEvict[SegmentId, *segmentReader](maxEntries, func(id SegmentId, _ *segmentReader) {
		if n, ok := c.lengths[id]; ok {
			c.used.Add(-n)
			delete(c.lengths, id)
		}
	})
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// Get returns a cached decoded segment, if present.
func (c *segmentCache) Get(id SegmentId) (*segmentReader, bool) {
	return c.lru.Get(id)
}

// Add inserts a decoded segment of the given encoded length, evicting
// the oldest entries first if needed to stay within the byte budget.
func (c *segmentCache) Add(id SegmentId, sr *segmentReader, encodedLen int) {
	if c.budget > 0 {
		for c.used.Load()+int64(encodedLen) > c.budget && c.lru.Len() > 0 {
			c.lru.RemoveOldest()
		}
	}
	c.lengths[id] = int64(encodedLen)
	c.used.Add(int64(encodedLen))
	c.lru.Add(id, sr)
}

// Remove evicts a single segment, e.g. when a writer learns its buffer
// was rewritten during compaction.
func (c *segmentCache) Remove(id SegmentId) {
	c.lru.Remove(id)
}

// Len reports the number of cached segments.
func (c *segmentCache) Len() int { return c.lru.Len() }

// UsedBytes reports the cache's current byte accounting.
func (c *segmentCache) UsedBytes() int64 { return c.used.Load() }

// stringCache and templateCache are small fixed-capacity LRUs
// NodeState consults to avoid re-decoding the same interned string
// or node template repeatedly within one session — MAP and NODE
// records routinely repeat both across a large tree.
type stringCache struct {
	lru *lru.Cache[RecordId, string]
}

func newStringCache(capacity int) (*stringCache, error) {
	if capacity <= 0 {
		capacity = 1 << 14
	}
	l, err := lru.New[RecordId, string](capacity)
	if err != nil {
		return nil, err
	}
	return &stringCache{lru: l}, nil
}

func (c *stringCache) Get(id RecordId) (string, bool) { return c.lru.Get(id) }
func (c *stringCache) Add(id RecordId, s string)       { c.lru.Add(id, s) }

type templateCache struct {
	lru *lru.Cache[RecordId, *nodeTemplate]
}

func newTemplateCache(capacity int) (*templateCache, error) {
	if capacity <= 0 {
		capacity = 1 << 12
	}
	l, err := lru.New[RecordId, *nodeTemplate](capacity)
	if err != nil {
		return nil, err
	}
	return &templateCache{lru: l}, nil
}

func (c *templateCache) Get(id RecordId) (*nodeTemplate, bool) { return c.lru.Get(id) }
func (c *templateCache) Add(id RecordId, t *nodeTemplate)      { c.lru.Add(id, t) }
