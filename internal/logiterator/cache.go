package logiterator

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/estuary/zrs/internal/wire"
)

// PositionCache remembers recently observed (TID -> file offset of the
// start of that TID's record) pairs so a secondary reconnecting at a
// recently-seen TID can seek there directly instead of re-walking the
// resume scan in spec §4.2. It is a pure performance aid: a miss, or a
// stale entry invalidated by a pack, always falls back to the full scan.
type PositionCache struct {
	lru *lru.Cache[wire.TID, int64]
}

// NewPositionCache returns a cache holding up to size entries.
func NewPositionCache(size int) *PositionCache {
	c, err := lru.New[wire.TID, int64](size)
	if err != nil {
		// Only returned for size <= 0; callers always pass a positive size.
		panic(err)
	}
	return &PositionCache{lru: c}
}

// Record remembers that tid's record begins at offset.
func (c *PositionCache) Record(tid wire.TID, offset int64) {
	if c == nil {
		return
	}
	c.lru.Add(tid, offset)
}

// Lookup returns the cached offset for tid, if any.
func (c *PositionCache) Lookup(tid wire.TID) (int64, bool) {
	if c == nil {
		return 0, false
	}
	return c.lru.Get(tid)
}

// Invalidate drops all entries, used after a Pack changes file-handle
// identity and offsets are no longer meaningful.
func (c *PositionCache) Invalidate() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
