package actor

import (
	"time"

	"github.com/actorkit/backend/internal/core"
)

// snapshotCache keeps recent full snapshots keyed by checksum so a
// reconnecting client can be resynced with one diff from whatever baseline
// it still holds. Entries live for a bounded window after last reference.
//
// The cache is owned by the host and only touched under the host's mutex.
type snapshotCache struct {
	ttl     time.Duration
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	snapshot *core.Snapshot
	lastRef  time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

func (c *snapshotCache) put(checksum string, snap *core.Snapshot, now time.Time) {
	c.entries[checksum] = &cacheEntry{snapshot: snap, lastRef: now}
	c.prune(now)
}

// get refreshes the entry's reference time, extending its life.
func (c *snapshotCache) get(checksum string, now time.Time) (*core.Snapshot, bool) {
	e, ok := c.entries[checksum]
	if !ok {
		return nil, false
	}
	if now.Sub(e.lastRef) > c.ttl {
		delete(c.entries, checksum)
		return nil, false
	}
	e.lastRef = now
	return e.snapshot, true
}

func (c *snapshotCache) prune(now time.Time) {
	for k, e := range c.entries {
		if now.Sub(e.lastRef) > c.ttl {
			delete(c.entries, k)
		}
	}
}

func (c *snapshotCache) len() int {
	return len(c.entries)
}
