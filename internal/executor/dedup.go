package executor

import (
	"sync"
	"time"
)

// Dedup prevents the same intent from being submitted more than once within
// a TTL window. Time is supplied by the caller so replays stay deterministic.
// It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // intent ID -> first seen
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate reports whether id was seen within the TTL before now. Unseen or
// expired ids are recorded and false is returned.
func (d *Dedup) IsDuplicate(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if first, ok := d.seen[id]; ok && now.Sub(first) < d.ttl {
		return true
	}
	d.seen[id] = now
	return false
}

// Cleanup drops entries older than the TTL.
func (d *Dedup) Cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of tracked ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
