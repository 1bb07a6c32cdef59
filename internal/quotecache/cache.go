// Package quotecache stores the latest depth snapshot per instrument in a
// pre-sized array guarded by a seqlock. The writer (the upstream callback
// goroutine owning that instrument) never blocks; readers detect concurrent
// writes through the version counter and retry.
package quotecache

import (
	"runtime"
	"sync"
	"sync/atomic"

	"qamd/internal/domain"
	"qamd/internal/infra"
)

// maxReadAttempts bounds the seqlock read loop. On exhaustion the caller
// skips the instrument for this poll cycle.
const maxReadAttempts = 100

// notifyBuffer sizes the write-notification channel. A full buffer drops the
// wake; the affected clients stay suspended until the next write.
const notifyBuffer = 4096

type entry struct {
	version atomic.Uint64 // odd while a write is in flight; logical version = version/2
	hasData atomic.Bool
	data    domain.Snapshot
	_       [64]byte
}

// Cache is the pre-sized seqlock array plus the raw_id -> slot index map.
type Cache struct {
	entries []entry

	mu    sync.RWMutex
	index map[string]int

	notify chan string
}

// New creates a cache with a fixed slot capacity. Capacity is bounded at
// construction; instruments beyond it are rejected, never silently placed
// over a foreign slot.
func New(capacity int) *Cache {
	return &Cache{
		entries: make([]entry, capacity),
		index:   make(map[string]int, capacity),
		notify:  make(chan string, notifyBuffer),
	}
}

// Notifications returns the channel carrying raw ids whose slot was just
// written. Consumed by the downstream wake path.
func (c *Cache) Notifications() <-chan string {
	return c.notify
}

// GetOrCreateIndex returns the slot index for rawID, allocating one on first
// sight. The hot path hits the read lock; allocation takes the write lock
// and re-checks.
func (c *Cache) GetOrCreateIndex(rawID string) (int, error) {
	c.mu.RLock()
	idx, ok := c.index[rawID]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.index[rawID]; ok {
		return idx, nil
	}

	idx = len(c.index)
	if idx >= len(c.entries) {
		return -1, domain.ErrCacheFull
	}
	c.index[rawID] = idx
	return idx, nil
}

// Index returns the slot for rawID without allocating.
func (c *Cache) Index(rawID string) (int, bool) {
	c.mu.RLock()
	idx, ok := c.index[rawID]
	c.mu.RUnlock()
	return idx, ok
}

// Len returns the number of allocated slots.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Write stores the snapshot for rawID and posts an async wake notification.
// Single writer per slot: only the session goroutine receiving this
// instrument's quotes calls Write for it.
func (c *Cache) Write(rawID string, snap *domain.Snapshot) error {
	idx, err := c.GetOrCreateIndex(rawID)
	if err != nil {
		return err
	}

	e := &c.entries[idx]

	seq := e.version.Load()
	e.version.Store(seq + 1) // odd: readers back off
	e.data = *snap
	e.hasData.Store(true)
	e.version.Store(seq + 2)

	// Wake must not run on the callback goroutine; hand the raw id to the
	// notifier and drop on overflow.
	select {
	case c.notify <- rawID:
	default:
	}

	return nil
}

// Read copies the snapshot at idx. It returns the snapshot, its logical
// version, and whether a consistent copy was obtained within the attempt
// budget. An entry never written reports ok=false.
func (c *Cache) Read(idx int) (domain.Snapshot, uint64, bool) {
	if idx < 0 || idx >= len(c.entries) {
		return domain.Snapshot{}, 0, false
	}
	e := &c.entries[idx]
	if !e.hasData.Load() {
		return domain.Snapshot{}, 0, false
	}

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		begin := e.version.Load()
		if begin%2 != 0 {
			infra.GlobalMetrics.RecordSeqlockRetry()
			runtime.Gosched()
			continue
		}

		snap := e.data

		end := e.version.Load()
		if begin == end {
			return snap, end / 2, true
		}
		infra.GlobalMetrics.RecordSeqlockRetry()
	}

	infra.GlobalMetrics.RecordSeqlockSkip()
	return domain.Snapshot{}, 0, false
}

// Version returns the current logical version at idx without copying the
// snapshot. Used by tests and the status surface.
func (c *Cache) Version(idx int) uint64 {
	if idx < 0 || idx >= len(c.entries) {
		return 0
	}
	return c.entries[idx].version.Load() / 2
}
