// Package send implements the send-side reliability engine: the
// bounded retransmit cache, NACK intake and coalescing, the bitrate
// cap token bucket, and null-packet deletion, per spec.md §4.7.
//
// The cache-plus-resend shape is grounded directly on the teacher's
// client2.ARQ (client2/arq.go): a map keyed by an outstanding
// identifier (there, SURB ID; here, sequence number) holding enough
// state to resend, with a timer driving expiry/retry. Where the
// teacher uses one TimerQueue entry per outstanding message and a
// resend callback, this engine evaluates NACK-driven retransmission
// directly against the cache (retransmission here is reactive to
// receiver NACKs, not a fixed RTT-timeout retry loop), but keeps the
// same "single-writer, single-reader, no external lock needed"
// invariant described in spec.md §5 for the retransmit cache. Aging
// is driven by internal/clockwheel rather than a linear age scan, the
// same bucketed-deadline structure client2.TimerQueue uses for its
// resend timers (internal/clockwheel's own doc comment).
package send

import (
	"time"

	"github.com/rist-go/rist/internal/clockwheel"
	"github.com/rist-go/rist/pkg/wire"
)

// CacheEntry is one outstanding sent packet kept for possible retransmission.
type CacheEntry struct {
	Packet        *wire.Packet
	FirstSentTime time.Time
	LastSentTime  time.Time
	SendCount     int

	wheelID clockwheel.CallbackID
}

// Cache is the bounded sequence->entry retransmit cache. It is
// single-writer/single-reader (the send engine only), so it carries no
// internal lock, matching spec.md §5. Expiry deadlines are scheduled on
// a clockwheel.Wheel instead of re-scanned every tick.
type Cache struct {
	entries  map[uint32]*CacheEntry
	bySched  map[clockwheel.CallbackID]uint32
	order    []uint32 // insertion order, for oldest-first eviction
	capacity int
	maxAge   time.Duration
	wheel    *clockwheel.Wheel
}

// NewCache creates a retransmit cache bounded at capacity entries, whose
// clock starts at now and whose entries expire maxAge after insertion
// (spec.md §3's "Evicted when age > recovery_length_max").
func NewCache(capacity int, maxAge time.Duration, now time.Time) *Cache {
	if capacity <= 0 {
		capacity = 4096
	}
	if maxAge <= 0 {
		maxAge = time.Second
	}
	return &Cache{
		entries:  make(map[uint32]*CacheEntry, capacity),
		bySched:  make(map[clockwheel.CallbackID]uint32, capacity),
		capacity: capacity,
		maxAge:   maxAge,
		wheel:    clockwheel.New(now),
	}
}

// Insert adds a freshly sent packet to the cache, evicting the oldest
// entry if the cache is full. Per spec.md §3, sequences are
// contiguous on insert in the common case, but the cache does not
// itself enforce that — the send engine assigns sequences in order.
func (c *Cache) Insert(p *wire.Packet, now time.Time) {
	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	e := &CacheEntry{Packet: p, FirstSentTime: now, LastSentTime: now, SendCount: 1}
	e.wheelID = c.wheel.Schedule(now, now.Add(c.maxAge), func(clockwheel.CallbackID) {})
	c.entries[p.Sequence] = e
	c.bySched[e.wheelID] = p.Sequence
	c.order = append(c.order, p.Sequence)
}

func (c *Cache) evictOldest() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if e, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			delete(c.bySched, e.wheelID)
			c.wheel.Cancel(e.wheelID)
			return
		}
	}
}

// EvictAged advances the cache's clockwheel to now and removes every
// entry whose maxAge deadline has elapsed. Once evicted, a NACK for
// that sequence must be answered with "gone" (Lookup simply returns
// ok=false).
func (c *Cache) EvictAged(now time.Time) {
	for _, id := range c.wheel.Advance(now) {
		seq, ok := c.bySched[id]
		if !ok {
			continue
		}
		delete(c.bySched, id)
		delete(c.entries, seq)
	}
}

// Lookup returns the cache entry for seq, if still present.
func (c *Cache) Lookup(seq uint32) (*CacheEntry, bool) {
	e, ok := c.entries[seq]
	return e, ok
}

// MarkResent updates bookkeeping after a retransmit is actually sent.
func (c *Cache) MarkResent(seq uint32, now time.Time) {
	if e, ok := c.entries[seq]; ok {
		e.SendCount++
		e.LastSentTime = now
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}
