// Package clockwheel implements the monotonic clock and timer wheel
// described by the reliability engine: a coarse hierarchical wheel of
// due-events (retransmit deadlines, NACK emission, stats, key
// rollover) with 1ms target resolution, O(1) amortized scheduling and
// O(1) cancellation.
//
// The design mirrors the priority-queue-of-deadlines pattern used by
// the teacher's client2.TimerQueue (see client2/arq.go, which pushes
// `uint64(sentAt.Add(replyETA).Add(slop).UnixNano())` priorities and
// pops them back out in a resend callback): here that single flat
// priority queue is bucketed into near-term tick slots plus a
// far-term overflow list so that scheduling stays O(1) instead of
// O(log n) for the hot retransmit-deadline path.
package clockwheel

import (
	"container/list"
	"sync"
	"time"
)

// CallbackID identifies a scheduled callback for cancellation.
type CallbackID uint64

// resolution is the wheel's tick granularity.
const resolution = time.Millisecond

// numSlots is the number of near-term tick buckets; beyond this many
// ticks out, a due-event is held on the overflow list instead.
const numSlots = 256

// entry is one scheduled callback.
type entry struct {
	id       CallbackID
	deadline time.Time
	fn       func(CallbackID)
	elem     *list.Element // element within its current bucket/overflow list
	bucket   int           // -1 if on the overflow list
}

// Wheel is a hierarchical timer wheel. Zero value is not usable; use New.
type Wheel struct {
	mu sync.Mutex

	start   time.Time
	curTick uint64

	slots    [numSlots]*list.List
	overflow *list.List

	entries map[CallbackID]*entry
	nextID  CallbackID
}

// New creates a Wheel whose tick 0 starts now.
func New(now time.Time) *Wheel {
	w := &Wheel{
		start:    now,
		overflow: list.New(),
		entries:  make(map[CallbackID]*entry),
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

// Now returns monotonic nanoseconds since the wheel was created.
func (w *Wheel) Now(t time.Time) int64 {
	return t.Sub(w.start).Nanoseconds()
}

// Schedule arranges for fn to be invoked with id no earlier than
// deadline. Returns the assigned CallbackID.
func (w *Wheel) Schedule(now, deadline time.Time, fn func(id CallbackID)) CallbackID {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	e := &entry{id: id, deadline: deadline, fn: fn}

	ticksOut := int64(deadline.Sub(now) / resolution)
	if ticksOut < 0 {
		ticksOut = 0
	}
	if ticksOut < numSlots {
		slot := int((int64(w.curTick) + ticksOut) % numSlots)
		e.bucket = slot
		e.elem = w.slots[slot].PushBack(e)
	} else {
		e.bucket = -1
		e.elem = w.overflow.PushBack(e)
	}

	w.entries[id] = e
	return id
}

// Cancel removes a scheduled callback. O(1). No-op if already fired
// or already cancelled.
func (w *Wheel) Cancel(id CallbackID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[id]
	if !ok {
		return
	}
	delete(w.entries, id)
	if e.bucket >= 0 {
		w.slots[e.bucket].Remove(e.elem)
	} else {
		w.overflow.Remove(e.elem)
	}
}

// Advance moves the wheel forward to `now`, returning the ids of every
// callback whose deadline has elapsed, in deadline order. Callers
// should invoke the associated callbacks themselves (Advance does not
// call them directly, so callers can choose to run them outside any
// lock they hold).
func (w *Wheel) Advance(now time.Time) []CallbackID {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []dueEntry
	ticks := int64(now.Sub(w.start)/resolution) - int64(w.curTick)
	for i := int64(0); i < ticks; i++ {
		slot := int(w.curTick % numSlots)
		bucket := w.slots[slot]
		for el := bucket.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*entry)
			if !e.deadline.After(now) {
				due = append(due, dueEntry{e.id, e.deadline})
				delete(w.entries, e.id)
				bucket.Remove(el)
			}
			el = next
		}
		w.curTick++

		// Redistribute overflow entries that now fall within range.
		if w.curTick%numSlots == 0 {
			w.redistributeLocked(now)
		}
	}

	// Anything in the overflow list that is already due (deadline far
	// in the past relative to a clock jump) still needs to fire.
	for el := w.overflow.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !e.deadline.After(now) {
			due = append(due, dueEntry{e.id, e.deadline})
			delete(w.entries, e.id)
			w.overflow.Remove(el)
		}
		el = next
	}

	sortDue(due)
	ids := make([]CallbackID, len(due))
	for i, d := range due {
		ids[i] = d.id
	}
	return ids
}

type dueEntry struct {
	id       CallbackID
	deadline time.Time
}

func sortDue(due []dueEntry) {
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].deadline.Before(due[j-1].deadline); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
}

// redistributeLocked moves overflow entries into near-term slots once
// they come within range. Caller holds w.mu.
func (w *Wheel) redistributeLocked(now time.Time) {
	for el := w.overflow.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		ticksOut := int64(e.deadline.Sub(now) / resolution)
		if ticksOut < numSlots {
			w.overflow.Remove(el)
			if ticksOut < 0 {
				ticksOut = 0
			}
			slot := int((int64(w.curTick) + ticksOut) % numSlots)
			e.bucket = slot
			e.elem = w.slots[slot].PushBack(e)
		}
		el = next
	}
}

// Callback returns the function registered for id, if still pending.
func (w *Wheel) Callback(id CallbackID) (func(CallbackID), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[id]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Len reports how many callbacks are currently scheduled.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
