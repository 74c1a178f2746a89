// Package recv implements the receive-side reliability engine: the
// per-flow reorder/recovery ring buffer, loss detection, NACK
// scheduling and aggregation, in-order egress under a deadline, and
// buffer-bloat mitigation, per spec.md §4.6.
//
// The ring-buffer-of-slots shape is grounded on the teacher's
// stream.Stream read-side bookkeeping (stream/stream.go's f_read_idx/
// f_write_idx/f_ack_idx counters over a byte buffer) generalized from
// a byte stream to a sequence-indexed packet ring, and on the NACK
// aggregation style of the reference pack's pion-webrtc
// receiver_nack.go (ReceiveLog.MissingSeqNumbers + periodic ticker).
package recv

import (
	"math"
	"time"

	"github.com/rist-go/rist/pkg/wire"
)

// slotState is the tri-state of one ring slot.
type slotState uint8

const (
	slotEmpty slotState = iota
	slotMissing
	slotPresent
)

type slot struct {
	state state
}

// state holds the per-slot data; kept as a value type embedded in
// slot so the ring is a flat array with no per-slot allocation beyond
// the packet's own payload bytes.
type state struct {
	kind slotState

	// valid when kind == slotMissing
	dueDeadline time.Time
	nackCount   int
	firstSeenAt time.Time

	// valid when kind == slotPresent
	packet     *wire.Packet
	arrivalAt  time.Time
}

// Buffer is the per-flow recovery ring, addressable by sequence modulo
// capacity.
type Buffer struct {
	slots    []slot
	capacity uint32

	readCursor  uint32
	writeCursor uint32
	initialized bool
}

// DeriveCapacity computes the ring capacity from recovery_length_max
// (in milliseconds) and the peak bitrate (bits/sec), with a safety
// margin multiplier, per spec.md §3's "Capacity is derived from
// recovery_length_max (ms) times peak bitrate with safety margin."
func DeriveCapacity(recoveryLengthMax time.Duration, peakBitrateBps float64, avgPacketBytes int, safetyMargin float64) uint32 {
	if avgPacketBytes <= 0 {
		avgPacketBytes = wire.MaxPacketSize
	}
	if safetyMargin <= 0 {
		safetyMargin = 1.5
	}
	seconds := recoveryLengthMax.Seconds()
	bytesOverWindow := peakBitrateBps / 8 * seconds
	packets := bytesOverWindow / float64(avgPacketBytes)
	capacity := uint32(math.Ceil(packets * safetyMargin))
	if capacity < 64 {
		capacity = 64
	}
	return capacity
}

// NewBuffer creates an empty recovery buffer of the given capacity.
func NewBuffer(capacity uint32) *Buffer {
	if capacity == 0 {
		capacity = 1024
	}
	return &Buffer{slots: make([]slot, capacity), capacity: capacity}
}

func (b *Buffer) idx(seq uint32) uint32 {
	return seq % b.capacity
}

// InsertResult reports what Insert did, for caller-side stats and NACK
// bookkeeping.
type InsertResult uint8

const (
	InsertAccepted InsertResult = iota
	InsertStaleDropped
	InsertDuplicateDropped
	InsertOverwroteMissing
)

// Insert admits packet p that arrived at arrivalAt. Sequences less
// than readCursor are dropped as Stale (spec.md §4.6 Insert). New
// sequences beyond writeCursor fill every intervening slot with
// missing placeholders due at arrivalAt+recoveryLengthMin, matching
// the ordering and NACK-scheduling invariants. A duplicate arrival for
// an already-present sequence is dropped (idempotence property §8.7).
func (b *Buffer) Insert(p *wire.Packet, arrivalAt time.Time, recoveryLengthMin time.Duration) InsertResult {
	seq := p.Sequence

	if !b.initialized {
		b.readCursor = seq
		b.writeCursor = seq
		b.initialized = true
	}

	if seqLess(seq, b.readCursor) {
		return InsertStaleDropped
	}

	if seqLess(b.writeCursor, seq) || b.writeCursor == seq && b.slots[b.idx(seq)].state.kind == slotEmpty {
		// advance write cursor, filling gaps with missing placeholders
		for s := b.writeCursor; seqLess(s, seq); s = s + 1 {
			sl := &b.slots[b.idx(s)]
			if sl.state.kind == slotEmpty {
				sl.state = state{
					kind:        slotMissing,
					dueDeadline: arrivalAt.Add(recoveryLengthMin),
					firstSeenAt: arrivalAt,
				}
			}
		}
		b.writeCursor = seq + 1
	}

	sl := &b.slots[b.idx(seq)]
	switch sl.state.kind {
	case slotPresent:
		return InsertDuplicateDropped
	case slotMissing:
		sl.state = state{kind: slotPresent, packet: p, arrivalAt: arrivalAt}
		return InsertOverwroteMissing
	default: // slotEmpty: either the exact next slot, or a replay of readCursor itself
		sl.state = state{kind: slotPresent, packet: p, arrivalAt: arrivalAt}
		return InsertAccepted
	}
}

// seqLess compares 32-bit sequences with wraparound semantics (serial
// number arithmetic per RFC 1982): a is less than b if the signed
// difference a-b is negative.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// EgressResult is one outcome of draining the read cursor.
type EgressResult struct {
	Sequence uint32
	Packet   *wire.Packet // nil when Hole is true
	Hole     bool
}

// Drain advances the read cursor while the slot at readCursor is
// present, or its egress deadline (dueDeadline+recoveryLengthMax, where
// dueDeadline = arrival+recoveryLengthMin, set at Insert time) has
// elapsed, per spec.md §4.6 Egress. Each advance yields either a
// delivered packet or an explicit hole; ordering is strictly monotonic
// (property §8.1) and holes are never fabricated as out-of-order
// deliveries (property §8.2).
func (b *Buffer) Drain(now time.Time, recoveryLengthMax time.Duration) []EgressResult {
	var out []EgressResult
	for seqLess(b.readCursor, b.writeCursor) {
		sl := &b.slots[b.idx(b.readCursor)]
		switch sl.state.kind {
		case slotPresent:
			out = append(out, EgressResult{Sequence: b.readCursor, Packet: sl.state.packet})
			*sl = slot{}
			b.readCursor++
		case slotMissing:
			if !now.Before(sl.state.dueDeadline.Add(recoveryLengthMax)) {
				out = append(out, EgressResult{Sequence: b.readCursor, Hole: true})
				*sl = slot{}
				b.readCursor++
				continue
			}
			return out
		default: // slotEmpty: nothing written yet at this position
			return out
		}
	}
	return out
}

// ForceDrain advances the read cursor by n slots unconditionally,
// surfacing holes for anything not yet present. Used by buffer-bloat
// mitigation's hard-limit forced drain.
func (b *Buffer) ForceDrain(n int) []EgressResult {
	var out []EgressResult
	for i := 0; i < n && seqLess(b.readCursor, b.writeCursor); i++ {
		sl := &b.slots[b.idx(b.readCursor)]
		if sl.state.kind == slotPresent {
			out = append(out, EgressResult{Sequence: b.readCursor, Packet: sl.state.packet})
		} else {
			out = append(out, EgressResult{Sequence: b.readCursor, Hole: true})
		}
		*sl = slot{}
		b.readCursor++
	}
	return out
}

// DropMissingWithGone immediately satisfies the slot at seq as "gone"
// (probabilistic early drop under buffer bloat), without waiting for
// its deadline. No-op if the slot isn't currently missing.
func (b *Buffer) DropMissingWithGone(seq uint32) {
	sl := &b.slots[b.idx(seq)]
	if sl.state.kind == slotMissing {
		// Backdate dueDeadline so the next Drain treats this slot as
		// already past its egress deadline and surfaces it as a hole.
		sl.state.dueDeadline = time.Unix(0, 0)
	}
}

// MissingSequences returns every sequence currently in the missing
// state between readCursor and writeCursor (inclusive/exclusive), for
// NACK scheduling.
func (b *Buffer) MissingSequences() []uint32 {
	var out []uint32
	for s := b.readCursor; seqLess(s, b.writeCursor); s++ {
		if b.slots[b.idx(s)].state.kind == slotMissing {
			out = append(out, s)
		}
	}
	return out
}

// PromoteIfMissing turns a missing slot into present, used when the
// codec/dispatcher decodes a retransmitted packet for a sequence that
// was already tracked as missing; returns false if the slot was not
// in the missing state (e.g. a duplicate retransmit).
func (b *Buffer) PromoteIfMissing(p *wire.Packet, arrivalAt time.Time) bool {
	sl := &b.slots[b.idx(p.Sequence)]
	if sl.state.kind != slotMissing {
		return false
	}
	sl.state = state{kind: slotPresent, packet: p, arrivalAt: arrivalAt}
	return true
}

// ReadCursor and WriteCursor expose the buffer's current bounds for
// invariant checks and stats.
func (b *Buffer) ReadCursor() uint32  { return b.readCursor }
func (b *Buffer) WriteCursor() uint32 { return b.writeCursor }

// NackCount returns the retry counter for a missing slot, used to
// enforce max_retries; IncrementNackCount bumps it.
func (b *Buffer) NackCount(seq uint32) int {
	return b.slots[b.idx(seq)].state.nackCount
}

// IncrementNackCount bumps the retry counter for a missing slot.
func (b *Buffer) IncrementNackCount(seq uint32) {
	sl := &b.slots[b.idx(seq)]
	if sl.state.kind == slotMissing {
		sl.state.nackCount++
	}
}

// FirstSeenAt returns when a missing slot's gap was first observed
// (its arrival-adjacent packet's arrival time), used for NACK timing.
func (b *Buffer) FirstSeenAt(seq uint32) time.Time {
	return b.slots[b.idx(seq)].state.firstSeenAt
}
