package recv

import (
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rist-go/rist/pkg/wire"
)

// BloatMode selects the buffer-bloat mitigation aggressiveness
// described in spec.md §4.6.
type BloatMode uint8

const (
	BloatOff BloatMode = iota
	BloatNormal
	BloatAggressive
)

// hardLimitMultiplier scales soft_limit into hard_limit per mode.
func (m BloatMode) hardLimitMultiplier() float64 {
	switch m {
	case BloatAggressive:
		return 1.5
	case BloatNormal:
		return 2.0
	default:
		return 0 // BloatOff: mitigation never engages
	}
}

// Params configures one Flow's recovery window and NACK behavior.
type Params struct {
	RecoveryLengthMin time.Duration
	RecoveryLengthMax time.Duration
	RTTMin            time.Duration
	NackPeriod        time.Duration
	MaxRetries        int
	BloatMode         BloatMode
	BloatLimit         int // soft limit on outstanding NACKs
}

func (p Params) withDefaults() Params {
	if p.RecoveryLengthMin <= 0 {
		p.RecoveryLengthMin = 50 * time.Millisecond
	}
	if p.RecoveryLengthMax <= 0 {
		p.RecoveryLengthMax = 1000 * time.Millisecond
	}
	if p.RTTMin <= 0 {
		p.RTTMin = 10 * time.Millisecond
	}
	if p.NackPeriod <= 0 {
		p.NackPeriod = 10 * time.Millisecond
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 7
	}
	if p.BloatLimit <= 0 {
		p.BloatLimit = 100
	}
	return p
}

// nackState tracks per-missing-sequence NACK scheduling independent of
// the buffer slot itself, so that cancellation on arrival is O(1) and
// doesn't require scanning the whole flow.
type nackState struct {
	nextDue time.Time
}

// Flow is the receive-side state for one media stream: its recovery
// buffer, NACK schedule, and counters.
type Flow struct {
	log *log.Logger

	FlowID uint32
	params Params
	buf    *Buffer

	pendingNacks map[uint32]*nackState
	rttCurrent   time.Duration

	lastNackAggregation time.Time
	outstandingNacks    int

	// stats
	Received      uint64
	Retransmitted uint64
	LostHoles     uint64
	Duplicates    uint64
	LastEgressAt  time.Time
}

// NewFlow creates a receive flow.
func NewFlow(flowID uint32, capacity uint32, params Params, logger *log.Logger) *Flow {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "recv"})
	}
	return &Flow{
		log:          logger.WithPrefix("recv.flow"),
		FlowID:       flowID,
		params:       params.withDefaults(),
		buf:          NewBuffer(capacity),
		pendingNacks: make(map[uint32]*nackState),
	}
}

// Insert admits an arriving packet (original or retransmit) into the
// recovery buffer and cancels any pending NACK timers for its
// sequence, per spec.md §4.6 Insert: "If slot is placeholder, promote
// to present and cancel pending NACK timers."
func (f *Flow) Insert(p *wire.Packet, now time.Time) InsertResult {
	res := f.buf.Insert(p, now, f.params.RecoveryLengthMin)
	switch res {
	case InsertOverwroteMissing:
		f.Retransmitted++
		delete(f.pendingNacks, p.Sequence)
		if f.outstandingNacks > 0 {
			f.outstandingNacks--
		}
	case InsertDuplicateDropped:
		f.Duplicates++
	case InsertAccepted:
		f.Received++
	}
	return res
}

// scheduleNewGaps registers NACK timers for any missing sequence that
// doesn't have one yet: first NACK at arrival + max(reorder_buf,
// rtt_min), per spec.md §4.6 NACK schedule. reorderBuf stands in for
// the caller's configured reorder buffering window.
func (f *Flow) scheduleNewGaps(now time.Time, reorderBuf time.Duration) {
	firstDelay := reorderBuf
	if f.params.RTTMin > firstDelay {
		firstDelay = f.params.RTTMin
	}
	for _, seq := range f.buf.MissingSequences() {
		if _, ok := f.pendingNacks[seq]; ok {
			continue
		}
		firstSeen := f.buf.FirstSeenAt(seq)
		if firstSeen.IsZero() {
			firstSeen = now
		}
		f.pendingNacks[seq] = &nackState{nextDue: firstSeen.Add(firstDelay)}
		f.outstandingNacks++
	}
}

// DueNacks returns the set of sequences whose NACK timer has elapsed
// as of now, advancing each one's next-due time by max(rtt_current,
// rtt_min) and dropping it once max_retries is reached (it remains in
// the recovery buffer to be surfaced as a hole at its deadline, but
// stops generating NACKs).
func (f *Flow) DueNacks(now time.Time) []uint32 {
	var due []uint32
	interval := f.rttCurrent
	if f.params.RTTMin > interval {
		interval = f.params.RTTMin
	}
	for seq, ns := range f.pendingNacks {
		if now.Before(ns.nextDue) {
			continue
		}
		if f.buf.NackCount(seq) >= f.params.MaxRetries {
			delete(f.pendingNacks, seq)
			if f.outstandingNacks > 0 {
				f.outstandingNacks--
			}
			continue
		}
		f.buf.IncrementNackCount(seq)
		due = append(due, seq)
		ns.nextDue = now.Add(interval)
	}
	return due
}

// AggregateNacks builds a single NACK message (RANGE or BITMAP,
// whichever is smaller) for every currently-due sequence, enforcing
// the nack_period floor from spec.md §4.6 Aggregation. Returns nil if
// nack_period hasn't elapsed yet or there is nothing to send (empty
// NACK suppression, per spec.md §8 Boundary behaviors).
func (f *Flow) AggregateNacks(now time.Time) (tlvType wire.TLVType, value []byte) {
	if !f.lastNackAggregation.IsZero() && now.Sub(f.lastNackAggregation) < f.params.NackPeriod {
		return 0, nil
	}
	due := f.DueNacks(now)
	if len(due) == 0 {
		return 0, nil
	}
	f.lastNackAggregation = now
	return wire.ChooseEncoding(due)
}

// ApplyBloatMitigation runs one mitigation pass, per spec.md §4.6:
// above bloat_limit, every sequence with a pending NACK is resolved as
// "gone" with probability p on each pass; at hard_limit, the engine
// forcibly drains until back under it. randFn supplies a uniform [0,1) sample (injected so
// tests are deterministic).
func (f *Flow) ApplyBloatMitigation(randFn func() float64) {
	if f.params.BloatMode == BloatOff {
		return
	}
	hardLimit := int(float64(f.params.BloatLimit) * f.params.BloatMode.hardLimitMultiplier())
	if hardLimit <= f.params.BloatLimit {
		hardLimit = f.params.BloatLimit + 1
	}

	if f.outstandingNacks >= hardLimit {
		for f.outstandingNacks >= hardLimit {
			drained := f.buf.ForceDrain(1)
			if len(drained) == 0 {
				break
			}
			f.forgetDrainedLocked(drained)
		}
		return
	}

	if f.outstandingNacks <= f.params.BloatLimit {
		return
	}

	p := float64(f.outstandingNacks-f.params.BloatLimit) / float64(hardLimit-f.params.BloatLimit)
	for seq := range f.pendingNacks {
		if randFn() < p {
			f.buf.DropMissingWithGone(seq)
		}
	}
}

func (f *Flow) forgetDrainedLocked(drained []EgressResult) {
	for _, d := range drained {
		if d.Hole {
			f.LostHoles++
		}
		if _, ok := f.pendingNacks[d.Sequence]; ok {
			delete(f.pendingNacks, d.Sequence)
			if f.outstandingNacks > 0 {
				f.outstandingNacks--
			}
		}
	}
}

// Tick performs one scheduling round: schedules NACKs for newly
// observed gaps, drains everything ready for in-order egress (or past
// its recovery-window deadline), and returns the delivered results in
// sequence order.
func (f *Flow) Tick(now time.Time, reorderBuf time.Duration) []EgressResult {
	f.scheduleNewGaps(now, reorderBuf)
	drained := f.buf.Drain(now, f.params.RecoveryLengthMax)
	f.forgetDrainedLocked(drained)
	if len(drained) > 0 {
		f.LastEgressAt = now
	}
	return drained
}

// UpdateRTT feeds a fresh RTT sample (from the owning peer) into the
// NACK retry-interval calculation.
func (f *Flow) UpdateRTT(rtt time.Duration) {
	f.rttCurrent = rtt
}

// Buffer exposes the underlying recovery buffer for invariant checks
// and stats snapshots.
func (f *Flow) Buffer() *Buffer {
	return f.buf
}

// OutstandingNacks reports the current outstanding-NACK count, used by
// the dispatcher's stats callback.
func (f *Flow) OutstandingNacks() int {
	return f.outstandingNacks
}
