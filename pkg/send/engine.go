package send

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/rist-go/rist/pkg/wire"
)

// Sender is the subset of the bonded peer link the engine needs to
// actually put a framed datagram on the wire.
type Sender interface {
	Send(p *wire.Packet, seq uint32) error
}

// Params configures one Engine.
type Params struct {
	RecoveryLengthMax time.Duration
	RTTMin            time.Duration
	CacheCapacity     int
	MaxBitrateMbps    float64
	NPDEnabled        bool
}

func (p Params) withDefaults() Params {
	if p.RecoveryLengthMax <= 0 {
		p.RecoveryLengthMax = 1000 * time.Millisecond
	}
	if p.RTTMin <= 0 {
		p.RTTMin = 10 * time.Millisecond
	}
	if p.CacheCapacity <= 0 {
		p.CacheCapacity = 4096
	}
	return p
}

// Engine is the per-flow send-side reliability engine: sequence
// assignment, retransmit caching, NACK intake, and bitrate shaping.
type Engine struct {
	log *log.Logger

	flowID uint32
	params Params

	cache   *Cache
	bucket  *TokenBucket
	npd     *NPDEncoder
	nextSeq uint32

	sender Sender

	originals     uint64
	retransmitted uint64
	nackMisses    uint64
}

// NewEngine creates a send engine for one flow.
func NewEngine(flowID uint32, params Params, sender Sender, now time.Time, logger *log.Logger) *Engine {
	params = params.withDefaults()
	e := &Engine{
		log:    logger,
		flowID: flowID,
		params: params,
		cache:  NewCache(params.CacheCapacity, params.RecoveryLengthMax, now),
		npd:    NewNPDEncoder(params.NPDEnabled),
		sender: sender,
	}
	if params.MaxBitrateMbps > 0 {
		e.bucket = NewTokenBucket(params.MaxBitrateMbps, 0, now)
	}
	return e
}

// ErrQueueFull is returned by Write when the bitrate cap has no
// tokens available and the caller asked not to block.
var ErrQueueFull = fmt.Errorf("send: queue full")

// Write assigns the next sequence, applies NPD, inserts into the
// retransmit cache, and hands the packet to the bonding sender. If the
// bitrate cap has no tokens and block is false, returns ErrQueueFull
// immediately rather than sending; with block true, Write itself sleeps
// for the bucket's WaitDuration before sending.
func (e *Engine) Write(payload []byte, now time.Time, block bool) (*wire.Packet, error) {
	reduced := payload
	var flags wire.Flags
	if e.npd != nil {
		var bitmap []byte
		reduced, bitmap = e.npd.Strip(payload)
		if bitmap != nil {
			reduced = FrameBitmap(reduced, bitmap)
			flags |= wire.FlagNPD
		}
	}

	if e.bucket != nil {
		if !e.bucket.TryTake(now, len(reduced)) {
			if !block {
				return nil, ErrQueueFull
			}
			wait := e.bucket.WaitDuration(now, len(reduced))
			time.Sleep(wait)
			now = now.Add(wait)
			e.bucket.TryTake(now, len(reduced))
		}
	}

	seq := atomic.AddUint32(&e.nextSeq, 1) - 1
	p := &wire.Packet{
		Sequence: seq,
		FlowID:   e.flowID,
		Flags:    wire.FlagData | flags,
		Payload:  reduced,
	}

	e.cache.Insert(p, now)
	e.originals++

	if err := e.sender.Send(p, seq); err != nil {
		return p, err
	}
	return p, nil
}

// HandleNackRange answers a RANGE-form NACK, per spec.md §4.7: for
// each hit, skip if last_sent_time+rtt_min > now (coalescing a recent
// resend), else retransmit; for each miss, drop silently (already
// evicted).
func (e *Engine) HandleNackRange(pairs []wire.NackRangePair, now time.Time) {
	for _, pr := range pairs {
		for s := pr.From; ; s++ {
			e.handleOneNack(s, now)
			if s == pr.To {
				break
			}
		}
	}
}

// HandleNackBitmap answers a BITMAP-form NACK the same way.
func (e *Engine) HandleNackBitmap(entries []wire.NackBitmapEntry, now time.Time) {
	for _, entry := range entries {
		for _, s := range entry.Expand() {
			e.handleOneNack(s, now)
		}
	}
}

func (e *Engine) handleOneNack(seq uint32, now time.Time) {
	entry, ok := e.cache.Lookup(seq)
	if !ok {
		e.nackMisses++
		return // already evicted, answered with "gone" implicitly
	}
	if now.Sub(entry.LastSentTime) < e.params.RTTMin {
		return // coalesce: a resend is already in flight within rtt_min
	}
	if err := e.sender.Send(entry.Packet, seq); err != nil {
		if e.log != nil {
			e.log.Warnf("retransmit seq=%d failed: %v", seq, err)
		}
		return
	}
	e.cache.MarkResent(seq, now)
	e.retransmitted++
}

// EvictAged drops cache entries older than recovery_length_max, per
// spec.md §3's retransmit-cache invariant.
func (e *Engine) EvictAged(now time.Time) {
	e.cache.EvictAged(now)
}

// Stats returns a snapshot of the engine's counters.
type Stats struct {
	Originals     uint64
	Retransmitted uint64
	NackMisses    uint64
	CacheSize     int
}

// Stats returns the current send-engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Originals:     e.originals,
		Retransmitted: e.retransmitted,
		NackMisses:    e.nackMisses,
		CacheSize:     e.cache.Len(),
	}
}
