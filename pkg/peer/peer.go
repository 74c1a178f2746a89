// Package peer implements the per-peer lifecycle state machine,
// keepalive/RTT estimation, and weighted bonding described in
// spec.md §4.5, plus the peer table's reader/writer discipline from
// §5 ("Peer table and keystore are under a reader-writer discipline:
// read-heavy paths ... take a shared view; writes ... take
// exclusive").
//
// The state-transition style (typed sentinel errors, an explicit
// State field, structured logging per transition) is grounded on the
// teacher's client2/connection.go, generalized from a single
// client-to-Provider connection to the spec's six-state bonding-aware
// peer lifecycle. Stable peer identity uses github.com/rs/xid
// (carried from the runZeroInc-conniver/runZeroInc-sockstats examples,
// where xid generates request/session identifiers) in place of a
// hand-rolled counter, per Design Note §9's "arena+index scheme" for
// cyclic-reference avoidance: the context owns a peer table; peers
// are addressed by this stable id, never by a reciprocal pointer back
// to the context.
package peer

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// State is one of the peer lifecycle states in spec.md §4.5.
type State uint8

const (
	StateIdle State = iota
	StateHandshakeSent
	StateHandshakeAcked
	StateActive
	StateStale
	StateDead
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeSent:
		return "hs_sent"
	case StateHandshakeAcked:
		return "hs_acked"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a caller attempts a transition
// the state machine does not allow.
var ErrInvalidTransition = errors.New("peer: invalid state transition")

// Defaults per spec.md §4.5.
const (
	DefaultHandshakeTimeout  = time.Second
	DefaultHandshakeMaxRetry = 5
	DefaultKeepaliveInterval = 100 * time.Millisecond
	DefaultKeepaliveTimeout  = 7 * DefaultKeepaliveInterval
	DefaultDeadTimeout       = 30 * time.Second
	DefaultPeerCutoff        = 0.30
)

// Config is the caller-supplied, immutable-after-registration
// configuration for one peer (Design Note §9: "raw pointer sharing of
// peer config structs ... must become either owned value semantics
// with copy-on-register" — Config is copied by value into Peer at
// Register time, never shared by pointer into caller-owned memory).
type Config struct {
	Address            *net.UDPAddr
	Weight             int
	HandshakeTimeout   time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveTimeout   time.Duration
	DeadTimeout        time.Duration
	PeerCutoff         float64
	Secret             string
}

func (c Config) withDefaults() Config {
	if c.Weight <= 0 {
		c.Weight = 1
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 7 * c.KeepaliveInterval
	}
	if c.DeadTimeout <= 0 {
		c.DeadTimeout = DefaultDeadTimeout
	}
	if c.PeerCutoff <= 0 {
		c.PeerCutoff = DefaultPeerCutoff
	}
	return c
}

// ID is a peer's stable identity handle.
type ID = xid.ID

// Peer tracks the lifecycle, RTT, and loss statistics for one
// addressable remote endpoint.
type Peer struct {
	mu sync.RWMutex

	id     ID
	cfg    Config
	state  State

	lastHeard  time.Time
	staleSince time.Time
	hsAttempts int
	hsDeadline time.Time

	rttSmoothed time.Duration
	rttVar      time.Duration
	haveRTT     bool

	recvCount       uint64
	retransmitCount uint64
	lossWindowStart time.Time
	lossWindow      time.Duration

	keyGenHandle uint8 // resolves via the keystore; see Design Note §9
}

// New creates an idle peer with a freshly assigned stable id.
func New(cfg Config) *Peer {
	return &Peer{
		id:         xid.New(),
		cfg:        cfg.withDefaults(),
		state:      StateIdle,
		lossWindow: time.Second,
	}
}

// ID returns the peer's stable identity.
func (p *Peer) ID() ID {
	return p.id
}

// Address returns the peer's endpoint address.
func (p *Peer) Address() *net.UDPAddr {
	return p.cfg.Address
}

// Weight returns the peer's configured bonding weight.
func (p *Peer) Weight() int {
	return p.cfg.Weight
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// transitions enumerates the legal state graph from spec.md §4.5.
var transitions = map[State]map[State]bool{
	StateIdle:            {StateHandshakeSent: true},
	StateHandshakeSent:   {StateHandshakeAcked: true, StateDead: true},
	StateHandshakeAcked:  {StateActive: true},
	StateActive:          {StateStale: true},
	StateStale:           {StateActive: true, StateDead: true},
	StateDead:            {},
}

func (p *Peer) transitionLocked(to State, now time.Time) error {
	if !transitions[p.state][to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	if to == StateStale {
		p.staleSince = now
	}
	return nil
}

// OnOutboundOrInboundFirstContact drives idle -> hs_sent, on first
// outbound write or receipt of any datagram from this peer.
func (p *Peer) OnOutboundOrInboundFirstContact(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle {
		return nil
	}
	p.hsAttempts = 1
	p.hsDeadline = now.Add(p.cfg.HandshakeTimeout)
	return p.transitionLocked(StateHandshakeSent, now)
}

// OnHandshakeAck drives hs_sent -> hs_acked on a matching reply.
func (p *Peer) OnHandshakeAck(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transitionLocked(StateHandshakeAcked, now)
}

// OnHandshakeTimeout applies exponential backoff up to the max attempt
// count, returning the next retry deadline, or transitions to dead
// once attempts are exhausted.
func (p *Peer) OnHandshakeTimeout(now time.Time) (nextDeadline time.Time, dead bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hsAttempts >= DefaultHandshakeMaxRetry {
		_ = p.transitionLocked(StateDead, now)
		return time.Time{}, true
	}
	p.hsAttempts++
	backoff := p.cfg.HandshakeTimeout << uint(p.hsAttempts-1)
	const maxBackoff = 8 * time.Second
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	p.hsDeadline = now.Add(backoff)
	return p.hsDeadline, false
}

// OnDataOrAuthSuccess drives hs_acked -> active on first data in
// either direction, or SRP authenticator success.
func (p *Peer) OnDataOrAuthSuccess(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeard = now
	if p.state == StateStale {
		return p.transitionLocked(StateActive, now)
	}
	if p.state != StateHandshakeAcked {
		return nil
	}
	return p.transitionLocked(StateActive, now)
}

// OnDatagramReceived updates last-heard time and, if stale, returns to
// active.
func (p *Peer) OnDatagramReceived(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastHeard = now
	if p.state == StateStale {
		return p.transitionLocked(StateActive, now)
	}
	return nil
}

// CheckIdle evaluates the active->stale->dead timers given the
// current time, returning the new state if it changed.
func (p *Peer) CheckIdle(now time.Time) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateActive:
		if !p.lastHeard.IsZero() && now.Sub(p.lastHeard) >= p.cfg.KeepaliveTimeout {
			_ = p.transitionLocked(StateStale, now)
		}
	case StateStale:
		if now.Sub(p.staleSince) >= p.cfg.DeadTimeout {
			_ = p.transitionLocked(StateDead, now)
		}
	}
	return p.state
}

// UpdateRTT folds a fresh round-trip sample into the smoothed RTT and
// jitter estimates using the classic EWMA coefficients from spec.md
// §4.5 (alpha=1/8 for RTT, alpha=1/4 for jitter — the same
// coefficients TCP's RTO estimator uses).
func (p *Peer) UpdateRTT(sample time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.haveRTT {
		p.rttSmoothed = sample
		p.rttVar = sample / 2
		p.haveRTT = true
		return
	}

	diff := sample - p.rttSmoothed
	if diff < 0 {
		diff = -diff
	}
	p.rttVar += (diff - p.rttVar) / 4
	p.rttSmoothed += (sample - p.rttSmoothed) / 8
}

// SmoothedRTT returns the current RTT estimate.
func (p *Peer) SmoothedRTT() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rttSmoothed
}

// RecordRetransmitRequest folds one NACK-driven retransmit request
// into the sliding loss-rate window.
func (p *Peer) RecordRetransmitRequest(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLossWindowIfStaleLocked(now)
	p.retransmitCount++
}

// RecordReceived folds one received packet into the sliding loss-rate
// window (distinct from OnDatagramReceived's keepalive bookkeeping).
func (p *Peer) RecordReceived(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLossWindowIfStaleLocked(now)
	p.recvCount++
}

func (p *Peer) resetLossWindowIfStaleLocked(now time.Time) {
	if p.lossWindowStart.IsZero() || now.Sub(p.lossWindowStart) > p.lossWindow {
		p.lossWindowStart = now
		p.retransmitCount = 0
		p.recvCount = 0
	}
}

// LossRate returns retransmit_requests/total_received over the
// sliding 1-second window, per spec.md §4.5.
func (p *Peer) LossRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.recvCount == 0 {
		return 0
	}
	return float64(p.retransmitCount) / float64(p.recvCount)
}

// ExceedsCutoff reports whether this peer's loss rate exceeds its
// configured bonding cutoff (default 30%), at which point bonding
// egress skips it.
func (p *Peer) ExceedsCutoff() bool {
	return p.LossRate() > p.cfg.PeerCutoff
}
