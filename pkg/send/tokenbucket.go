package send

import (
	"sync"
	"time"
)

// TokenBucket implements the bitrate cap described in spec.md §4.7:
// sized by recovery_maxbitrate (Mbps), draining tokens per byte sent.
// Only originals go through it (Engine.Write); retransmits sent by
// Engine's NACK handling do not take tokens. When empty, sends block at
// the engine queue rather than at the socket, preserving fairness
// between flows sharing one egress path.
type TokenBucket struct {
	mu sync.Mutex

	capacityBytes float64
	tokens        float64
	rateBytesPerS float64
	lastRefill    time.Time
}

// NewTokenBucket creates a bucket capped at recovery_maxbitrate
// megabits/second, with a burst capacity of burstBytes.
func NewTokenBucket(maxMbps float64, burstBytes float64, now time.Time) *TokenBucket {
	rate := maxMbps * 1_000_000 / 8
	if burstBytes <= 0 {
		burstBytes = rate // default: one second of burst
	}
	return &TokenBucket{
		capacityBytes: burstBytes,
		tokens:        burstBytes,
		rateBytesPerS: rate,
		lastRefill:    now,
	}
}

func (t *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(t.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	t.tokens += elapsed * t.rateBytesPerS
	if t.tokens > t.capacityBytes {
		t.tokens = t.capacityBytes
	}
	t.lastRefill = now
}

// TryTake attempts to withdraw n bytes worth of tokens, returning
// true on success. Callers should queue (not drop) on false.
func (t *TokenBucket) TryTake(now time.Time, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked(now)
	if t.tokens < float64(n) {
		return false
	}
	t.tokens -= float64(n)
	return true
}

// WaitDuration reports how long the caller must wait before n bytes
// worth of tokens will be available, given the current fill level.
func (t *TokenBucket) WaitDuration(now time.Time, n int) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refillLocked(now)
	deficit := float64(n) - t.tokens
	if deficit <= 0 {
		return 0
	}
	seconds := deficit / t.rateBytesPerS
	return time.Duration(seconds * float64(time.Second))
}
