// Package cryptoengine implements the payload encryption layer: a
// PBKDF2-derived AES-128/256 counter-mode cipher with two live key
// generations (current + pending) so that rollover never drops a
// packet, and an EAP-SRP handshake producing the shared passphrase
// material for peers that don't configure a static secret.
//
// Locked memory for key material follows the teacher's own practice
// of protecting long-term secrets with memguard (see ratchet.go's use
// of locked buffers for the double-ratchet's root/chain keys); here
// every derived key lives in a memguard.LockedBuffer. KeyMaterial.Destroy
// wipes the current and pending keys; a key retired by MaybePromote is
// handed back to the caller and is not wiped by KeyMaterial.
package cryptoengine

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

// KeySize selects AES-128 or AES-256.
type KeySize int

const (
	KeySize128 KeySize = 16
	KeySize256 KeySize = 32
)

// DefaultPBKDF2Iterations matches the spec's documented default.
const DefaultPBKDF2Iterations = 1024

// DeriveKey runs PBKDF2-HMAC-SHA256 over passphrase, salted with the
// peer-chosen nonce carried in the first handshake message.
func DeriveKey(passphrase string, nonce []byte, size KeySize, iterations int) *memguard.LockedBuffer {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	raw := pbkdf2.Key([]byte(passphrase), nonce, iterations, int(size), sha256.New)
	buf := memguard.NewBufferFromBytes(raw)
	for i := range raw {
		raw[i] = 0
	}
	return buf
}

// Key is one live key generation.
type Key struct {
	Bytes          *memguard.LockedBuffer
	Size           KeySize
	Generation     uint8
	ActivationTime time.Time
}

// KeyMaterial holds the current and pending key, and implements the
// seamless-rollover handshake described in spec.md §4.3: the pending
// key is installed, announced, and promoted to current at its
// activation time; receivers keep trying current first, then pending,
// to absorb skew around the rollover boundary.
type KeyMaterial struct {
	mu          sync.RWMutex
	current     *Key
	pending     *Key
	rolloverDue time.Time

	// oldGenUnseenSince records when MaybePromote last retired a
	// generation. The retired key itself is not kept: KeyForGeneration
	// matches only the current and pending keys.
	oldGenUnseenSince time.Time
}

// NewKeyMaterial seeds the key material with an initial current key.
func NewKeyMaterial(initial *Key) *KeyMaterial {
	return &KeyMaterial{current: initial}
}

// Current returns the active key.
func (k *KeyMaterial) Current() *Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Pending returns the not-yet-promoted key, if any.
func (k *KeyMaterial) Pending() *Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pending
}

// InstallPending sets a newly generated key as pending, to be
// promoted to current at activation (now + rolloverGrace). Used by the
// side that triggers rollover (the sender).
func (k *KeyMaterial) InstallPending(next *Key, now time.Time, rolloverGrace time.Duration) {
	k.InstallPendingAt(next, now.Add(rolloverGrace))
}

// InstallPendingAt sets a newly derived key as pending with an
// explicit activation time. Used by the receiving side of a KEY_ANNOUNCE,
// where the sender dictates exactly when the switch happens so both
// ends promote at the same instant regardless of clock skew.
func (k *KeyMaterial) InstallPendingAt(next *Key, activation time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	next.ActivationTime = activation
	k.pending = next
}

// MaybePromote promotes pending to current once its activation time
// has elapsed. Returns the key generation that was retired, if any,
// so the caller can start the unseen-since clock on it.
func (k *KeyMaterial) MaybePromote(now time.Time) (retired *Key, promoted bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.pending == nil || now.Before(k.pending.ActivationTime) {
		return nil, false
	}
	retired = k.current
	k.current = k.pending
	k.pending = nil
	k.oldGenUnseenSince = now
	return retired, true
}

// KeyForGeneration returns the key matching gen among current/pending
// (receivers try current first, then pending, per spec).
func (k *KeyMaterial) KeyForGeneration(gen uint8) (*Key, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.current != nil && k.current.Generation == gen {
		return k.current, nil
	}
	if k.pending != nil && k.pending.Generation == gen {
		return k.pending, nil
	}
	return nil, fmt.Errorf("cryptoengine: no key for generation %d", gen)
}

// ShouldRollover reports whether rollover should start now, driven by
// a packet-count or time threshold (whichever the caller is tracking;
// this just compares against an explicit due time set by the caller
// via SetRolloverDue, matching should_rollover()'s role in spec.md).
func (k *KeyMaterial) ShouldRollover(now time.Time) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pending == nil && !k.rolloverDue.IsZero() && !now.Before(k.rolloverDue)
}

// SetRolloverDue schedules the next rollover check point.
func (k *KeyMaterial) SetRolloverDue(due time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rolloverDue = due
}

// GenerationNonce derives the PBKDF2 nonce for a key generation: both
// ends of a rollover hold the same shared passphrase, so a generation
// announced over KEY_ANNOUNCE can be independently re-derived rather
// than carrying key bytes on the wire.
func GenerationNonce(gen uint8) []byte {
	return []byte{'r', 'i', 's', 't', '-', 'g', 'e', 'n', gen}
}

// Destroy wipes both key generations from locked memory.
func (k *KeyMaterial) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil {
		k.current.Bytes.Destroy()
	}
	if k.pending != nil {
		k.pending.Bytes.Destroy()
	}
}
