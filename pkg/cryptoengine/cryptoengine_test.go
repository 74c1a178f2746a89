package cryptoengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T, gen uint8) *Key {
	t.Helper()
	buf := DeriveKey("correct horse battery staple", []byte("nonce"), KeySize128, 4)
	return &Key{Bytes: buf, Size: KeySize128, Generation: gen}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := newTestKey(t, 0)
	plaintext := []byte("mpeg-ts payload chunk")

	ct, err := Encrypt(key, 42, 7, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ct)

	pt, err := Decrypt(key, 42, 7, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestKeyMaterialRolloverPromotesAfterGrace(t *testing.T) {
	now := time.Unix(0, 0)
	current := newTestKey(t, 0)
	km := NewKeyMaterial(current)

	pending := newTestKey(t, 1)
	km.InstallPending(pending, now, 2*time.Second)

	_, promoted := km.MaybePromote(now.Add(1 * time.Second))
	require.False(t, promoted)
	require.Equal(t, current, km.Current())

	retired, promoted := km.MaybePromote(now.Add(2 * time.Second))
	require.True(t, promoted)
	require.Equal(t, current, retired)
	require.Equal(t, pending, km.Current())
	require.Nil(t, km.Pending())
}

func TestKeyForGenerationTriesCurrentThenPending(t *testing.T) {
	km := NewKeyMaterial(newTestKey(t, 5))
	pending := newTestKey(t, 6)
	km.InstallPending(pending, time.Now(), time.Second)

	k, err := km.KeyForGeneration(5)
	require.NoError(t, err)
	require.Equal(t, uint8(5), k.Generation)

	k, err = km.KeyForGeneration(6)
	require.NoError(t, err)
	require.Equal(t, uint8(6), k.Generation)

	_, err = km.KeyForGeneration(9)
	require.Error(t, err)
}

func TestFailureTrackerAlarmsOverThreshold(t *testing.T) {
	ft := NewFailureTracker(time.Second, 2)
	now := time.Unix(0, 0)
	require.False(t, ft.RecordFailure(now))
	require.False(t, ft.RecordFailure(now))
	require.True(t, ft.RecordFailure(now))
}

func TestFailureTrackerWindowExpires(t *testing.T) {
	ft := NewFailureTracker(time.Second, 1)
	now := time.Unix(0, 0)
	ft.RecordFailure(now)
	ft.RecordFailure(now)
	// Well outside the window: old failures should have aged out.
	require.False(t, ft.RecordFailure(now.Add(5*time.Second)))
}
