package clockwheel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresNotEarly(t *testing.T) {
	start := time.Unix(0, 0)
	w := New(start)

	var fired []CallbackID
	id := w.Schedule(start, start.Add(50*time.Millisecond), func(id CallbackID) {
		fired = append(fired, id)
	})

	due := w.Advance(start.Add(10 * time.Millisecond))
	require.Empty(t, due)

	due = w.Advance(start.Add(60 * time.Millisecond))
	require.Equal(t, []CallbackID{id}, due)
}

func TestCancelIsIdempotentAndPreventsFiring(t *testing.T) {
	start := time.Unix(0, 0)
	w := New(start)

	id := w.Schedule(start, start.Add(20*time.Millisecond), func(CallbackID) {})
	w.Cancel(id)
	w.Cancel(id) // no panic, no-op

	due := w.Advance(start.Add(30 * time.Millisecond))
	require.Empty(t, due)
}

func TestOverflowEntriesEventuallyFire(t *testing.T) {
	start := time.Unix(0, 0)
	w := New(start)

	// Beyond numSlots ms, lands on the overflow list first.
	id := w.Schedule(start, start.Add(500*time.Millisecond), func(CallbackID) {})

	due := w.Advance(start.Add(100 * time.Millisecond))
	require.Empty(t, due)

	due = w.Advance(start.Add(600 * time.Millisecond))
	require.Equal(t, []CallbackID{id}, due)
}

func TestAdvanceOrdersByDeadline(t *testing.T) {
	start := time.Unix(0, 0)
	w := New(start)

	idLate := w.Schedule(start, start.Add(40*time.Millisecond), func(CallbackID) {})
	idEarly := w.Schedule(start, start.Add(10*time.Millisecond), func(CallbackID) {})

	due := w.Advance(start.Add(100 * time.Millisecond))
	require.Equal(t, []CallbackID{idEarly, idLate}, due)
}
