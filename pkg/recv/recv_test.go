package recv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rist-go/rist/pkg/wire"
)

func pkt(seq uint32) *wire.Packet {
	return &wire.Packet{Sequence: seq, FlowID: 1, Payload: []byte{byte(seq)}}
}

func TestCleanPathDeliversInOrderNoHoles(t *testing.T) {
	f := NewFlow(1, 1024, Params{}, nil)
	now := time.Unix(0, 0)

	for i := uint32(0); i < 50; i++ {
		f.Insert(pkt(i), now)
	}
	results := f.Tick(now, 5*time.Millisecond)
	require.Len(t, results, 50)
	for i, r := range results {
		require.False(t, r.Hole)
		require.Equal(t, uint32(i), r.Sequence)
	}
}

func TestSingleLossRecoveredByRetransmit(t *testing.T) {
	f := NewFlow(1, 1024, Params{RecoveryLengthMin: 10 * time.Millisecond, RecoveryLengthMax: 200 * time.Millisecond}, nil)
	now := time.Unix(0, 0)

	for i := uint32(0); i < 10; i++ {
		if i == 5 {
			continue // dropped
		}
		f.Insert(pkt(i), now)
	}
	results := f.Tick(now, 5*time.Millisecond)
	// delivery should stall at the hole
	require.Len(t, results, 5)

	// retransmit arrives
	f.Insert(pkt(5), now.Add(20*time.Millisecond))
	results = f.Tick(now.Add(20*time.Millisecond), 5*time.Millisecond)
	require.Len(t, results, 5) // 5..9 now flow through
	for _, r := range results {
		require.False(t, r.Hole)
	}
	require.EqualValues(t, 1, f.Retransmitted)
}

func TestPermanentLossSurfacesHoleAfterMax(t *testing.T) {
	f := NewFlow(1, 1024, Params{RecoveryLengthMin: 5 * time.Millisecond, RecoveryLengthMax: 50 * time.Millisecond}, nil)
	now := time.Unix(0, 0)

	f.Insert(pkt(0), now)
	// sequence 1 never arrives
	f.Insert(pkt(2), now)

	results := f.Tick(now, time.Millisecond)
	require.Len(t, results, 1) // only seq 0 delivered, 1 is a gap blocking 2

	later := now.Add(60 * time.Millisecond)
	results = f.Tick(later, time.Millisecond)
	require.Len(t, results, 2)
	require.True(t, results[0].Hole)
	require.Equal(t, uint32(1), results[0].Sequence)
	require.False(t, results[1].Hole)
	require.Equal(t, uint32(2), results[1].Sequence)
}

func TestDuplicateInsertCountedOnce(t *testing.T) {
	f := NewFlow(1, 1024, Params{}, nil)
	now := time.Unix(0, 0)
	f.Insert(pkt(0), now)
	res := f.Insert(pkt(0), now)
	require.Equal(t, InsertDuplicateDropped, res)
	require.EqualValues(t, 1, f.Duplicates)
}

func TestMaxRetriesStopsNackGeneration(t *testing.T) {
	f := NewFlow(1, 1024, Params{RecoveryLengthMin: time.Millisecond, RecoveryLengthMax: time.Hour, NackPeriod: 0, MaxRetries: 2}, nil)
	now := time.Unix(0, 0)
	f.Insert(pkt(0), now)
	f.Insert(pkt(2), now) // seq 1 missing

	f.scheduleNewGaps(now, time.Millisecond)
	due1 := f.DueNacks(now.Add(10 * time.Millisecond))
	require.Equal(t, []uint32{1}, due1)
	due2 := f.DueNacks(now.Add(20 * time.Millisecond))
	require.Equal(t, []uint32{1}, due2)
	// third time: max retries (2) already reached, stops generating
	due3 := f.DueNacks(now.Add(30 * time.Millisecond))
	require.Empty(t, due3)
}

func TestBloatMitigationForceDrainsAtHardLimit(t *testing.T) {
	f := NewFlow(1, 4096, Params{BloatMode: BloatNormal, BloatLimit: 2, RecoveryLengthMin: time.Millisecond, RecoveryLengthMax: time.Hour}, nil)
	now := time.Unix(0, 0)

	// Create 5 outstanding gaps (hard limit = 2*2 = 4).
	f.Insert(pkt(0), now)
	for _, s := range []uint32{6} {
		f.Insert(pkt(s), now) // leaves 1..5 missing
	}
	f.scheduleNewGaps(now, time.Millisecond)
	require.True(t, f.outstandingNacks >= 4)

	f.ApplyBloatMitigation(func() float64 { return 0 })
	require.Less(t, f.outstandingNacks, 4)
}

func TestEmptyNackSuppressed(t *testing.T) {
	f := NewFlow(1, 1024, Params{}, nil)
	typ, value := f.AggregateNacks(time.Unix(0, 0))
	require.Zero(t, typ)
	require.Nil(t, value)
}

func TestRecoveryWindowExactlyAtMaxIsDeliveredNotDropped(t *testing.T) {
	f := NewFlow(1, 1024, Params{RecoveryLengthMax: 100 * time.Millisecond}, nil)
	now := time.Unix(0, 0)
	f.Insert(pkt(0), now)
	f.Insert(pkt(1), now.Add(100*time.Millisecond)) // arrives exactly at the deadline tick

	results := f.Tick(now.Add(100*time.Millisecond), time.Millisecond)
	require.Len(t, results, 2)
	require.False(t, results[1].Hole)
}
