package send

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rist-go/rist/pkg/wire"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []uint32
	fail bool
}

func (s *recordingSender) Send(p *wire.Packet, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errBoom
	}
	s.sent = append(s.sent, seq)
	return nil
}

var errBoom = errors.New("send: boom")

func TestWriteAssignsContiguousSequences(t *testing.T) {
	sender := &recordingSender{}
	e := NewEngine(1, Params{}, sender, time.Unix(0, 0), nil)

	for i := 0; i < 5; i++ {
		_, err := e.Write([]byte("x"), time.Unix(0, 0), false)
		require.NoError(t, err)
	}
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, sender.sent)
	require.Equal(t, 5, e.cache.Len())
}

func TestNackRangeRetransmitsCachedHitsAndIgnoresMisses(t *testing.T) {
	sender := &recordingSender{}
	now := time.Unix(0, 0)
	e := NewEngine(1, Params{RTTMin: time.Millisecond}, sender, now, nil)

	for i := 0; i < 3; i++ {
		_, _ = e.Write([]byte("x"), now, false)
	}

	later := now.Add(10 * time.Millisecond)
	e.HandleNackRange([]wire.NackRangePair{{From: 1, To: 1}, {From: 99, To: 99}}, later)

	require.Equal(t, []uint32{0, 1, 2, 1}, sender.sent) // original 0,1,2 then retransmit of 1
	require.EqualValues(t, 1, e.Stats().Retransmitted)
	require.EqualValues(t, 1, e.Stats().NackMisses)
}

func TestNackCoalescesWithinRTTMin(t *testing.T) {
	sender := &recordingSender{}
	now := time.Unix(0, 0)
	e := NewEngine(1, Params{RTTMin: 50 * time.Millisecond}, sender, now, nil)
	_, _ = e.Write([]byte("x"), now, false)

	// Two NACKs in quick succession; the second should coalesce.
	e.HandleNackRange([]wire.NackRangePair{{From: 0, To: 0}}, now.Add(5*time.Millisecond))
	e.HandleNackRange([]wire.NackRangePair{{From: 0, To: 0}}, now.Add(10*time.Millisecond))

	require.Equal(t, []uint32{0}, sender.sent) // original only; both NACKs arrived within rtt_min
}

func TestCacheEvictsAgedEntries(t *testing.T) {
	c := NewCache(10, time.Second, time.Unix(0, 0))
	now := time.Unix(0, 0)
	c.Insert(&wire.Packet{Sequence: 1}, now)
	c.EvictAged(now.Add(2 * time.Second))
	_, ok := c.Lookup(1)
	require.False(t, ok)
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCache(2, time.Minute, now)
	c.Insert(&wire.Packet{Sequence: 1}, now)
	c.Insert(&wire.Packet{Sequence: 2}, now)
	c.Insert(&wire.Packet{Sequence: 3}, now) // evicts 1

	_, ok := c.Lookup(1)
	require.False(t, ok)
	_, ok = c.Lookup(2)
	require.True(t, ok)
	_, ok = c.Lookup(3)
	require.True(t, ok)
}

func TestTokenBucketCapsRate(t *testing.T) {
	now := time.Unix(0, 0)
	tb := NewTokenBucket(1, 100, now) // 1Mbps = 125000 B/s, burst 100 bytes
	require.True(t, tb.TryTake(now, 100))
	require.False(t, tb.TryTake(now, 1))

	later := now.Add(time.Second)
	require.True(t, tb.TryTake(later, 100))
}

func TestNPDStripsAndReinsertsNullPackets(t *testing.T) {
	enc := NewNPDEncoder(true)
	payload := make([]byte, tsPacketLen*3)
	// packet 0: normal, packet 1: null, packet 2: normal
	payload[0] = 0x47
	payload[tsPacketLen] = 0x47
	payload[tsPacketLen+1] = 0x1F
	payload[tsPacketLen+2] = 0xFF
	payload[2*tsPacketLen] = 0x47

	reduced, bitmap := enc.Strip(payload)
	require.Len(t, reduced, 2*tsPacketLen)
	require.NotEmpty(t, bitmap)

	restored := Reinsert(reduced, bitmap)
	require.Len(t, restored, 3*tsPacketLen)
}
