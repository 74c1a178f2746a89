package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLifecycleHappyPath(t *testing.T) {
	p := New(Config{Weight: 1})
	now := time.Unix(0, 0)

	require.NoError(t, p.OnOutboundOrInboundFirstContact(now))
	require.Equal(t, StateHandshakeSent, p.State())

	require.NoError(t, p.OnHandshakeAck(now))
	require.Equal(t, StateHandshakeAcked, p.State())

	require.NoError(t, p.OnDataOrAuthSuccess(now))
	require.Equal(t, StateActive, p.State())
}

func TestHandshakeTimeoutBacksOffThenDies(t *testing.T) {
	p := New(Config{HandshakeTimeout: time.Second})
	now := time.Unix(0, 0)
	require.NoError(t, p.OnOutboundOrInboundFirstContact(now))

	var dead bool
	for i := 0; i < DefaultHandshakeMaxRetry; i++ {
		_, dead = p.OnHandshakeTimeout(now)
	}
	require.True(t, dead)
	require.Equal(t, StateDead, p.State())
}

func TestActiveGoesStaleThenDead(t *testing.T) {
	cfg := Config{KeepaliveInterval: 100 * time.Millisecond, DeadTimeout: time.Second}
	p := New(cfg)
	now := time.Unix(0, 0)
	require.NoError(t, p.OnOutboundOrInboundFirstContact(now))
	require.NoError(t, p.OnHandshakeAck(now))
	require.NoError(t, p.OnDataOrAuthSuccess(now))
	require.NoError(t, p.OnDatagramReceived(now))

	require.Equal(t, StateActive, p.CheckIdle(now.Add(100*time.Millisecond)))
	require.Equal(t, StateStale, p.CheckIdle(now.Add(time.Second)))
	require.Equal(t, StateDead, p.CheckIdle(now.Add(2*time.Second)))
}

func TestStaleReturnsToActiveOnTraffic(t *testing.T) {
	p := New(Config{})
	now := time.Unix(0, 0)
	require.NoError(t, p.OnOutboundOrInboundFirstContact(now))
	require.NoError(t, p.OnHandshakeAck(now))
	require.NoError(t, p.OnDataOrAuthSuccess(now))
	require.Equal(t, StateStale, p.CheckIdle(now.Add(time.Hour)))
	require.NoError(t, p.OnDatagramReceived(now.Add(time.Hour)))
	require.Equal(t, StateActive, p.State())
}

func TestLossRateAndCutoff(t *testing.T) {
	p := New(Config{PeerCutoff: 0.3})
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		p.RecordReceived(now)
	}
	for i := 0; i < 4; i++ {
		p.RecordRetransmitRequest(now)
	}
	require.InDelta(t, 0.4, p.LossRate(), 0.001)
	require.True(t, p.ExceedsCutoff())
}

func TestBondingWeightedRoundRobinSkipsCutoff(t *testing.T) {
	table := NewTable()
	now := time.Unix(0, 0)

	good := table.Register(Config{Weight: 3})
	bad := table.Register(Config{Weight: 1, PeerCutoff: 0.1})
	for _, p := range []*Peer{good, bad} {
		require.NoError(t, p.OnOutboundOrInboundFirstContact(now))
		require.NoError(t, p.OnHandshakeAck(now))
		require.NoError(t, p.OnDataOrAuthSuccess(now))
	}
	for i := 0; i < 10; i++ {
		bad.RecordReceived(now)
	}
	for i := 0; i < 5; i++ {
		bad.RecordRetransmitRequest(now)
	}

	b := NewBonding(table)
	counts := map[ID]int{}
	for i := 0; i < 100; i++ {
		p := b.Select()
		require.NotNil(t, p)
		counts[p.ID()]++
	}
	require.Equal(t, 100, counts[good.ID()])
	require.Zero(t, counts[bad.ID()])
}

func TestDedupAdmitsOnce(t *testing.T) {
	d := NewDedup(16)
	require.True(t, d.Admit(1))
	require.False(t, d.Admit(1))
	require.True(t, d.Admit(2))
}
