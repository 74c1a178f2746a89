package flowtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rist-go/rist/pkg/recv"
	"github.com/rist-go/rist/pkg/wire"
)

func TestRecvFlowCreatesLazily(t *testing.T) {
	d := New(recv.Params{}, 64, time.Minute, nil, nil)
	now := time.Unix(0, 0)

	require.Equal(t, 0, d.Len())
	f := d.RecvFlow(42, now)
	require.NotNil(t, f)
	require.Equal(t, 1, d.Len())

	again := d.RecvFlow(42, now)
	require.Same(t, f, again)
	require.Equal(t, 1, d.Len())
}

func TestTickEvictsIdleFlows(t *testing.T) {
	d := New(recv.Params{}, 64, 10*time.Second, nil, nil)
	now := time.Unix(0, 0)
	d.RecvFlow(1, now)
	require.Equal(t, 1, d.Len())

	later := now.Add(20 * time.Second)
	d.Tick(later, 0)
	require.Equal(t, 0, d.Len())
}

func TestTickDeliversInOrderPackets(t *testing.T) {
	d := New(recv.Params{}, 64, time.Minute, nil, nil)
	now := time.Unix(0, 0)
	f := d.RecvFlow(7, now)

	for i := uint32(0); i < 3; i++ {
		f.Insert(&wire.Packet{Sequence: i}, now)
	}

	delivered := d.Tick(now.Add(time.Second), 0)
	require.Len(t, delivered[7], 3)
}

func TestSnapshotsReportPerFlowState(t *testing.T) {
	d := New(recv.Params{}, 64, time.Minute, nil, nil)
	now := time.Unix(0, 0)
	d.RecvFlow(3, now)

	snaps := d.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, uint32(3), snaps[0].FlowID)
}

func TestRemoveDeletesFlow(t *testing.T) {
	d := New(recv.Params{}, 64, time.Minute, nil, nil)
	now := time.Unix(0, 0)
	d.RecvFlow(9, now)
	require.Equal(t, 1, d.Len())
	d.Remove(9)
	require.Equal(t, 0, d.Len())
}
