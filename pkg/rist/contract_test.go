package rist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rist-go/rist/pkg/peer"
)

func TestSenderReceiverRoundTripSimpleProfile(t *testing.T) {
	receiver := ReceiverCreate(ProfileSimple, Flags{}, nil)
	require.NoError(t, receiver.Start())
	defer receiver.Destroy()

	sender := SenderCreate(ProfileSimple, Flags{FlowID: 7}, nil)
	_, err := sender.PeerCreate(peer.Config{Address: receiver.LocalAddr()})
	require.NoError(t, err)
	require.NoError(t, sender.Start())
	defer sender.Destroy()

	_, err = sender.Write([]byte("hello"), true)
	require.NoError(t, err)

	payload, err := receiver.Read(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}

func TestReadTimesOutWithNoTraffic(t *testing.T) {
	receiver := ReceiverCreate(ProfileSimple, Flags{}, nil)
	require.NoError(t, receiver.Start())
	defer receiver.Destroy()

	_, err := receiver.Read(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestOOBWriteRequiresMainProfile(t *testing.T) {
	sender := SenderCreate(ProfileSimple, Flags{}, nil)
	err := sender.OOBWrite(&peer.Peer{}, []byte("x"))
	require.ErrorIs(t, err, ErrNotMainProfile)
}

func TestWriteBeforeStartFails(t *testing.T) {
	sender := SenderCreate(ProfileSimple, Flags{}, nil)
	_, err := sender.Write([]byte("x"), true)
	require.Error(t, err)
}

func TestDestroyIsIdempotent(t *testing.T) {
	receiver := ReceiverCreate(ProfileSimple, Flags{}, nil)
	require.NoError(t, receiver.Start())
	require.NoError(t, receiver.Destroy())
	require.NoError(t, receiver.Destroy())
}
