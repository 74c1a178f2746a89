package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMainDataRoundTrip(t *testing.T) {
	p := &Packet{
		Sequence:     0xdeadbeef,
		FlowID:       42,
		VirtSrcPort:  9000,
		VirtDstPort:  9001,
		TimestampNTP: 0x1122334455667788,
		KeyGen:       3,
		Payload:      []byte("hello media"),
	}
	raw, err := EncodeMainData(p, MaxPacketSize)
	require.NoError(t, err)

	got, ctrl, err := DecodeMain(raw)
	require.NoError(t, err)
	require.Nil(t, ctrl)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.FlowID, got.FlowID)
	require.Equal(t, p.VirtSrcPort, got.VirtSrcPort)
	require.Equal(t, p.VirtDstPort, got.VirtDstPort)
	require.Equal(t, p.TimestampNTP, got.TimestampNTP)
	require.Equal(t, p.KeyGen, got.KeyGen)
	require.Equal(t, p.Payload, got.Payload)
}

func TestMainControlRoundTrip(t *testing.T) {
	value := []byte{1, 2, 3, 4}
	raw, err := EncodeMainControl(7, 99, 1, TLVKeepalive, value, MaxPacketSize)
	require.NoError(t, err)

	pkt, ctrl, err := DecodeMain(raw)
	require.NoError(t, err)
	require.Nil(t, pkt)
	require.Equal(t, TLVKeepalive, ctrl.Type)
	require.Equal(t, uint32(7), ctrl.FlowID)
	require.Equal(t, uint32(99), ctrl.Seq)
	require.Equal(t, value, ctrl.Value)
}

func TestDecodeMainRejectsBadMagic(t *testing.T) {
	raw := make([]byte, mainHeaderLen+1)
	_, _, err := DecodeMain(raw)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeMainRejectsUnknownTLV(t *testing.T) {
	raw, err := EncodeMainControl(1, 1, 0, TLVKeepalive, nil, MaxPacketSize)
	require.NoError(t, err)
	raw[mainHeaderLen] = 0xEE // stomp the TLV type with a reserved value
	_, _, err = DecodeMain(raw)
	require.ErrorIs(t, err, ErrUnknownPayloadType)
}

func TestSimpleRoundTripNoRetransmit(t *testing.T) {
	p := &Packet{Sequence: 100, FlowID: 0xAABBCCDD, TimestampNTP: 0x100000000, Payload: []byte("ts payload")}
	raw, err := EncodeSimple(p, false, MaxPacketSize)
	require.NoError(t, err)

	tracker := &SimpleEpochTracker{}
	got, err := DecodeSimple(raw, tracker)
	require.NoError(t, err)
	require.Equal(t, uint32(100), got.Sequence)
	require.Equal(t, p.FlowID, got.FlowID)
	require.Equal(t, p.Payload, got.Payload)
}

func TestSimpleEpochTrackerWraps(t *testing.T) {
	tracker := &SimpleEpochTracker{}
	require.Equal(t, uint32(65530), tracker.Extend(65530))
	require.Equal(t, uint32(65534), tracker.Extend(65534))
	// wraps around 16-bit boundary
	got := tracker.Extend(3)
	require.Equal(t, uint32(1)<<16|3, got)
}

func TestChooseEncodingPrefersSmaller(t *testing.T) {
	// A short contiguous run is one 6-byte bitmap entry versus one 8-byte range pair.
	missing := []uint32{10, 11, 12, 13}
	typ, value := ChooseEncoding(missing)
	require.Equal(t, TLVNackBitmap, typ)
	require.NotEmpty(t, value)

	entries, err := DecodeNackBitmap(value)
	require.NoError(t, err)
	var got []uint32
	for _, e := range entries {
		got = append(got, e.Expand()...)
	}
	require.ElementsMatch(t, missing, got)
}

func TestBuildRangesMergesAdjacent(t *testing.T) {
	pairs := BuildRanges([]uint32{5, 6, 7, 20})
	require.Equal(t, []NackRangePair{{From: 5, To: 7}, {From: 20, To: 20}}, pairs)
}
