package wire

import (
	"encoding/binary"
	"fmt"
)

// rtpHeaderLen is the fixed 12-byte RTP header.
const rtpHeaderLen = 12

// rtpClockHz is the 90kHz clock rate the simple profile's RTP
// timestamp field runs at, per original_source/tools/ristsender.c's
// risttools_convertRTPtoNTP (`ntp = (rtp << 32) / 90000`).
const rtpClockHz = 90000

// rtpToNTP converts a 32-bit 90kHz RTP timestamp to a 64-bit NTP-format
// timestamp, the same exact-integer formula
// risttools_convertRTPtoNTP uses.
func rtpToNTP(rtp uint32) uint64 {
	return (uint64(rtp) << 32) / rtpClockHz
}

// ntpToRTP is rtpToNTP's inverse, used when framing a packet whose
// TimestampNTP field was produced by the core (not by a peer's RTP
// clock): it recovers the 90kHz counter value a simple-profile RTP
// receiver expects in the fixed header.
func ntpToRTP(ntp uint64) uint32 {
	return uint32((ntp * rtpClockHz) >> 32)
}

// simpleExtLen is the 8-byte extension header carried on retransmits:
// sequence_hi(2) | nack_type(1) | key_gen(1) | reserved(4).
const simpleExtLen = 8

// SimpleEpochTracker extends a peer's 16-bit RTP sequence numbers into
// the 32-bit extended sequence space used internally, by watching for
// wraps: if an incoming sequence is less than the last seen sequence
// by more than half the 16-bit range, the epoch (high 16 bits) is
// incremented.
type SimpleEpochTracker struct {
	haveLast bool
	lastSeq  uint16
	epoch    uint16
}

// Extend converts a raw 16-bit RTP sequence number into its 32-bit
// extended form, updating internal wrap-tracking state.
func (t *SimpleEpochTracker) Extend(raw uint16) uint32 {
	if !t.haveLast {
		t.haveLast = true
		t.lastSeq = raw
		return uint32(raw)
	}
	const half = 1 << 15
	if t.lastSeq > half && raw < t.lastSeq-half {
		// wrapped forward
		t.epoch++
	} else if raw > t.lastSeq+half && t.lastSeq < half {
		// stray very old packet arriving after a wrap: treat as previous epoch
		return uint32(t.epoch-1)<<16 | uint32(raw)
	}
	t.lastSeq = raw
	return uint32(t.epoch)<<16 | uint32(raw)
}

// EncodeSimple frames payload as an RTP-compatible packet. If
// isRetransmit is set, the RTP marker bit is set and an 8-byte
// extension header is appended carrying the high 16 bits of the
// sequence, the NACK type that triggered this retransmit, and the key
// generation in use.
func EncodeSimple(p *Packet, isRetransmit bool, maxSize int) ([]byte, error) {
	total := rtpHeaderLen + len(p.Payload)
	if isRetransmit {
		total += simpleExtLen
	}
	if err := validateSize(0, make([]byte, total), maxSize); err != nil {
		return nil, err
	}

	buf := make([]byte, total)
	// V=2, P=0, X=0, CC=0
	buf[0] = 0x80
	marker := byte(0)
	if isRetransmit {
		marker = 0x80
	}
	buf[1] = marker | 0x00 // payload type 0, caller-defined in practice
	putUint16(buf[2:4], uint16(p.Sequence))
	putUint32(buf[4:8], ntpToRTP(p.TimestampNTP)) // 90kHz RTP clock-domain timestamp
	putUint32(buf[8:12], p.FlowID)                // SSRC carries flow_id

	off := rtpHeaderLen
	if isRetransmit {
		putUint16(buf[off:off+2], uint16(p.Sequence>>16))
		buf[off+2] = 0 // nack_type, filled in by caller context if needed
		buf[off+3] = p.KeyGen
		off += simpleExtLen
	}
	copy(buf[off:], p.Payload)
	return buf, nil
}

// DecodeSimple parses an RTP-compatible datagram. tracker extends the
// 16-bit sequence using wrap detection; pass nil to keep the raw
// 16-bit value zero-extended (used for stateless tests).
func DecodeSimple(raw []byte, tracker *SimpleEpochTracker) (*Packet, error) {
	if len(raw) < rtpHeaderLen {
		return nil, fmt.Errorf("%w: short RTP header (%d bytes)", ErrMalformedHeader, len(raw))
	}
	if raw[0]&0xC0 != 0x80 {
		return nil, fmt.Errorf("%w: bad RTP version bits", ErrMalformedHeader)
	}

	marker := raw[1]&0x80 != 0
	seq16 := binary.BigEndian.Uint16(raw[2:4])
	ts := binary.BigEndian.Uint32(raw[4:8])
	ssrc := binary.BigEndian.Uint32(raw[8:12])

	off := rtpHeaderLen
	p := &Packet{
		FlowID:       ssrc,
		TimestampNTP: rtpToNTP(ts),
		Flags:        FlagData,
	}

	if marker {
		if len(raw) < off+simpleExtLen {
			return nil, fmt.Errorf("%w: truncated retransmit extension", ErrMalformedHeader)
		}
		seqHi := binary.BigEndian.Uint16(raw[off : off+2])
		p.KeyGen = raw[off+3]
		p.Sequence = uint32(seqHi)<<16 | uint32(seq16)
		off += simpleExtLen
	} else if tracker != nil {
		p.Sequence = tracker.Extend(seq16)
	} else {
		p.Sequence = uint32(seq16)
	}

	p.Payload = append([]byte(nil), raw[off:]...)
	return p, nil
}
