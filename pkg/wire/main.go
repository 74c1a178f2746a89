package wire

import (
	"encoding/binary"
	"fmt"
)

// mainHeaderLen is the 12-byte tunnel header:
// magic(2) | flags(1) | key_gen(1) | flow_id(4) | seq(4)
const mainHeaderLen = 12

// dataSubHeaderLen carries the fields the tunnel header has no room
// for on a data packet: virt_src_port(2) | virt_dst_port(2) |
// timestamp_ntp(8).
const dataSubHeaderLen = 12

// tlvHeaderLen is type(1) + length(2) preceding a control TLV's value.
const tlvHeaderLen = 3

// EncodeMainData frames a data payload using the main (GRE-tunnel)
// profile.
func EncodeMainData(p *Packet, maxSize int) ([]byte, error) {
	total := mainHeaderLen + dataSubHeaderLen + len(p.Payload)
	if err := validateSize(0, make([]byte, total), maxSize); err != nil {
		return nil, err
	}

	buf := make([]byte, total)
	writeMainHeader(buf, p.Flags|FlagData, p.KeyGen, p.FlowID, p.Sequence)

	off := mainHeaderLen
	putUint16(buf[off:off+2], p.VirtSrcPort)
	putUint16(buf[off+2:off+4], p.VirtDstPort)
	putUint64(buf[off+4:off+12], p.TimestampNTP)
	off += dataSubHeaderLen

	copy(buf[off:], p.Payload)
	return buf, nil
}

// EncodeMainControl frames a control TLV (handshake, keepalive, NACK,
// OOB, SRP step, key announce) using the main profile. flowID and
// keyGen are still carried in the tunnel header; seq is the control
// channel's own sequence (not the data sequence space).
func EncodeMainControl(flowID, seq uint32, keyGen uint8, tlvType TLVType, value []byte, maxSize int) ([]byte, error) {
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("%w: control TLV value too large (%d bytes)", ErrMalformedHeader, len(value))
	}
	total := mainHeaderLen + tlvHeaderLen + len(value)
	if err := validateSize(0, make([]byte, total), maxSize); err != nil {
		return nil, err
	}

	buf := make([]byte, total)
	writeMainHeader(buf, flagForTLV(tlvType), keyGen, flowID, seq)

	off := mainHeaderLen
	buf[off] = byte(tlvType)
	putUint16(buf[off+1:off+3], uint16(len(value)))
	copy(buf[off+tlvHeaderLen:], value)
	return buf, nil
}

func flagForTLV(t TLVType) Flags {
	switch t {
	case TLVHandshake:
		return FlagHandshake
	case TLVKeepalive:
		return FlagKeepalive
	case TLVNackRange, TLVNackBitmap:
		return FlagNack
	case TLVOOB:
		return FlagOOB
	default:
		return 0
	}
}

func writeMainHeader(buf []byte, flags Flags, keyGen uint8, flowID, seq uint32) {
	putUint16(buf[0:2], mainMagic)
	buf[2] = byte(flags)
	buf[3] = keyGen
	putUint32(buf[4:8], flowID)
	putUint32(buf[8:12], seq)
}

// MainControlMessage is a decoded control TLV.
type MainControlMessage struct {
	FlowID uint32
	Seq    uint32
	KeyGen uint8
	Flags  Flags
	Type   TLVType
	Value  []byte
}

// DecodeMain parses a main-profile datagram, returning either a data
// Packet or a control message (exactly one of the two return values
// is non-nil on success).
func DecodeMain(raw []byte) (*Packet, *MainControlMessage, error) {
	if len(raw) < mainHeaderLen {
		return nil, nil, fmt.Errorf("%w: short tunnel header (%d bytes)", ErrMalformedHeader, len(raw))
	}
	magic := binary.BigEndian.Uint16(raw[0:2])
	if magic != mainMagic {
		return nil, nil, fmt.Errorf("%w: bad magic %#x", ErrMalformedHeader, magic)
	}
	flags := Flags(raw[2])
	keyGen := raw[3]
	flowID := binary.BigEndian.Uint32(raw[4:8])
	seq := binary.BigEndian.Uint32(raw[8:12])

	rest := raw[mainHeaderLen:]

	if flags&FlagData != 0 {
		if len(rest) < dataSubHeaderLen {
			return nil, nil, fmt.Errorf("%w: truncated data sub-header", ErrMalformedHeader)
		}
		p := &Packet{
			Sequence:     seq,
			FlowID:       flowID,
			KeyGen:       keyGen,
			Flags:        flags,
			VirtSrcPort:  binary.BigEndian.Uint16(rest[0:2]),
			VirtDstPort:  binary.BigEndian.Uint16(rest[2:4]),
			TimestampNTP: binary.BigEndian.Uint64(rest[4:12]),
			Payload:      append([]byte(nil), rest[dataSubHeaderLen:]...),
		}
		return p, nil, nil
	}

	if len(rest) < tlvHeaderLen {
		return nil, nil, fmt.Errorf("%w: truncated control TLV header", ErrMalformedHeader)
	}
	tlvType := TLVType(rest[0])
	switch tlvType {
	case TLVHandshake, TLVKeepalive, TLVNackRange, TLVNackBitmap, TLVOOB, TLVSRPStep, TLVKeyAnnounce:
	default:
		return nil, nil, fmt.Errorf("%w: TLV type %#x", ErrUnknownPayloadType, tlvType)
	}
	length := binary.BigEndian.Uint16(rest[1:3])
	if len(rest) < tlvHeaderLen+int(length) {
		return nil, nil, fmt.Errorf("%w: truncated control TLV value", ErrMalformedHeader)
	}
	msg := &MainControlMessage{
		FlowID: flowID,
		Seq:    seq,
		KeyGen: keyGen,
		Flags:  flags,
		Type:   tlvType,
		Value:  append([]byte(nil), rest[tlvHeaderLen:tlvHeaderLen+int(length)]...),
	}
	return nil, msg, nil
}
