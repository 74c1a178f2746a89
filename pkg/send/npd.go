package send

import (
	"encoding/binary"
	"fmt"
)

// nullPID is the MPEG-TS null packet PID, elided by NPD per spec.md
// §4.7.
const nullPID = 0x1FFF

// tsPacketLen is the standard MPEG-TS packet length in bytes.
const tsPacketLen = 188

// NPDEncoder elides MPEG-TS null packets before transmission and
// produces a bitmap reconstruction token, which FrameBitmap prepends to
// the reduced payload, so a receiver that understands NPD can reinsert
// them; a receiver that ignores FlagNPD sees the framed bytes (length,
// bitmap, reduced TS packets) as its payload.
type NPDEncoder struct {
	enabled bool
}

// NewNPDEncoder creates an encoder; enabled selects whether elision is
// performed at all (the --null-packet-deletion CLI flag).
func NewNPDEncoder(enabled bool) *NPDEncoder {
	return &NPDEncoder{enabled: enabled}
}

// Strip removes every null TS packet from payload (which must be a
// concatenation of whole 188-byte TS packets), returning the reduced
// payload and a bitmap marking which original packet positions were
// null (bit set = elided), for the receiver to reinsert.
func (e *NPDEncoder) Strip(payload []byte) (reduced []byte, bitmap []byte) {
	if !e.enabled || len(payload)%tsPacketLen != 0 {
		return payload, nil
	}
	count := len(payload) / tsPacketLen
	bitmap = make([]byte, (count+7)/8)
	reduced = make([]byte, 0, len(payload))
	for i := 0; i < count; i++ {
		pkt := payload[i*tsPacketLen : (i+1)*tsPacketLen]
		if isNullPacket(pkt) {
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}
		reduced = append(reduced, pkt...)
	}
	return reduced, bitmap
}

// Reinsert restores null TS packets into reduced using bitmap, for a
// receiver that understands NPD.
func Reinsert(reduced []byte, bitmap []byte) []byte {
	if len(bitmap) == 0 {
		return reduced
	}
	count := len(bitmap) * 8
	out := make([]byte, 0, count*tsPacketLen)
	src := 0
	nullPacket := makeNullPacket()
	for i := 0; i < count; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			out = append(out, nullPacket...)
			continue
		}
		if (src+1)*tsPacketLen > len(reduced) {
			break
		}
		out = append(out, reduced[src*tsPacketLen:(src+1)*tsPacketLen]...)
		src++
	}
	return out
}

// FrameBitmap prepends a length-delimited reconstruction bitmap onto
// reduced so the token actually travels on the wire with the payload
// (spec.md §4.7's "bitmap reconstruction token carried in the
// header"), paired with UnframeBitmap on the receive side. A nil
// bitmap (NPD disabled, or a payload that is not whole TS packets)
// returns reduced unchanged; an all-zero bitmap is still framed.
func FrameBitmap(reduced, bitmap []byte) []byte {
	if bitmap == nil {
		return reduced
	}
	out := make([]byte, 2+len(bitmap)+len(reduced))
	binary.BigEndian.PutUint16(out[:2], uint16(len(bitmap)))
	copy(out[2:2+len(bitmap)], bitmap)
	copy(out[2+len(bitmap):], reduced)
	return out
}

// UnframeBitmap splits a FrameBitmap-framed payload back into its
// reduced payload and reconstruction bitmap.
func UnframeBitmap(framed []byte) (reduced, bitmap []byte, err error) {
	if len(framed) < 2 {
		return nil, nil, fmt.Errorf("send: npd: truncated bitmap length")
	}
	n := int(binary.BigEndian.Uint16(framed[:2]))
	if len(framed) < 2+n {
		return nil, nil, fmt.Errorf("send: npd: truncated bitmap")
	}
	return framed[2+n:], framed[2 : 2+n], nil
}

func isNullPacket(tsPkt []byte) bool {
	if len(tsPkt) < 3 || tsPkt[0] != 0x47 {
		return false
	}
	pid := (uint16(tsPkt[1]&0x1F) << 8) | uint16(tsPkt[2])
	return pid == nullPID
}

func makeNullPacket() []byte {
	p := make([]byte, tsPacketLen)
	p[0] = 0x47
	p[1] = 0x1F
	p[2] = 0xFF
	for i := 3; i < tsPacketLen; i++ {
		p[i] = 0xFF
	}
	return p
}
