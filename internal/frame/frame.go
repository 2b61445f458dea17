// Package frame defines the Matrix bus wire frame: the fixed header/length/
// payload/CRC layout shared by every device on the backplane, and the
// CCITT CRC16 that frames it.
//
// The layout is bit-exact and normative for interop (spec §6): other
// implementations on the same bus must reproduce it unchanged.
package frame

import "fmt"

// Type is the two-bit frame type carried in the header word.
type Type uint8

const (
	Unicast Type = iota
	Broadcast
	Ack
	Ctrl
)

func (t Type) String() string {
	switch t {
	case Unicast:
		return "UNICAST"
	case Broadcast:
		return "BROADCAST"
	case Ack:
		return "ACK"
	case Ctrl:
		return "CTRL"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

const (
	// Broadcast is always addressed to node 31.
	BroadcastNode uint8 = 31

	// ControllerNode is the fixed controller identifier.
	ControllerNode uint8 = 16

	// MaxWorkers is the number of addressable worker identifiers (0-15).
	MaxWorkers = 16

	// MaxPayloadWords is the maximum payload size in 16-bit words (600
	// words = 1200 bytes). Shared by every buffer in the stack (link,
	// broker, HTTP façade) per spec §6.
	MaxPayloadWords = 600
	// MaxPayloadBytes is MaxPayloadWords expressed in bytes.
	MaxPayloadBytes = MaxPayloadWords * 2

	// MaxFrameWords is the maximum frame size on the wire: header + length
	// + payload + CRC = 1 + 1 + 600 + 1.
	MaxFrameWords = 1 + 1 + MaxPayloadWords + 1
)

// Frame is the unit of transport on the bus. It is ephemeral: it exists
// only in queues or buffers, never persisted.
type Frame struct {
	Type   Type
	Src    uint8 // 5-bit source identifier
	Dest   uint8 // 5-bit destination (31 = broadcast)
	Stream uint8 // 3-bit stream channel
	NoAck  bool

	Payload []uint16 // up to MaxPayloadWords words

	// CRCValid and RxLatencyUS are populated on receipt only; zero value
	// on a frame about to be sent.
	CRCValid    bool
	RxLatencyUS uint64
}

// PayloadBytes returns the declared payload length in bytes (the length
// beat), i.e. ceil-free: payload is always carried as whole words but the
// length field is in bytes per spec §6, so odd lengths are legal only when
// the caller means it (memory/OTA payloads that aren't word-aligned).
func (f *Frame) PayloadBytes(byteLen int) uint16 {
	return uint16(byteLen)
}

// EncodeHeader packs type/src/dest/no_ack/stream into the 16-bit header
// word: type(2) | src(5) | dest(5) | no_ack(1) | stream(3).
func EncodeHeader(t Type, src, dest uint8, noAck bool, stream uint8) uint16 {
	h := uint16(t&0x3) << 14
	h |= uint16(src&0x1F) << 9
	h |= uint16(dest&0x1F) << 4
	if noAck {
		h |= 1 << 3
	}
	h |= uint16(stream & 0x7)
	return h
}

// DecodeHeader unpacks a header word into its fields.
func DecodeHeader(h uint16) (t Type, src, dest uint8, noAck bool, stream uint8) {
	t = Type(h >> 14)
	src = uint8(h>>9) & 0x1F
	dest = uint8(h>>4) & 0x1F
	noAck = (h>>3)&1 != 0
	stream = uint8(h) & 0x7
	return
}

// Encode serialises the frame into wire beats: header, length (bytes),
// payload words, CRC. byteLen is the payload's declared length in bytes
// (may be odd for memory/OTA payloads whose last word is half-used).
func Encode(f *Frame, byteLen int) ([]uint16, error) {
	if len(f.Payload) > MaxPayloadWords {
		return nil, fmt.Errorf("frame: payload %d words exceeds max %d", len(f.Payload), MaxPayloadWords)
	}
	beats := make([]uint16, 0, 2+len(f.Payload)+1)
	beats = append(beats, EncodeHeader(f.Type, f.Src, f.Dest, f.NoAck, f.Stream))
	beats = append(beats, uint16(byteLen))
	beats = append(beats, f.Payload...)
	crc := CRC16(beats)
	beats = append(beats, crc)
	return beats, nil
}

// Decode parses a complete set of wire beats (header, length, payload,
// CRC) back into a Frame. It does not validate the CRC; call Validate for
// that. It returns an error only for structurally impossible input
// (too few beats, declared length overflowing the beats present).
func Decode(beats []uint16) (*Frame, int, error) {
	if len(beats) < 3 {
		return nil, 0, fmt.Errorf("frame: need at least 3 beats, got %d", len(beats))
	}
	t, src, dest, noAck, stream := DecodeHeader(beats[0])
	byteLen := int(beats[1])
	wordLen := (byteLen + 1) / 2
	if wordLen > MaxPayloadWords {
		return nil, 0, fmt.Errorf("frame: declared length %d bytes exceeds max %d", byteLen, MaxPayloadBytes)
	}
	if len(beats) < 2+wordLen+1 {
		return nil, 0, fmt.Errorf("frame: truncated frame, need %d beats, have %d", 2+wordLen+1, len(beats))
	}
	payload := make([]uint16, wordLen)
	copy(payload, beats[2:2+wordLen])
	crcBeat := beats[2+wordLen]
	computed := CRC16(beats[:2+wordLen])
	f := &Frame{
		Type:     t,
		Src:      src,
		Dest:     dest,
		Stream:   stream,
		NoAck:    noAck,
		Payload:  payload,
		CRCValid: computed == crcBeat,
	}
	return f, 2 + wordLen + 1, nil
}

// DeliverableTo reports whether a frame with this destination should be
// delivered to a node with identifier self, applying the unicast-loopback
// rejection and broadcast-acceptance rules of spec §4.1.
func DeliverableTo(self, src, dest uint8) bool {
	if dest == BroadcastNode {
		return true
	}
	if dest != self {
		return false
	}
	if src == self {
		// Unicast loopback is rejected; broadcast loopback (handled above)
		// is accepted.
		return false
	}
	return true
}
