// Package wire implements the fixed-layout encode/decode of the six
// packet kinds (type tags 0xCB00-0xCB05) in spec §4.1. All integers are big-endian; 24-bit and
// 48-bit fields are carried as the truncated big-endian encoding of a
// wider unsigned value, matching the teacher's own preference (seen
// throughout katzenpost-client) for small encode/decode helpers over a
// generic reflection-based codec -- there is no ecosystem library in the
// pack that models truncated-width big-endian integers, so this part is
// hand-rolled stdlib encoding/binary (documented in DESIGN.md).
package wire

import (
	"encoding/binary"

	"github.com/cmb-protocol/cmb/internal/protoerr"
)

// Type is the 2-byte packet type tag.
type Type uint16

const (
	TypeRequestResource Type = 0xCB00
	TypeData            Type = 0xCB01
	TypeAckBlock        Type = 0xCB02
	TypeNackBlock       Type = 0xCB03
	TypeShrinkRange     Type = 0xCB04
	TypeError           Type = 0xCB05
)

const typeSize = 2

// ErrorCode enumerates the single Error packet reason, spec §4.1.
type ErrorCode uint16

const ErrorResourceNotFound ErrorCode = 0

// Packet is the tagged-union interface implemented by all six packet
// kinds (spec §9: "represent packets as a tagged union ... a single
// handle(packet) dispatch table per role").
type Packet interface {
	PacketType() Type
}

// RequestResource (0xCB00): sent by the Fetcher as both the initial
// request and the periodic keep-alive / parameter update.
type RequestResource struct {
	Timestamp   uint32 // 24 bits, ms mod 2^24
	SendingRate uint32 // bytes/s
	RangeStart  uint64 // 48 bits
	ResourceID  [16]byte
	Length      uint64
	RangeEnd    uint64 // 48 bits
}

func (RequestResource) PacketType() Type { return TypeRequestResource }

// Data (0xCB01): one FEC symbol for a block, paced by the Provider.
type Data struct {
	BlockID   uint64 // 48 bits
	Timestamp uint32 // 24 bits, echoed receiver timestamp
	Delay     uint16 // ms between keep-alive receipt and send
	Symbol    []byte
}

func (Data) PacketType() Type { return TypeData }

// AckBlock (0xCB02): block fully decoded.
type AckBlock struct {
	BlockID uint64 // 48 bits
}

func (AckBlock) PacketType() Type { return TypeAckBlock }

// NackBlock (0xCB03): request for more repair symbols for a block.
type NackBlock struct {
	BlockID          uint64 // 48 bits
	PacketsReceived  uint16
}

func (NackBlock) PacketType() Type { return TypeNackBlock }

// ShrinkRange (0xCB04): Fetcher informs Provider of its updated range
// after the opposing flow has delivered blocks.
type ShrinkRange struct {
	RangeStart uint64 // 48 bits
	RangeEnd   uint64 // 48 bits
}

func (ShrinkRange) PacketType() Type { return TypeShrinkRange }

// Error (0xCB05): fatal condition reported by the Provider.
type Error struct {
	Code ErrorCode
}

func (Error) PacketType() Type { return TypeError }

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// Encode serializes p into a newly allocated datagram, type tag first.
func Encode(p Packet) ([]byte, error) {
	switch pkt := p.(type) {
	case RequestResource:
		buf := make([]byte, typeSize+1+3+4+6+16+8+6)
		putType(buf, TypeRequestResource)
		i := typeSize
		buf[i] = 0 // reserved
		i++
		putUint24(buf[i:], pkt.Timestamp)
		i += 3
		binary.BigEndian.PutUint32(buf[i:], pkt.SendingRate)
		i += 4
		putUint48(buf[i:], pkt.RangeStart)
		i += 6
		copy(buf[i:], pkt.ResourceID[:])
		i += 16
		binary.BigEndian.PutUint64(buf[i:], pkt.Length)
		i += 8
		putUint48(buf[i:], pkt.RangeEnd)
		return buf, nil
	case Data:
		header := typeSize + 6 + 1 + 3 + 2
		buf := make([]byte, header+len(pkt.Symbol))
		putType(buf, TypeData)
		i := typeSize
		putUint48(buf[i:], pkt.BlockID)
		i += 6
		buf[i] = 0 // reserved
		i++
		putUint24(buf[i:], pkt.Timestamp)
		i += 3
		binary.BigEndian.PutUint16(buf[i:], pkt.Delay)
		i += 2
		copy(buf[i:], pkt.Symbol)
		return buf, nil
	case AckBlock:
		buf := make([]byte, typeSize+6)
		putType(buf, TypeAckBlock)
		putUint48(buf[typeSize:], pkt.BlockID)
		return buf, nil
	case NackBlock:
		buf := make([]byte, typeSize+6+2)
		putType(buf, TypeNackBlock)
		putUint48(buf[typeSize:], pkt.BlockID)
		binary.BigEndian.PutUint16(buf[typeSize+6:], pkt.PacketsReceived)
		return buf, nil
	case ShrinkRange:
		buf := make([]byte, typeSize+6+6)
		putType(buf, TypeShrinkRange)
		putUint48(buf[typeSize:], pkt.RangeStart)
		putUint48(buf[typeSize+6:], pkt.RangeEnd)
		return buf, nil
	case Error:
		buf := make([]byte, typeSize+2)
		putType(buf, TypeError)
		binary.BigEndian.PutUint16(buf[typeSize:], uint16(pkt.Code))
		return buf, nil
	default:
		return nil, protoerr.NewDecodeError("unknown packet value to encode")
	}
}

func putType(buf []byte, t Type) {
	binary.BigEndian.PutUint16(buf, uint16(t))
}

// Decode parses a received datagram into its Packet value. Malformed
// datagrams (unknown type, bad length, enum out of range) produce a
// *protoerr.DecodeError, recoverable per spec §7 kind 2.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < typeSize {
		return nil, protoerr.NewDecodeError("datagram shorter than type tag")
	}
	t := Type(binary.BigEndian.Uint16(buf))
	body := buf[typeSize:]
	switch t {
	case TypeRequestResource:
		const want = 1 + 3 + 4 + 6 + 16 + 8 + 6
		if len(body) != want {
			return nil, protoerr.NewDecodeError("RequestResource: bad length")
		}
		i := 1 // skip reserved
		ts := uint24(body[i:])
		i += 3
		rate := binary.BigEndian.Uint32(body[i:])
		i += 4
		start := uint48(body[i:])
		i += 6
		var hash [16]byte
		copy(hash[:], body[i:i+16])
		i += 16
		length := binary.BigEndian.Uint64(body[i:])
		i += 8
		end := uint48(body[i:])
		return RequestResource{
			Timestamp: ts, SendingRate: rate, RangeStart: start,
			ResourceID: hash, Length: length, RangeEnd: end,
		}, nil
	case TypeData:
		const headerLen = 6 + 1 + 3 + 2
		if len(body) < headerLen {
			return nil, protoerr.NewDecodeError("Data: too short")
		}
		i := 0
		blockID := uint48(body[i:])
		i += 6
		i++ // reserved
		ts := uint24(body[i:])
		i += 3
		delay := binary.BigEndian.Uint16(body[i:])
		i += 2
		symbol := make([]byte, len(body)-i)
		copy(symbol, body[i:])
		return Data{BlockID: blockID, Timestamp: ts, Delay: delay, Symbol: symbol}, nil
	case TypeAckBlock:
		if len(body) != 6 {
			return nil, protoerr.NewDecodeError("AckBlock: bad length")
		}
		return AckBlock{BlockID: uint48(body)}, nil
	case TypeNackBlock:
		if len(body) != 8 {
			return nil, protoerr.NewDecodeError("NackBlock: bad length")
		}
		return NackBlock{BlockID: uint48(body), PacketsReceived: binary.BigEndian.Uint16(body[6:])}, nil
	case TypeShrinkRange:
		if len(body) != 12 {
			return nil, protoerr.NewDecodeError("ShrinkRange: bad length")
		}
		return ShrinkRange{RangeStart: uint48(body), RangeEnd: uint48(body[6:])}, nil
	case TypeError:
		if len(body) != 2 {
			return nil, protoerr.NewDecodeError("Error: bad length")
		}
		code := ErrorCode(binary.BigEndian.Uint16(body))
		if code != ErrorResourceNotFound {
			return nil, protoerr.NewDecodeError("Error: unknown error code")
		}
		return Error{Code: code}, nil
	default:
		return nil, protoerr.NewDecodeError("unknown packet type tag")
	}
}
