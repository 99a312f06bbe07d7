package wire

import (
	"encoding/binary"
	"fmt"
)

// The transport envelope handles length prefixes and keep-alives; the engine
// sees and emits bare payloads. The first payload byte is the message type.
type MessageID byte

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (mid MessageID) String() string {
	switch mid {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "Not Interested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(mid))
	}
}

// ToUint32 decodes a 4-byte big-endian integer.
func ToUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// Uint32Bytes encodes n as exactly 4 big-endian bytes.
func Uint32Bytes(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func Choke() []byte         { return []byte{byte(MsgChoke)} }
func Unchoke() []byte       { return []byte{byte(MsgUnchoke)} }
func Interested() []byte    { return []byte{byte(MsgInterested)} }
func NotInterested() []byte { return []byte{byte(MsgNotInterested)} }

func Have(index int) []byte {
	payload := make([]byte, 5)
	payload[0] = byte(MsgHave)
	binary.BigEndian.PutUint32(payload[1:], uint32(index))
	return payload
}

func BitfieldMsg(bits []byte) []byte {
	payload := make([]byte, 1+len(bits))
	payload[0] = byte(MsgBitfield)
	copy(payload[1:], bits)
	return payload
}

func Request(index, begin, length int) []byte {
	return indexTriple(MsgRequest, index, begin, length)
}

func Cancel(index, begin, length int) []byte {
	return indexTriple(MsgCancel, index, begin, length)
}

func Piece(index, begin int, block []byte) []byte {
	payload := make([]byte, 9+len(block))
	payload[0] = byte(MsgPiece)
	binary.BigEndian.PutUint32(payload[1:5], uint32(index))
	binary.BigEndian.PutUint32(payload[5:9], uint32(begin))
	copy(payload[9:], block)
	return payload
}

func indexTriple(id MessageID, index, begin, length int) []byte {
	payload := make([]byte, 13)
	payload[0] = byte(id)
	binary.BigEndian.PutUint32(payload[1:5], uint32(index))
	binary.BigEndian.PutUint32(payload[5:9], uint32(begin))
	binary.BigEndian.PutUint32(payload[9:13], uint32(length))
	return payload
}

// ParseHave returns the piece index of a HAVE payload.
// ok is false unless the payload is exactly 5 bytes.
func ParseHave(payload []byte) (index int, ok bool) {
	if len(payload) != 5 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(payload[1:5])), true
}

// ParseIndexTriple parses REQUEST and CANCEL payloads.
// ok is false unless the payload is exactly 13 bytes.
func ParseIndexTriple(payload []byte) (index, begin, length int, ok bool) {
	if len(payload) != 13 {
		return 0, 0, 0, false
	}
	return int(binary.BigEndian.Uint32(payload[1:5])),
		int(binary.BigEndian.Uint32(payload[5:9])),
		int(binary.BigEndian.Uint32(payload[9:13])),
		true
}

// ParsePiece parses a PIECE payload into index, begin and the block. The
// block must be non-empty, so the payload must be longer than 9 bytes.
func ParsePiece(payload []byte) (index, begin int, block []byte, ok bool) {
	if len(payload) <= 9 {
		return 0, 0, nil, false
	}
	return int(binary.BigEndian.Uint32(payload[1:5])),
		int(binary.BigEndian.Uint32(payload[5:9])),
		payload[9:], true
}
