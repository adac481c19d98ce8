package transport

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PacketType identifies the type of a peerdrop packet.
type PacketType byte

const (
	// Session packet types
	PacketOffer PacketType = iota + 1
	PacketOfferReply
	PacketChunk
	PacketChunkAck
	PacketChunkNack
	PacketResume
	PacketComplete
	PacketCancel

	// Connection keepalive packet types
	PacketPing PacketType = 0xf0
	PacketPong PacketType = 0xf1
)

var packetTypeNames = map[PacketType]string{
	PacketOffer:      "offer",
	PacketOfferReply: "offer-reply",
	PacketChunk:      "chunk",
	PacketChunkAck:   "chunk-ack",
	PacketChunkNack:  "chunk-nack",
	PacketResume:     "resume",
	PacketComplete:   "complete",
	PacketCancel:     "cancel",
	PacketPing:       "ping",
	PacketPong:       "pong",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// headerSize is the packet type byte plus the session id.
const headerSize = 1 + 16

// ErrUnknownPacket indicates a packet type this version does not speak.
var ErrUnknownPacket = errors.New("unknown packet type")

// Packet is one framed message on a Connection. Session routes the packet to
// a transfer session; keepalive packets carry uuid.Nil.
type Packet struct {
	PacketType PacketType
	Session    uuid.UUID
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	// Format: [packet type (1 byte)][session (16 bytes)][data (variable length)]
	result := make([]byte, headerSize+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:headerSize], p.Session[:])
	copy(result[headerSize:], p.Data)
	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, errors.New("packet too short")
	}
	packetType := PacketType(data[0])
	if _, ok := packetTypeNames[packetType]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPacket, data[0])
	}

	packet := &Packet{
		PacketType: packetType,
		Data:       make([]byte, len(data)-headerSize),
	}
	copy(packet.Session[:], data[1:headerSize])
	copy(packet.Data, data[headerSize:])
	return packet, nil
}
