package file

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
)

// ErrShortPayload indicates a packet payload shorter than its layout.
var ErrShortPayload = errors.New("payload too short")

// completeStatus is carried by a Complete packet.
type completeStatus byte

const (
	completeOK completeStatus = iota
	completeIntegrity
)

// serializeDescriptor creates an offer or resume packet payload.
func serializeDescriptor(d chunk.FileDescriptor) []byte {
	// Format: [size (8)][chunk_size (4)][chunk_count (4)][hash_len (1)][hash][name_len (2)][name]
	hash := d.Hash.Bytes()
	name := []byte(d.Name)
	data := make([]byte, 8+4+4+1+len(hash)+2+len(name))

	binary.BigEndian.PutUint64(data[0:8], d.Size)
	binary.BigEndian.PutUint32(data[8:12], d.ChunkSize)
	binary.BigEndian.PutUint32(data[12:16], d.ChunkCount)
	data[16] = byte(len(hash))
	copy(data[17:], hash)
	off := 17 + len(hash)
	binary.BigEndian.PutUint16(data[off:off+2], uint16(len(name)))
	copy(data[off+2:], name)
	return data
}

// deserializeDescriptor parses an offer or resume packet payload and
// validates the descriptor it carries.
func deserializeDescriptor(data []byte) (chunk.FileDescriptor, error) {
	var d chunk.FileDescriptor
	if len(data) < 17 {
		return d, fmt.Errorf("offer: %w", ErrShortPayload)
	}
	d.Size = binary.BigEndian.Uint64(data[0:8])
	d.ChunkSize = binary.BigEndian.Uint32(data[8:12])
	d.ChunkCount = binary.BigEndian.Uint32(data[12:16])
	hashLen := int(data[16])
	if len(data) < 17+hashLen+2 {
		return d, fmt.Errorf("offer hash: %w", ErrShortPayload)
	}
	hash, err := crypto.ParseDigest(data[17 : 17+hashLen])
	if err != nil {
		return d, err
	}
	d.Hash = hash
	off := 17 + hashLen
	nameLen := int(binary.BigEndian.Uint16(data[off : off+2]))
	if len(data) < off+2+nameLen {
		return d, fmt.Errorf("offer name: %w", ErrShortPayload)
	}
	name, err := chunk.SafePath(string(data[off+2 : off+2+nameLen]))
	if err != nil {
		return d, err
	}
	d.Name = name
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

// serializeOfferReply creates an offer reply payload. have is only sent
// with an acceptance.
func serializeOfferReply(accepted bool, reason string, have *chunk.Set) []byte {
	// Format: [accepted (1)][reason_len (2)][reason][confirmed set]
	var set []byte
	if accepted && have != nil {
		set, _ = have.MarshalBinary()
	}
	data := make([]byte, 1+2+len(reason)+len(set))
	if accepted {
		data[0] = 1
	}
	binary.BigEndian.PutUint16(data[1:3], uint16(len(reason)))
	copy(data[3:], reason)
	copy(data[3+len(reason):], set)
	return data
}

// deserializeOfferReply parses an offer reply payload.
func deserializeOfferReply(data []byte) (bool, string, *chunk.Set, error) {
	if len(data) < 3 {
		return false, "", nil, fmt.Errorf("offer reply: %w", ErrShortPayload)
	}
	accepted := data[0] == 1
	reasonLen := int(binary.BigEndian.Uint16(data[1:3]))
	if len(data) < 3+reasonLen {
		return false, "", nil, fmt.Errorf("offer reply reason: %w", ErrShortPayload)
	}
	reason := string(data[3 : 3+reasonLen])
	if !accepted {
		return false, reason, nil, nil
	}
	have := &chunk.Set{}
	if err := have.UnmarshalBinary(data[3+reasonLen:]); err != nil {
		return false, "", nil, err
	}
	return true, reason, have, nil
}

// serializeChunk creates a chunk packet payload.
func serializeChunk(c *chunk.Chunk) []byte {
	// Format: [index (4)][hash_len (1)][hash][chunk data]
	hash := c.Hash.Bytes()
	data := make([]byte, 4+1+len(hash)+len(c.Data))
	binary.BigEndian.PutUint32(data[0:4], c.Index)
	data[4] = byte(len(hash))
	copy(data[5:], hash)
	copy(data[5+len(hash):], c.Data)
	return data
}

// deserializeChunk parses a chunk packet payload. Offset and Length are
// filled from desc.
func deserializeChunk(data []byte, desc chunk.FileDescriptor) (*chunk.Chunk, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("chunk: %w", ErrShortPayload)
	}
	index := binary.BigEndian.Uint32(data[0:4])
	hashLen := int(data[4])
	if len(data) < 5+hashLen {
		return nil, fmt.Errorf("chunk hash: %w", ErrShortPayload)
	}
	hash, err := crypto.ParseDigest(data[5 : 5+hashLen])
	if err != nil {
		return nil, err
	}
	if index >= desc.ChunkCount {
		return nil, fmt.Errorf("%w: %d", chunk.ErrOutOfRange, index)
	}
	payload := make([]byte, len(data)-5-hashLen)
	copy(payload, data[5+hashLen:])
	return &chunk.Chunk{
		Index:  index,
		Offset: desc.Offset(index),
		Length: desc.ChunkLength(index),
		Hash:   hash,
		Data:   payload,
	}, nil
}

// serializeIndex creates a chunk ack or nack payload.
func serializeIndex(index uint32) []byte {
	// Format: [index (4)]
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, index)
	return data
}

// deserializeIndex parses a chunk ack or nack payload.
func deserializeIndex(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("chunk ack: %w", ErrShortPayload)
	}
	return binary.BigEndian.Uint32(data[0:4]), nil
}

// serializeReason creates a cancel payload.
func serializeReason(reason string) []byte {
	// Format: [reason_len (2)][reason]
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	data := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(data[0:2], uint16(len(reason)))
	copy(data[2:], reason)
	return data
}

// deserializeReason parses a cancel payload.
func deserializeReason(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	n := int(binary.BigEndian.Uint16(data[0:2]))
	if len(data) < 2+n {
		return string(data[2:])
	}
	return string(data[2 : 2+n])
}
