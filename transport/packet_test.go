package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	session := uuid.New()
	tests := []struct {
		name   string
		packet *Packet
	}{
		{"chunk", &Packet{PacketType: PacketChunk, Session: session, Data: []byte{1, 2, 3, 4}}},
		{"empty data", &Packet{PacketType: PacketCancel, Session: session, Data: []byte{}}},
		{"keepalive", &Packet{PacketType: PacketPing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.packet.Serialize()
			require.NoError(t, err)
			assert.Equal(t, byte(tt.packet.PacketType), data[0])

			parsed, err := ParsePacket(data)
			require.NoError(t, err)
			assert.Equal(t, tt.packet.PacketType, parsed.PacketType)
			assert.Equal(t, tt.packet.Session, parsed.Session)
			assert.True(t, bytes.Equal(tt.packet.Data, parsed.Data))
		})
	}
}

func TestParsePacketErrors(t *testing.T) {
	_, err := ParsePacket(nil)
	assert.Error(t, err)

	_, err = ParsePacket(make([]byte, headerSize-1))
	assert.Error(t, err)

	bad := make([]byte, headerSize)
	bad[0] = 0x77
	_, err = ParsePacket(bad)
	assert.ErrorIs(t, err, ErrUnknownPacket)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "offer", PacketOffer.String())
	assert.Equal(t, "unknown(119)", PacketType(119).String())
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, []byte("world")))

	first, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(first))
	second, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(second))
}

func TestFrameLimits(t *testing.T) {
	assert.ErrorIs(t, writeFrame(&bytes.Buffer{}, nil), limits.ErrEmpty)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], limits.MaxFrameSize+1)
	_, err := readFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, limits.ErrTooLarge)
}

// TestFramePartialReads feeds a frame one byte at a time.
func TestFramePartialReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("partial")))
	data, err := readFrame(&oneByteReader{data: buf.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, "partial", string(data))
}

type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}
