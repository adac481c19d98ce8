package file

import (
	"testing"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDescriptor() chunk.FileDescriptor {
	return chunk.FileDescriptor{
		Name:       "report.pdf",
		Size:       600 * 1024,
		Hash:       crypto.Sum([]byte("report")),
		ChunkSize:  256 * 1024,
		ChunkCount: 3,
	}
}

func TestDescriptorPayload(t *testing.T) {
	desc := testDescriptor()
	got, err := deserializeDescriptor(serializeDescriptor(desc))
	require.NoError(t, err)
	assert.Equal(t, desc.Name, got.Name)
	assert.Equal(t, desc.Size, got.Size)
	assert.Equal(t, desc.ChunkCount, got.ChunkCount)
	assert.True(t, desc.Hash.Equal(got.Hash))
}

func TestDescriptorPayloadRelativePath(t *testing.T) {
	desc := testDescriptor()
	desc.Name = "album/sub/b.bin"
	got, err := deserializeDescriptor(serializeDescriptor(desc))
	require.NoError(t, err)
	assert.Equal(t, "album/sub/b.bin", got.Name)

	desc.Size, desc.ChunkCount = 0, 0
	got, err = deserializeDescriptor(serializeDescriptor(desc))
	require.NoError(t, err)
	assert.Zero(t, got.ChunkCount)
}

func TestDescriptorPayloadRejectsBadOffers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*chunk.FileDescriptor)
	}{
		{"traversal name", func(d *chunk.FileDescriptor) { d.Name = "../../etc/passwd" }},
		{"wrong chunk count", func(d *chunk.FileDescriptor) { d.ChunkCount = 7 }},
		{"tiny chunk size", func(d *chunk.FileDescriptor) { d.ChunkSize = 16; d.ChunkCount = 38400 }},
		{"empty file with chunks", func(d *chunk.FileDescriptor) { d.Size = 0; d.ChunkCount = 1 }},
		{"climbing path", func(d *chunk.FileDescriptor) { d.Name = "album/../../x" }},
		{"absolute path", func(d *chunk.FileDescriptor) { d.Name = "/etc/passwd" }},
		{"empty component", func(d *chunk.FileDescriptor) { d.Name = "album//x" }},
		{"backslash", func(d *chunk.FileDescriptor) { d.Name = `album\x` }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := testDescriptor()
			tt.mutate(&desc)
			_, err := deserializeDescriptor(serializeDescriptor(desc))
			assert.Error(t, err)
		})
	}

	data := serializeDescriptor(testDescriptor())
	_, err := deserializeDescriptor(data[:20])
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestOfferReplyPayload(t *testing.T) {
	have := chunk.NewSet(10)
	have.Add(0)
	have.Add(1)
	have.Add(7)

	accepted, reason, got, err := deserializeOfferReply(serializeOfferReply(true, "", have))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Empty(t, reason)
	assert.Equal(t, uint32(3), got.Len())
	assert.Equal(t, uint32(2), got.Cursor())
	assert.True(t, got.Has(7))

	accepted, reason, got, err = deserializeOfferReply(serializeOfferReply(false, RejectNoSpace, have))
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, RejectNoSpace, reason)
	assert.Nil(t, got)
}

func TestChunkPayload(t *testing.T) {
	desc := testDescriptor()
	data := []byte("last chunk bytes")
	desc.Size = uint64(2*desc.ChunkSize) + uint64(len(data))
	c := &chunk.Chunk{Index: 2, Hash: crypto.Sum(data), Data: data}

	got, err := deserializeChunk(serializeChunk(c), desc)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Index)
	assert.Equal(t, desc.Offset(2), got.Offset)
	assert.Equal(t, uint32(len(data)), got.Length)
	assert.True(t, chunk.VerifyChunk(got, c.Hash))

	c.Index = 9
	_, err = deserializeChunk(serializeChunk(c), desc)
	assert.ErrorIs(t, err, chunk.ErrOutOfRange)
}

func TestReasonPayload(t *testing.T) {
	assert.Equal(t, "cancelled by sender", deserializeReason(serializeReason("cancelled by sender")))
	assert.Equal(t, "", deserializeReason(nil))

	idx, err := deserializeIndex(serializeIndex(41))
	require.NoError(t, err)
	assert.Equal(t, uint32(41), idx)
	_, err = deserializeIndex([]byte{1})
	assert.ErrorIs(t, err, ErrShortPayload)
}
