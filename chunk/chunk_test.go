package chunk

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestIndexAndReassemble(t *testing.T) {
	sizes := []int{1, limits.MinChunkSize - 1, limits.MinChunkSize, limits.MinChunkSize + 1, 5*limits.MinChunkSize + 123}
	chunkSizes := []uint32{limits.MinChunkSize, 3 * limits.MinChunkSize}

	for _, cs := range chunkSizes {
		for _, size := range sizes {
			dir := t.TempDir()
			path, data := writeRandomFile(t, dir, "input.bin", size)

			m, err := Index(path, cs)
			require.NoError(t, err)
			desc := m.Descriptor
			require.NoError(t, desc.Validate())
			assert.Equal(t, "input.bin", desc.Name)
			assert.Equal(t, uint64(size), desc.Size)
			assert.Equal(t, uint32((size+int(cs)-1)/int(cs)), desc.ChunkCount)
			assert.True(t, desc.Hash.Equal(crypto.Sum(data)))
			require.Len(t, m.ChunkHashes, int(desc.ChunkCount))

			src, err := os.Open(path)
			require.NoError(t, err)

			// Write chunks in reverse to exercise out-of-order placement.
			out, err := Preallocate(filepath.Join(dir, "output.bin"), desc.Size)
			require.NoError(t, err)
			for i := int(desc.ChunkCount) - 1; i >= 0; i-- {
				c, err := ReadChunk(src, desc, uint32(i))
				require.NoError(t, err)
				require.True(t, VerifyChunk(c, m.ChunkHashes[i]))
				require.NoError(t, WriteChunk(out, desc, c))
			}

			sum, err := HashFile(out, desc.Size)
			require.NoError(t, err)
			assert.True(t, sum.Equal(desc.Hash), "size=%d chunk=%d", size, cs)
			src.Close()
			out.Close()

			got, err := os.ReadFile(filepath.Join(dir, "output.bin"))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got))
		}
	}
}

func TestIndexEmptyFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	m, err := Index(empty, DefaultChunkSize)
	require.NoError(t, err)
	desc := m.Descriptor
	assert.Zero(t, desc.Size)
	assert.Zero(t, desc.ChunkCount)
	assert.Empty(t, m.ChunkHashes)
	assert.True(t, desc.Hash.Equal(crypto.Sum(nil)))
	assert.NoError(t, desc.Validate())

	_, err = ReadChunk(bytes.NewReader(nil), desc, 0)
	assert.ErrorIs(t, err, ErrOutOfRange)

	out, err := Preallocate(filepath.Join(dir, "copy"), desc.Size)
	require.NoError(t, err)
	defer out.Close()
	sum, err := HashFile(out, desc.Size)
	require.NoError(t, err)
	assert.True(t, sum.Equal(desc.Hash))
	assert.True(t, NewSet(desc.ChunkCount).Complete())
}

func TestIndexRejects(t *testing.T) {
	dir := t.TempDir()
	_, err := Index(dir, DefaultChunkSize)
	assert.Error(t, err)

	path, _ := writeRandomFile(t, dir, "f", 10)
	_, err = Index(path, 16)
	assert.ErrorIs(t, err, limits.ErrTooSmall)
}

func TestReadChunkOutOfRange(t *testing.T) {
	path, _ := writeRandomFile(t, t.TempDir(), "f", 2*limits.MinChunkSize)
	desc, err := Describe(path, limits.MinChunkSize)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = ReadChunk(f, desc, desc.ChunkCount)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestVerifyChunkDetectsCorruption(t *testing.T) {
	path, _ := writeRandomFile(t, t.TempDir(), "f", limits.MinChunkSize)
	m, err := Index(path, limits.MinChunkSize)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	c, err := ReadChunk(f, m.Descriptor, 0)
	require.NoError(t, err)
	c.Data[7] ^= 0x01
	assert.False(t, VerifyChunk(c, m.ChunkHashes[0]))

	c.Data = c.Data[:10]
	assert.False(t, VerifyChunk(c, m.ChunkHashes[0]))
	assert.False(t, VerifyChunk(nil, m.ChunkHashes[0]))
}

func TestWriteChunkValidates(t *testing.T) {
	desc := FileDescriptor{Size: 10000, ChunkSize: limits.MinChunkSize, ChunkCount: 3}
	out, err := Preallocate(filepath.Join(t.TempDir(), "o"), desc.Size)
	require.NoError(t, err)
	defer out.Close()

	err = WriteChunk(out, desc, &Chunk{Index: 3, Data: make([]byte, 10)})
	assert.ErrorIs(t, err, ErrOutOfRange)

	err = WriteChunk(out, desc, &Chunk{Index: 0, Data: make([]byte, 10)})
	assert.True(t, errors.Is(err, ErrLength))

	last := 10000 - 2*limits.MinChunkSize
	assert.Equal(t, uint32(last), desc.ChunkLength(2))
	assert.NoError(t, WriteChunk(out, desc, &Chunk{Index: 2, Data: make([]byte, last)}))
}

func TestPreallocateKeepsExistingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f, err := Preallocate(path, 100)
	require.NoError(t, err)
	f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, 100)
	assert.Equal(t, "hello", string(data[:5]))
}

func TestChunkSpan(t *testing.T) {
	desc := FileDescriptor{Size: 10 << 20, ChunkSize: DefaultChunkSize, ChunkCount: 40}
	first, last := desc.ChunkSpan(1000000, 1999999)
	assert.Equal(t, uint32(3), first)
	assert.Equal(t, uint32(7), last)
}

func TestDescriptorValidate(t *testing.T) {
	good := FileDescriptor{Name: "a", Size: 10, Hash: crypto.Sum([]byte("x")), ChunkSize: limits.MinChunkSize, ChunkCount: 1}
	assert.NoError(t, good.Validate())

	bad := good
	bad.ChunkCount = 2
	assert.Error(t, bad.Validate())

	bad = good
	bad.Size = 0
	assert.Error(t, bad.Validate(), "one chunk claimed for an empty file")

	bad = good
	bad.Hash = crypto.Digest{}
	assert.Error(t, bad.Validate())
}

func TestSafePath(t *testing.T) {
	ok, err := SafePath("album/sub/b.bin")
	require.NoError(t, err)
	assert.Equal(t, "album/sub/b.bin", ok)

	for _, bad := range []string{"", "/etc/passwd", "album/", "album//x", "album/../x", "./x", `album\x`, "a/\x00"} {
		_, err := SafePath(bad)
		assert.ErrorIs(t, err, ErrUnsafeName, "path %q", bad)
	}

	root := t.TempDir()
	rel, err := RelativePath(filepath.Dir(root), filepath.Join(root, "sub", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root)+"/sub/c.txt", rel)
	_, err = RelativePath(root, filepath.Dir(root))
	assert.ErrorIs(t, err, ErrUnsafeName)
}

func TestSafeName(t *testing.T) {
	ok, err := SafeName("report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", ok)

	for _, bad := range []string{"", ".", "..", "../etc/passwd", `a\b`, "a/b", "bell\a", string(make([]byte, 300))} {
		_, err := SafeName(bad)
		assert.ErrorIs(t, err, ErrUnsafeName, "name %q", bad)
	}
}
