package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/limits"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize uint32 = 256 * 1024

var (
	// ErrOutOfRange indicates a chunk index outside [0, ChunkCount).
	ErrOutOfRange = errors.New("chunk index out of range")
	// ErrLength indicates a chunk whose payload has the wrong length.
	ErrLength = errors.New("chunk length mismatch")
)

// FileDescriptor describes a file as offered for transfer.
type FileDescriptor struct {
	Name       string
	Size       uint64
	Hash       crypto.Digest
	ChunkSize  uint32
	ChunkCount uint32
}

// Offset returns the byte offset of chunk index.
func (d FileDescriptor) Offset(index uint32) uint64 {
	return uint64(index) * uint64(d.ChunkSize)
}

// ChunkLength returns the payload length of chunk index, or zero when the
// index is out of range.
func (d FileDescriptor) ChunkLength(index uint32) uint32 {
	if index >= d.ChunkCount {
		return 0
	}
	if index == d.ChunkCount-1 {
		return uint32(d.Size - d.Offset(index))
	}
	return d.ChunkSize
}

// ChunkSpan returns the first and last chunk index covering the inclusive
// byte range [start, end].
func (d FileDescriptor) ChunkSpan(start, end uint64) (first, last uint32) {
	return uint32(start / uint64(d.ChunkSize)), uint32(end / uint64(d.ChunkSize))
}

// Validate checks internal consistency of a descriptor received from a peer.
func (d FileDescriptor) Validate() error {
	if err := limits.ValidateChunkSize(d.ChunkSize); err != nil {
		return err
	}
	if err := limits.ValidateChunkCount(d.ChunkCount); err != nil {
		return err
	}
	if d.Hash.IsZero() {
		return errors.New("descriptor hash missing")
	}
	if want := countChunks(d.Size, d.ChunkSize); want != uint64(d.ChunkCount) {
		return fmt.Errorf("chunk count %d does not match size %d / %d", d.ChunkCount, d.Size, d.ChunkSize)
	}
	return nil
}

func countChunks(size uint64, chunkSize uint32) uint64 {
	return (size + uint64(chunkSize) - 1) / uint64(chunkSize)
}

// Manifest is a descriptor plus the per-chunk hashes of the indexed file.
type Manifest struct {
	Descriptor  FileDescriptor
	ChunkHashes []crypto.Digest
}

// Chunk is one piece of a file.
type Chunk struct {
	Index  uint32
	Offset uint64
	Length uint32
	Hash   crypto.Digest
	Data   []byte
}

// Describe computes the descriptor of the file at path.
func Describe(path string, chunkSize uint32) (FileDescriptor, error) {
	m, err := Index(path, chunkSize)
	if err != nil {
		return FileDescriptor{}, err
	}
	return m.Descriptor, nil
}

// Index reads the file once, computing its size, whole-file hash and the hash
// of every chunk. An empty file has no chunks.
func Index(path string, chunkSize uint32) (*Manifest, error) {
	if err := limits.ValidateChunkSize(chunkSize); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	name, err := SafeName(filepath.Base(path))
	if err != nil {
		return nil, err
	}

	whole := crypto.NewHasher()
	buf := make([]byte, chunkSize)
	var hashes []crypto.Digest
	var size uint64
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			whole.Write(buf[:n])
			hashes = append(hashes, crypto.Sum(buf[:n]))
			size += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if err := limits.ValidateChunkCount(uint32(len(hashes))); err != nil {
		return nil, err
	}

	desc := FileDescriptor{
		Name:       name,
		Size:       size,
		Hash:       crypto.DigestFromHasher(whole),
		ChunkSize:  chunkSize,
		ChunkCount: uint32(len(hashes)),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Index",
		"name":     desc.Name,
		"size":     desc.Size,
		"chunks":   desc.ChunkCount,
		"hash":     desc.Hash.Short(),
	}).Debug("Indexed file")

	return &Manifest{Descriptor: desc, ChunkHashes: hashes}, nil
}

// ReadChunk reads chunk index from r and hashes its payload.
func ReadChunk(r io.ReaderAt, desc FileDescriptor, index uint32) (*Chunk, error) {
	if index >= desc.ChunkCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, index, desc.ChunkCount)
	}
	length := desc.ChunkLength(index)
	offset := desc.Offset(index)
	data := make([]byte, length)
	n, err := r.ReadAt(data, int64(offset))
	if n < int(length) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return &Chunk{
		Index:  index,
		Offset: offset,
		Length: length,
		Hash:   crypto.Sum(data),
		Data:   data,
	}, nil
}

// VerifyChunk recomputes the payload hash and compares it to expected.
func VerifyChunk(c *Chunk, expected crypto.Digest) bool {
	if c == nil || uint32(len(c.Data)) != c.Length {
		return false
	}
	return crypto.Sum(c.Data).Equal(expected)
}

// WriteChunk writes the chunk payload at its offset.
func WriteChunk(w io.WriterAt, desc FileDescriptor, c *Chunk) error {
	if c.Index >= desc.ChunkCount {
		return fmt.Errorf("%w: %d of %d", ErrOutOfRange, c.Index, desc.ChunkCount)
	}
	if want := desc.ChunkLength(c.Index); uint32(len(c.Data)) != want {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrLength, c.Index, len(c.Data), want)
	}
	if _, err := w.WriteAt(c.Data, int64(desc.Offset(c.Index))); err != nil {
		return fmt.Errorf("write chunk %d: %w", c.Index, err)
	}
	return nil
}

// Preallocate opens or creates path and sets its length to size so chunks
// can be written in any order. Bytes already present are kept.
func Preallocate(path string, size uint64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("preallocate %s: %w", path, err)
	}
	return f, nil
}

// HashFile computes the whole-file digest of r up to size bytes.
func HashFile(r io.ReaderAt, size uint64) (crypto.Digest, error) {
	h := crypto.NewHasher()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, int64(size))); err != nil {
		return crypto.Digest{}, err
	}
	return crypto.DigestFromHasher(h), nil
}
