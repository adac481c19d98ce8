package file

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/opd-ai/peerdrop/chunk"
)

// ErrSourceModified indicates a chunk read from disk no longer matches the
// manifest computed when the file was offered.
var ErrSourceModified = errors.New("source file modified since it was indexed")

// Source is an indexed file opened for reading. It is safe for concurrent
// use; every read is verified against the manifest.
type Source struct {
	path     string
	manifest *chunk.Manifest

	mu     sync.Mutex
	f      *os.File
	refs   int
	closed bool
}

// OpenSource indexes path and keeps it open for chunk reads.
func OpenSource(path string, chunkSize uint32) (*Source, error) {
	m, err := chunk.Index(path, chunkSize)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, manifest: m, f: f, refs: 1}, nil
}

// OpenSourceAs is OpenSource offering the file under name, a relative slash
// path accepted by chunk.SafePath.
func OpenSourceAs(path, name string, chunkSize uint32) (*Source, error) {
	name, err := chunk.SafePath(name)
	if err != nil {
		return nil, err
	}
	src, err := OpenSource(path, chunkSize)
	if err != nil {
		return nil, err
	}
	src.manifest.Descriptor.Name = name
	return src, nil
}

// Path returns the file path.
func (s *Source) Path() string { return s.path }

// Descriptor returns the file descriptor.
func (s *Source) Descriptor() chunk.FileDescriptor { return s.manifest.Descriptor }

// Manifest returns the manifest computed when the source was opened.
func (s *Source) Manifest() *chunk.Manifest { return s.manifest }

// ReadVerified reads chunk index and checks it against the manifest.
func (s *Source) ReadVerified(index uint32) (*chunk.Chunk, error) {
	s.mu.Lock()
	f := s.f
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, os.ErrClosed
	}

	c, err := chunk.ReadChunk(f, s.manifest.Descriptor, index)
	if err != nil {
		return nil, err
	}
	if !chunk.VerifyChunk(c, s.manifest.ChunkHashes[index]) {
		return nil, fmt.Errorf("%w: chunk %d", ErrSourceModified, index)
	}
	return c, nil
}

// retain adds a user of the source; each retain needs a Close.
func (s *Source) retain() *Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs++
	return s
}

// Close releases the source. The file is closed after the last user.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
