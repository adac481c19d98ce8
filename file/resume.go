package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/sirupsen/logrus"
)

// ErrNoRecord indicates the resume store has nothing for a (peer, hash).
var ErrNoRecord = errors.New("no resume record")

// ResumeRecord is the persisted receiver state of one transfer.
type ResumeRecord struct {
	Peer      crypto.PeerID `json:"peer"`
	Hash      crypto.Digest `json:"hash"`
	Target    string        `json:"target"`
	Name      string        `json:"name"`
	Size      uint64        `json:"size"`
	ChunkSize uint32        `json:"chunk_size"`
	Confirmed []byte        `json:"confirmed"`
	Cursor    uint32        `json:"cursor"`
	Updated   time.Time     `json:"updated"`
}

// Set decodes the confirmed chunk set.
func (r *ResumeRecord) Set() (*chunk.Set, error) {
	s := &chunk.Set{}
	if err := s.UnmarshalBinary(r.Confirmed); err != nil {
		return nil, err
	}
	return s, nil
}

// Matches reports whether the record belongs to desc.
func (r *ResumeRecord) Matches(desc chunk.FileDescriptor) bool {
	return r.Hash.Equal(desc.Hash) && r.Size == desc.Size && r.ChunkSize == desc.ChunkSize
}

// TargetIntact reports whether the partial target still exists with the
// descriptor's size.
func (r *ResumeRecord) TargetIntact() bool {
	st, err := os.Stat(r.Target)
	if err != nil {
		return false
	}
	return st.Mode().IsRegular() && uint64(st.Size()) == r.Size
}

func newResumeRecord(peer crypto.PeerID, desc chunk.FileDescriptor, target string, set *chunk.Set, now time.Time) *ResumeRecord {
	bitmap, _ := set.MarshalBinary()
	return &ResumeRecord{
		Peer:      peer,
		Hash:      desc.Hash,
		Target:    target,
		Name:      desc.Name,
		Size:      desc.Size,
		ChunkSize: desc.ChunkSize,
		Confirmed: bitmap,
		Cursor:    set.Cursor(),
		Updated:   now,
	}
}

// ResumeStore persists receiver progress per (peer, file hash).
type ResumeStore interface {
	Load(peer crypto.PeerID, hash crypto.Digest) (*ResumeRecord, error)
	Save(rec *ResumeRecord) error
	Delete(peer crypto.PeerID, hash crypto.Digest) error
}

func recordKey(peer crypto.PeerID, hash crypto.Digest) string {
	return peer.String() + "-" + hash.String()
}

// MemoryResumeStore keeps records for the lifetime of the process.
type MemoryResumeStore struct {
	mu      sync.Mutex
	records map[string]ResumeRecord
}

// NewMemoryResumeStore creates an empty in-memory store.
func NewMemoryResumeStore() *MemoryResumeStore {
	return &MemoryResumeStore{records: make(map[string]ResumeRecord)}
}

// Load returns a copy of the stored record.
func (s *MemoryResumeStore) Load(peer crypto.PeerID, hash crypto.Digest) (*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey(peer, hash)]
	if !ok {
		return nil, ErrNoRecord
	}
	rec.Confirmed = append([]byte(nil), rec.Confirmed...)
	return &rec, nil
}

// Save stores a copy of rec.
func (s *MemoryResumeStore) Save(rec *ResumeRecord) error {
	cp := *rec
	cp.Confirmed = append([]byte(nil), rec.Confirmed...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(rec.Peer, rec.Hash)] = cp
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *MemoryResumeStore) Delete(peer crypto.PeerID, hash crypto.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(peer, hash))
	return nil
}

// FileResumeStore keeps one JSON file per record under a directory, so
// partial downloads survive a restart.
type FileResumeStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileResumeStore creates dir if needed and returns a store rooted there.
func NewFileResumeStore(dir string) (*FileResumeStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("resume store: %w", err)
	}
	return &FileResumeStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileResumeStore) Dir() string { return s.dir }

func (s *FileResumeStore) path(peer crypto.PeerID, hash crypto.Digest) string {
	return filepath.Join(s.dir, recordKey(peer, hash)+".json")
}

// Load reads the record for (peer, hash).
func (s *FileResumeStore) Load(peer crypto.PeerID, hash crypto.Digest) (*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(peer, hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	var rec ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("resume record %s: %w", s.path(peer, hash), err)
	}
	return &rec, nil
}

// Save writes rec to a temporary file and renames it into place.
func (s *FileResumeStore) Save(rec *ResumeRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	final := s.path(rec.Peer, rec.Hash)
	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "FileResumeStore.Save",
		"peer":     rec.Peer.Short(),
		"hash":     rec.Hash.Short(),
		"cursor":   rec.Cursor,
	}).Debug("Saved resume record")
	return nil
}

// Delete removes the record for (peer, hash).
func (s *FileResumeStore) Delete(peer crypto.PeerID, hash crypto.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(peer, hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
