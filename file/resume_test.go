package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, target string) *ResumeRecord {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	set := chunk.NewSet(3)
	set.Add(0)
	set.Add(2)
	return newResumeRecord(keys.PeerID(), testDescriptor(), target, set, time.Unix(1700000000, 0).UTC())
}

func exerciseStore(t *testing.T, store ResumeStore) {
	rec := testRecord(t, "/tmp/report.pdf")

	_, err := store.Load(rec.Peer, rec.Hash)
	assert.ErrorIs(t, err, ErrNoRecord)

	require.NoError(t, store.Save(rec))
	got, err := store.Load(rec.Peer, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, rec.Target, got.Target)
	assert.Equal(t, uint32(1), got.Cursor)
	assert.True(t, got.Matches(testDescriptor()))
	assert.True(t, rec.Updated.Equal(got.Updated))

	set, err := got.Set()
	require.NoError(t, err)
	assert.True(t, set.Has(0))
	assert.False(t, set.Has(1))
	assert.True(t, set.Has(2))

	require.NoError(t, store.Delete(rec.Peer, rec.Hash))
	require.NoError(t, store.Delete(rec.Peer, rec.Hash))
	_, err = store.Load(rec.Peer, rec.Hash)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestMemoryResumeStore(t *testing.T) {
	exerciseStore(t, NewMemoryResumeStore())
}

func TestFileResumeStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	store, err := NewFileResumeStore(dir)
	require.NoError(t, err)
	exerciseStore(t, store)

	rec := testRecord(t, "/tmp/x")
	require.NoError(t, store.Save(rec))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are renamed away")

	// A second store over the same directory sees the record.
	again, err := NewFileResumeStore(dir)
	require.NoError(t, err)
	got, err := again.Load(rec.Peer, rec.Hash)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got.Target)
}

func TestResumeRecordTargetIntact(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "report.pdf")
	rec := testRecord(t, target)
	assert.False(t, rec.TargetIntact())

	require.NoError(t, os.WriteFile(target, []byte("short"), 0o644))
	assert.False(t, rec.TargetIntact())

	f, err := chunk.Preallocate(target, rec.Size)
	require.NoError(t, err)
	f.Close()
	assert.True(t, rec.TargetIntact())
}
