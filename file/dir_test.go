package file

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDirRecreatesTree(t *testing.T) {
	ctx := testContext(t)
	sender := newTestPeer(t, nil)
	receiver := newTestPeer(t, nil)
	receiver.autoAccept(t)

	root := filepath.Join(sender.dir, "album")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	_, a := writeRandomFile(t, root, "a.bin", 300*1024)
	require.NoError(t, os.WriteFile(filepath.Join(root, "copy.bin"), a, 0o644))
	_, b := writeRandomFile(t, filepath.Join(root, "sub"), "b.bin", 64*1024)
	writeRandomFile(t, filepath.Join(root, "sub", "deep"), "c.txt", 0)
	require.NoError(t, os.Symlink(filepath.Join(root, "a.bin"), filepath.Join(root, "link.bin")))

	d, err := sender.files.SendDir(ctx, receiver.ticket, root)
	require.NoError(t, err)
	assert.Equal(t, "album", d.Root())
	assert.Equal(t, []string{"album/a.bin", "album/copy.bin", "album/sub/b.bin", "album/sub/deep/c.txt"}, d.Files())
	assert.Equal(t, uint64(2*300*1024+64*1024), d.Size())

	require.NoError(t, d.Wait(ctx))
	sessions := d.Sessions()
	require.Len(t, sessions, 4)
	for _, s := range sessions {
		assert.Equal(t, StateCompleted, s.State(), s.Descriptor().Name)
		in := waitSession(t, receiver.files, s)
		require.NoError(t, in.Wait(ctx))
	}

	want := map[string][]byte{
		"album/a.bin":          a,
		"album/copy.bin":       a,
		"album/sub/b.bin":      b,
		"album/sub/deep/c.txt": {},
	}
	for name, data := range want {
		got, err := os.ReadFile(filepath.Join(receiver.dir, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.True(t, bytes.Equal(data, got), "%s differs", name)
	}
	_, err = os.Lstat(filepath.Join(receiver.dir, "album", "link.bin"))
	assert.True(t, os.IsNotExist(err), "symlinks are not sent")
}

func TestSendDirRejectsBadInput(t *testing.T) {
	ctx := testContext(t)
	sender := newTestPeer(t, nil)
	receiver := newTestPeer(t, nil)

	empty := filepath.Join(sender.dir, "empty")
	require.NoError(t, os.MkdirAll(filepath.Join(empty, "nested"), 0o755))
	_, err := sender.files.SendDir(ctx, receiver.ticket, empty)
	assert.ErrorIs(t, err, ErrEmptyDir)

	path, _ := writeRandomFile(t, sender.dir, "plain.bin", 10)
	_, err = sender.files.SendDir(ctx, receiver.ticket, path)
	assert.Error(t, err)

	_, err = sender.files.SendDir(ctx, receiver.ticket, filepath.Join(sender.dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSendDirCancel(t *testing.T) {
	sender := newTestPeer(t, nil)
	receiver := newTestPeer(t, nil)
	proposed := make(chan Info, 4)
	receiver.files.OnProposal(func(info Info) { proposed <- info })

	root := filepath.Join(sender.dir, "pending")
	require.NoError(t, os.MkdirAll(root, 0o755))
	writeRandomFile(t, root, "one.bin", 1024)
	writeRandomFile(t, root, "two.bin", 2048)

	ctx, cancel := context.WithCancel(testContext(t))
	d, err := sender.files.SendDir(ctx, receiver.ticket, root)
	require.NoError(t, err)
	<-proposed
	<-proposed
	cancel()

	require.NoError(t, d.Wait(testContext(t)))
	for _, s := range d.Sessions() {
		assert.Equal(t, StateCancelled, s.State(), s.Descriptor().Name)
	}
}
