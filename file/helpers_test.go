package file

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/stretchr/testify/require"
)

type testPeer struct {
	transport *transport.Manager
	files     *Manager
	ticket    *ticket.Ticket
	dir       string
}

func testOptions(dir string) *Options {
	opts := NewOptions()
	opts.ChunkTimeout = 3 * time.Second
	opts.ResumeBackoff = 50 * time.Millisecond
	opts.ResumeTimeout = 10 * time.Second
	opts.NegotiateTimeout = 5 * time.Second
	opts.ResolveTimeout = 3 * time.Second
	opts.DownloadDir = dir
	return opts
}

func newTestPeer(t *testing.T, opts *Options) *testPeer {
	t.Helper()
	dir := t.TempDir()
	if opts == nil {
		opts = testOptions(dir)
	}
	if opts.DownloadDir == "" || opts.DownloadDir == "." {
		opts.DownloadDir = dir
	}

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	topts := transport.NewOptions()
	topts.DialTimeout = time.Second
	topts.HandshakeTimeout = 2 * time.Second
	topts.WriteTimeout = 5 * time.Second
	tm := transport.NewManager(keys, topts)
	t.Cleanup(func() { tm.Close() })

	fm := NewManager(tm, opts)
	t.Cleanup(func() { fm.Close() })
	tm.SetAcceptHandler(fm.HandlePacket)

	_, err = tm.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	tk, err := tm.Ticket()
	require.NoError(t, err)

	return &testPeer{transport: tm, files: fm, ticket: tk, dir: opts.DownloadDir}
}

// autoAccept accepts every proposal into the peer's download directory.
func (p *testPeer) autoAccept(t *testing.T) {
	p.files.OnProposal(func(info Info) {
		if err := p.files.Accept(info.ID); err != nil {
			t.Logf("accept %s: %v", info.ID, err)
		}
	})
}

func writeRandomFile(t *testing.T, dir, name string, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitSession waits for the session with id to exist on m.
func waitSession(t *testing.T, m *Manager, s *Session) *Session {
	t.Helper()
	var found *Session
	require.Eventually(t, func() bool {
		var err error
		found, err = m.Session(s.ID())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return found
}

// stateRecorder collects every state a session passes through.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func recordStates(t *testing.T, m *Manager) *stateRecorder {
	r := &stateRecorder{}
	events, stop := m.Subscribe()
	t.Cleanup(stop)
	go func() {
		for ev := range events {
			if ev.Type != EventStateChanged {
				continue
			}
			r.mu.Lock()
			r.states = append(r.states, ev.Session.State)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *stateRecorder) seen(state State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

// fixedTimeProvider returns a time advanced manually.
type fixedTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixedTimeProvider) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

func (f *fixedTimeProvider) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
