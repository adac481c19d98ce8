package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/sirupsen/logrus"
)

// DirTransfer is a directory sent as one session per file. Each file is
// offered under its path relative to the directory's parent, so the
// receiver recreates the directory inside its download directory.
type DirTransfer struct {
	root  string
	files []string
	size  uint64

	mu       sync.Mutex
	sessions []*Session
	errs     []error
	done     chan struct{}
}

// Root returns the name of the sent directory.
func (d *DirTransfer) Root() string { return d.root }

// Files returns the offered relative paths in walk order.
func (d *DirTransfer) Files() []string {
	return append([]string(nil), d.files...)
}

// Size returns the total size of all files.
func (d *DirTransfer) Size() uint64 { return d.size }

// Sessions returns the sessions started so far.
func (d *DirTransfer) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

// Done is closed once every file has ended.
func (d *DirTransfer) Done() <-chan struct{} { return d.done }

// Wait blocks until every file has ended and joins the session errors.
func (d *DirTransfer) Wait(ctx context.Context) error {
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.errs...)
}

func (d *DirTransfer) add(s *Session) {
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
}

func (d *DirTransfer) fail(err error) {
	if err == nil {
		return
	}
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

// SendDir indexes every regular file below dir and offers each to t.
// Symlinks and special files are skipped. A peer runs one session per file
// hash, so files with identical content are sent one after another; all
// others run concurrently. Cancelling ctx cancels the running sessions and
// starts no further ones.
func (m *Manager) SendDir(ctx context.Context, t *ticket.Ticket, dir string) (*DirTransfer, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	parent := filepath.Dir(dir)

	var sources []*Source
	err = filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.Type().IsRegular() {
			return nil
		}
		name, err := chunk.RelativePath(parent, path)
		if err != nil {
			return err
		}
		src, err := OpenSourceAs(path, name, m.opts.ChunkSize)
		if err != nil {
			return fmt.Errorf("index %s: %w", name, err)
		}
		sources = append(sources, src)
		return nil
	})
	if err != nil {
		closeSources(sources)
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDir, dir)
	}

	d := &DirTransfer{root: filepath.Base(dir), done: make(chan struct{})}
	groups := make(map[string][]*Source)
	var order []string
	for _, src := range sources {
		desc := src.Descriptor()
		d.files = append(d.files, desc.Name)
		d.size += desc.Size
		key := desc.Hash.String()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], src)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SendDir",
		"root":     d.root,
		"files":    len(d.files),
		"size":     d.size,
		"peer":     t.Peer().Short(),
	}).Info("Starting directory transfer")

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i, key := range order {
		group := groups[key]
		s, err := m.Send(ctx, t, group[0])
		group[0].Close()
		if err != nil {
			cancel()
			closeSources(group[1:])
			for _, rest := range order[i+1:] {
				closeSources(groups[rest])
			}
			return nil, err
		}
		d.add(s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.sendAfter(ctx, t, d, s, group[1:])
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(d.done)
	}()
	return d, nil
}

// sendAfter waits for s and then sends rest one at a time.
func (m *Manager) sendAfter(ctx context.Context, t *ticket.Ticket, d *DirTransfer, s *Session, rest []*Source) {
	for {
		<-s.Done()
		d.fail(s.Err())
		if len(rest) == 0 {
			return
		}
		src := rest[0]
		rest = rest[1:]
		if ctx.Err() != nil {
			src.Close()
			closeSources(rest)
			return
		}
		next, err := m.Send(ctx, t, src)
		src.Close()
		if err != nil {
			d.fail(err)
			closeSources(rest)
			return
		}
		d.add(next)
		s = next
	}
}

func closeSources(srcs []*Source) {
	for _, src := range srcs {
		src.Close()
	}
}
