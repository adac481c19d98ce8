// Package bridge serves an indexed file over plain HTTP so a browser can
// download it. Every chunk is verified against the manifest before its
// bytes are written, and range requests read only the chunks they overlap.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/file"
	"github.com/sirupsen/logrus"
)

// Options configures a Bridge.
type Options struct {
	// ListenAddr is the local address to bind.
	ListenAddr string
	// Tunnel publishes the listener. Nil uses LocalTunnel.
	Tunnel Tunnel
	// TunnelTimeout bounds Tunnel.Open.
	TunnelTimeout time.Duration
	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration
}

// NewOptions returns the default bridge options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:        "127.0.0.1:0",
		Tunnel:            LocalTunnel{},
		TunnelTimeout:     30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Bridge is an HTTP server for one file.
type Bridge struct {
	source   *file.Source
	token    uuid.UUID
	router   *mux.Router
	listener net.Listener
	server   *http.Server
	tunnel   Tunnel
	origin   string

	closeOnce sync.Once
	closeErr  error
	served    chan struct{}
}

// New binds a listener for source, opens the tunnel and starts serving.
// The bridge does not take ownership of source.
func New(source *file.Source, opts *Options) (*Bridge, error) {
	if opts == nil {
		opts = NewOptions()
	}
	tunnel := opts.Tunnel
	if tunnel == nil {
		tunnel = LocalTunnel{}
	}

	b := &Bridge{
		source: source,
		token:  uuid.New(),
		router: mux.NewRouter(),
		tunnel: tunnel,
		served: make(chan struct{}),
	}
	b.setupRoutes()

	l, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bridge listen: %w", err)
	}
	b.listener = l

	ctx, cancel := context.WithTimeout(context.Background(), opts.TunnelTimeout)
	defer cancel()
	origin, err := tunnel.Open(ctx, l.Addr())
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("bridge tunnel: %w", err)
	}
	b.origin = origin

	b.server = &http.Server{
		Handler:           b.router,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
	}
	go func() {
		defer close(b.served)
		if err := b.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Bridge.Serve",
				"error":    err.Error(),
			}).Error("Bridge server stopped")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "bridge.New",
		"name":     source.Descriptor().Name,
		"local":    l.Addr().String(),
		"url":      b.URL(),
	}).Info("Web bridge serving file")
	return b, nil
}

func (b *Bridge) setupRoutes() {
	b.router.HandleFunc("/download/{token}", b.handleDownload).Methods(http.MethodGet, http.MethodHead)
}

// URL returns the shareable download link.
func (b *Bridge) URL() string {
	return b.origin + "/download/" + b.token.String()
}

// Addr returns the local listener address.
func (b *Bridge) Addr() net.Addr {
	return b.listener.Addr()
}

// Done is closed once the server has stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.served
}

// Handler returns the bridge router.
func (b *Bridge) Handler() http.Handler {
	return b.router
}

// Close stops the server and withdraws the tunnel.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := b.server.Shutdown(ctx)
		if err != nil {
			b.server.Close()
		}
		<-b.served
		terr := b.tunnel.Close()
		b.closeErr = errors.Join(err, terr)
	})
	return b.closeErr
}

func (b *Bridge) handleDownload(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["token"] != b.token.String() {
		http.NotFound(w, r)
		return
	}

	desc := b.source.Descriptor()
	logger := logrus.WithFields(logrus.Fields{
		"function": "Bridge.handleDownload",
		"remote":   r.RemoteAddr,
		"method":   r.Method,
		"range":    r.Header.Get("Range"),
	})

	if desc.Size == 0 {
		b.setHeaders(w.Header(), desc, 0)
		w.WriteHeader(http.StatusOK)
		logger.Info("Served empty file")
		return
	}

	rng, partial, err := parseRange(r.Header.Get("Range"), desc.Size)
	if errors.Is(err, errUnsatisfiable) {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", desc.Size))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		logger.Debug("Unsatisfiable range")
		return
	}

	first, last := desc.ChunkSpan(rng.start, rng.end)
	c, err := b.source.ReadVerified(first)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chunk": first,
			"error": err.Error(),
		}).Error("Chunk verification failed before response")
		http.Error(w, "file unavailable", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	b.setHeaders(h, desc, rng.length())
	status := http.StatusOK
	if partial {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, desc.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	for idx := first; ; idx++ {
		if _, err := w.Write(slice(c, rng)); err != nil {
			logger.WithField("error", err.Error()).Debug("Client went away")
			return
		}
		if idx == last {
			break
		}
		c, err = b.source.ReadVerified(idx + 1)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"chunk": idx + 1,
				"error": err.Error(),
			}).Error("Chunk verification failed mid-response, aborting")
			panic(http.ErrAbortHandler)
		}
	}

	logger.WithFields(logrus.Fields{
		"status": status,
		"bytes":  rng.length(),
		"chunks": last - first + 1,
	}).Info("Served download")
}

func (b *Bridge) setHeaders(h http.Header, desc chunk.FileDescriptor, length uint64) {
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": desc.Name}))
	h.Set("Content-Length", strconv.FormatUint(length, 10))
	h.Set("ETag", strconv.Quote(desc.Hash.String()))
}

// slice returns the part of c inside rng.
func slice(c *chunk.Chunk, rng byteRange) []byte {
	from := uint64(0)
	if rng.start > c.Offset {
		from = rng.start - c.Offset
	}
	to := uint64(c.Length)
	if end := rng.end + 1; end < c.Offset+to {
		to = end - c.Offset
	}
	return c.Data[from:to]
}
