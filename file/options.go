package file

import (
	"time"

	"github.com/opd-ai/peerdrop/chunk"
)

// Options tunes session behaviour. Zero values are replaced by defaults in
// NewManager.
type Options struct {
	// ChunkSize is used when indexing files for sending.
	ChunkSize uint32
	// Window is the number of unacknowledged chunks a sender keeps in flight.
	Window int
	// ChunkTimeout bounds one chunk round trip.
	ChunkTimeout time.Duration
	// ChunkRetries is the number of resends after a chunk timeout before the
	// session resyncs with a resume. A second stall without progress fails
	// the session with ReasonTimeout.
	ChunkRetries int
	// HashRetries is the number of failed verifications tolerated per chunk.
	HashRetries int
	// ResumeAttempts bounds the sender's reconnect attempts.
	ResumeAttempts int
	// ResumeTimeout bounds the whole resumption on either side.
	ResumeTimeout time.Duration
	// ResumeBackoff is the first delay between reconnect attempts. It
	// doubles per attempt.
	ResumeBackoff time.Duration
	// NegotiateTimeout bounds waiting for an offer decision and for the final
	// completion notice.
	NegotiateTimeout time.Duration
	// ResolveTimeout bounds each ticket resolve.
	ResolveTimeout time.Duration
	// DownloadDir is where Accept places received files.
	DownloadDir string
}

// NewOptions returns the default session options.
func NewOptions() *Options {
	return &Options{
		ChunkSize:        chunk.DefaultChunkSize,
		Window:           8,
		ChunkTimeout:     10 * time.Second,
		ChunkRetries:     1,
		HashRetries:      3,
		ResumeAttempts:   5,
		ResumeTimeout:    60 * time.Second,
		ResumeBackoff:    500 * time.Millisecond,
		NegotiateTimeout: 30 * time.Second,
		ResolveTimeout:   20 * time.Second,
		DownloadDir:      ".",
	}
}

func (o *Options) withDefaults() *Options {
	d := NewOptions()
	if o == nil {
		return d
	}
	out := *o
	if out.ChunkSize == 0 {
		out.ChunkSize = d.ChunkSize
	}
	if out.Window <= 0 {
		out.Window = d.Window
	}
	if out.ChunkTimeout <= 0 {
		out.ChunkTimeout = d.ChunkTimeout
	}
	if out.ChunkRetries < 0 {
		out.ChunkRetries = 0
	}
	if out.HashRetries < 0 {
		out.HashRetries = 0
	}
	if out.ResumeAttempts <= 0 {
		out.ResumeAttempts = d.ResumeAttempts
	}
	if out.ResumeTimeout <= 0 {
		out.ResumeTimeout = d.ResumeTimeout
	}
	if out.ResumeBackoff <= 0 {
		out.ResumeBackoff = d.ResumeBackoff
	}
	if out.NegotiateTimeout <= 0 {
		out.NegotiateTimeout = d.NegotiateTimeout
	}
	if out.ResolveTimeout <= 0 {
		out.ResolveTimeout = d.ResolveTimeout
	}
	if out.DownloadDir == "" {
		out.DownloadDir = d.DownloadDir
	}
	return &out
}
