// Package file runs file transfer sessions over transport connections.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// Rejection reasons sent to the offering peer.
const (
	RejectDuplicate    = "duplicate transfer"
	RejectNoSpace      = "insufficient disk space"
	RejectUnknown      = "unknown transfer"
	RejectDeclined     = "declined"
	RejectShuttingDown = "receiver shutting down"
	RejectMalformed    = "malformed offer"
	RejectLocalIO      = "local I/O error"
	RejectTimeout      = "no decision in time"
)

// ErrInsufficientSpace indicates the download directory cannot hold the file.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// subscriberBuffer bounds queued events per subscriber. Progress events are
// dropped for a subscriber whose buffer is full.
const subscriberBuffer = 64

// Resolver turns a ticket into a live connection. *transport.Manager
// implements it.
type Resolver interface {
	Resolve(ctx context.Context, t *ticket.Ticket, timeout time.Duration) (*transport.Connection, error)
}

type activeKey struct {
	peer crypto.PeerID
	hash string
}

func keyOf(peer crypto.PeerID, desc chunk.FileDescriptor) activeKey {
	return activeKey{peer: peer, hash: desc.Hash.String()}
}

// Manager is the registry of transfer sessions. It starts outgoing sessions,
// admits incoming offers handed to it by the transport accept handler, and
// publishes session events.
type Manager struct {
	resolver Resolver
	opts     *Options

	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	active     map[activeKey]*Session
	subs       map[int]chan Event
	nextSub    int
	onProposal func(Info)
	store      ResumeStore
	tp         TimeProvider
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// test hooks
	beforeSend  func(s *Session, conn *transport.Connection, index uint32)
	mutateChunk func(s *Session, c *chunk.Chunk)
	dropChunk   func(s *Session, index uint32) bool
}

// NewManager creates a session manager. A nil opts uses NewOptions. Resume
// state is kept in memory until SetResumeStore is called.
func NewManager(resolver Resolver, opts *Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		resolver: resolver,
		opts:     opts.withDefaults(),
		sessions: make(map[uuid.UUID]*Session),
		active:   make(map[activeKey]*Session),
		subs:     make(map[int]chan Event),
		store:    NewMemoryResumeStore(),
		tp:       DefaultTimeProvider{},
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewManager",
		"chunk":     m.opts.ChunkSize,
		"window":    m.opts.Window,
		"downloads": m.opts.DownloadDir,
	}).Info("Created transfer session manager")
	return m
}

// Options returns the effective options.
func (m *Manager) Options() Options { return *m.opts }

// SetResumeStore replaces the resume store. It affects sessions started
// afterwards.
func (m *Manager) SetResumeStore(store ResumeStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// SetTimeProvider sets the time source used for speed and timestamps.
func (m *Manager) SetTimeProvider(tp TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tp = tp
}

// OnProposal registers a callback invoked for every offer that needs a
// decision. The callback may call Accept or Reject directly.
func (m *Manager) OnProposal(fn func(Info)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProposal = fn
}

// Subscribe returns a stream of session events and a function that ends
// the subscription.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(ch)
			}
		})
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		if ev.Type == EventProgress {
			select {
			case ch <- ev:
			default:
			}
			continue
		}
		select {
		case ch <- ev:
		case <-time.After(100 * time.Millisecond):
			logrus.WithFields(logrus.Fields{
				"function": "Manager.emit",
				"session":  ev.Session.ID.String(),
				"event":    ev.Type.String(),
			}).Warn("Dropped event for slow subscriber")
		}
	}
}

func (m *Manager) proposal(info Info) {
	m.emit(Event{Type: EventProposed, Session: info})
	m.mu.RLock()
	fn := m.onProposal
	m.mu.RUnlock()
	if fn != nil {
		fn(info)
	}
}

// Session returns the session with the given id.
func (m *Manager) Session(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// SessionInfo returns a snapshot of the session with the given id.
func (m *Manager) SessionInfo(id uuid.UUID) (Info, error) {
	s, err := m.Session(id)
	if err != nil {
		return Info{}, err
	}
	return s.Info(), nil
}

// Sessions returns snapshots of every known session, oldest first.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// SendFile indexes path and offers it to the ticket's peer. Cancelling ctx
// cancels the session.
func (m *Manager) SendFile(ctx context.Context, t *ticket.Ticket, path string) (*Session, error) {
	src, err := OpenSource(path, m.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return m.Send(ctx, t, src)
}

// Send offers an already indexed source. The session keeps its own
// reference, so the caller may close src at any time.
func (m *Manager) Send(ctx context.Context, t *ticket.Ticket, src *Source) (*Session, error) {
	desc := src.Descriptor()
	key := keyOf(t.Peer(), desc)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if _, busy := m.active[key]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s to %s", ErrDuplicate, desc.Name, t.Peer().Short())
	}
	s := newSession(m, uuid.New(), t.Peer(), DirectionOutgoing, desc)
	s.ticket = t
	s.source = src.retain()
	m.sessions[s.id] = s
	m.active[key] = s
	m.wg.Add(1)
	m.mu.Unlock()

	stop := context.AfterFunc(ctx, s.cancel)

	s.logger("Manager.Send").WithFields(logrus.Fields{
		"name":   desc.Name,
		"size":   desc.Size,
		"chunks": desc.ChunkCount,
	}).Info("Starting outgoing transfer")

	go s.runSender(stop)
	return s, nil
}

// Accept accepts an offer into the configured download directory.
func (m *Manager) Accept(id uuid.UUID) error {
	return m.AcceptInto(id, m.opts.DownloadDir)
}

// AcceptInto accepts an offer into dir. Offers from a directory send land
// in matching subdirectories. An existing file with the offered name is only
// reused when a resume record points at it.
func (m *Manager) AcceptInto(id uuid.UUID, dir string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	if s.dir != DirectionIncoming || s.State() != StateNegotiating {
		return ErrNotNegotiating
	}

	target := filepath.Join(dir, filepath.FromSlash(s.desc.Name))
	need := s.desc.Size
	if rec := m.record(s.peer, s.desc); rec != nil && rec.Target == target && rec.TargetIntact() {
		need = 0
	} else if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("%w: %s", ErrTargetExists, target)
	}

	if free, err := freeSpace(dir); err == nil && free < need {
		ferr := fmt.Errorf("%w: %d bytes free, %d needed", ErrInsufficientSpace, free, need)
		s.decide(decision{reason: RejectNoSpace, fail: failure(ReasonLocalIO, RejectNoSpace, ferr)})
		return ferr
	}
	return s.decide(decision{accept: true, target: target})
}

// Reject declines an offer. The session ends Cancelled.
func (m *Manager) Reject(id uuid.UUID, reason string) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	if s.dir != DirectionIncoming || s.State() != StateNegotiating {
		return ErrNotNegotiating
	}
	if reason == "" {
		reason = RejectDeclined
	}
	return s.decide(decision{reason: reason})
}

// Cancel stops a session. For incoming sessions discard also removes the
// partial file and its resume record.
func (m *Manager) Cancel(id uuid.UUID, discard bool) error {
	s, err := m.Session(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.discard = discard
	s.mu.Unlock()
	s.cancel()
	return nil
}

// HandlePacket admits packets of sessions a connection has not seen. It is
// installed as the transport accept handler and runs on the connection read
// loop, so it never blocks on the network.
func (m *Manager) HandlePacket(conn *transport.Connection, p *transport.Packet) {
	switch p.PacketType {
	case transport.PacketOffer:
		m.handleOffer(conn, p)
	case transport.PacketResume:
		m.handleResume(conn, p)
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "Manager.HandlePacket",
			"session":     p.Session.String(),
			"peer":        conn.Peer().Short(),
			"packet_type": p.PacketType.String(),
		}).Debug("Packet for unknown session")
	}
}

func (m *Manager) handleOffer(conn *transport.Connection, p *transport.Packet) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Manager.handleOffer",
		"session":  p.Session.String(),
		"peer":     conn.Peer().Short(),
	})

	desc, err := deserializeDescriptor(p.Data)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Rejecting malformed offer")
		go m.replyRejected(conn, p.Session, RejectMalformed)
		return
	}
	s, reason := m.admit(conn, p.Session, desc)
	if s == nil {
		logger.WithField("reason", reason).Info("Rejecting offer")
		go m.replyRejected(conn, p.Session, reason)
		return
	}

	logger.WithFields(logrus.Fields{
		"name": desc.Name,
		"size": desc.Size,
	}).Info("Received file offer")
	l := s.attach(conn)
	go s.runReceiver(l, m.usableRecord(s.peer, desc))
}

func (m *Manager) handleResume(conn *transport.Connection, p *transport.Packet) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Manager.handleResume",
		"session":  p.Session.String(),
		"peer":     conn.Peer().Short(),
	})

	desc, err := deserializeDescriptor(p.Data)
	if err != nil {
		go m.replyRejected(conn, p.Session, RejectMalformed)
		return
	}

	m.mu.RLock()
	s, known := m.sessions[p.Session]
	m.mu.RUnlock()

	if known {
		if s.dir != DirectionIncoming || s.peer != conn.Peer() || !s.desc.Hash.Equal(desc.Hash) {
			go m.replyRejected(conn, p.Session, RejectUnknown)
			return
		}
		switch state := s.State(); {
		case state == StateCompleted:
			go s.replayCompletion(conn)
		case state.Terminal():
			go m.replyRejected(conn, p.Session, RejectUnknown)
		default:
			l := s.attach(conn)
			select {
			case s.reattach <- l:
				logger.Info("Peer reconnected to transfer")
			default:
				s.detach(l)
			}
		}
		return
	}

	// After a restart the session id is new to us, but a resume record lets
	// the transfer continue under the peer's id.
	rec := m.usableRecord(conn.Peer(), desc)
	if rec == nil {
		logger.Info("Rejecting resume for unknown transfer")
		go m.replyRejected(conn, p.Session, RejectUnknown)
		return
	}
	s, reason := m.admit(conn, p.Session, desc)
	if s == nil {
		go m.replyRejected(conn, p.Session, reason)
		return
	}
	logger.WithField("target", rec.Target).Info("Resuming stored transfer")
	l := s.attach(conn)
	go s.runReceiver(l, rec)
}

// admit registers a new incoming session or returns the rejection reason.
func (m *Manager) admit(conn *transport.Connection, id uuid.UUID, desc chunk.FileDescriptor) (*Session, string) {
	key := keyOf(conn.Peer(), desc)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, RejectShuttingDown
	}
	if _, exists := m.sessions[id]; exists {
		return nil, RejectDuplicate
	}
	if _, busy := m.active[key]; busy {
		return nil, RejectDuplicate
	}
	s := newSession(m, id, conn.Peer(), DirectionIncoming, desc)
	s.decision = make(chan decision, 1)
	s.reattach = make(chan link, 1)
	s.failures = make(map[uint32]int)
	m.sessions[id] = s
	m.active[key] = s
	m.wg.Add(1)
	return s, ""
}

func (m *Manager) replyRejected(conn *transport.Connection, id uuid.UUID, reason string) {
	ctx, cancel := context.WithTimeout(m.ctx, 2*time.Second)
	defer cancel()
	_ = conn.Send(ctx, &transport.Packet{
		PacketType: transport.PacketOfferReply,
		Session:    id,
		Data:       serializeOfferReply(false, reason, nil),
	})
}

func (m *Manager) resumeStore() ResumeStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store
}

// record returns the stored record matching desc, or nil.
func (m *Manager) record(peer crypto.PeerID, desc chunk.FileDescriptor) *ResumeRecord {
	rec, err := m.resumeStore().Load(peer, desc.Hash)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.record",
				"peer":     peer.Short(),
				"error":    err.Error(),
			}).Warn("Unreadable resume record")
		}
		return nil
	}
	if !rec.Matches(desc) {
		return nil
	}
	return rec
}

// usableRecord returns a matching record whose partial target is intact.
func (m *Manager) usableRecord(peer crypto.PeerID, desc chunk.FileDescriptor) *ResumeRecord {
	rec := m.record(peer, desc)
	if rec == nil || !rec.TargetIntact() {
		return nil
	}
	return rec
}

// release drops a finished session from the active set.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := keyOf(s.peer, s.desc)
	if m.active[key] == s {
		delete(m.active, key)
	}
}

// Close cancels every running session and waits for them to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Close",
	}).Info("Transfer session manager closed")
	return nil
}
