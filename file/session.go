package file

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// EventType classifies session events.
type EventType uint8

const (
	// EventProposed is emitted when a peer offers a file.
	EventProposed EventType = iota
	// EventStateChanged is emitted on every state transition.
	EventStateChanged
	// EventProgress is emitted when a chunk is confirmed.
	EventProgress
)

var eventNames = [...]string{"proposed", "state", "progress"}

func (t EventType) String() string {
	if int(t) < len(eventNames) {
		return eventNames[t]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (t EventType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Event is delivered to subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Session Info      `json:"session"`
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID          uuid.UUID     `json:"id"`
	Peer        crypto.PeerID `json:"peer"`
	Direction   Direction     `json:"direction"`
	State       State         `json:"state"`
	Reason      Reason        `json:"reason,omitempty"`
	Name        string        `json:"name"`
	Size        uint64        `json:"size"`
	Hash        crypto.Digest `json:"hash"`
	ChunkCount  uint32        `json:"chunk_count"`
	ChunksAcked uint32        `json:"chunks_acked"`
	BytesAcked  uint64        `json:"bytes_acked"`
	Cursor      uint32        `json:"cursor"`
	Speed       float64       `json:"speed"`
	Target      string        `json:"target,omitempty"`
	Error       string        `json:"error,omitempty"`
	Started     time.Time     `json:"started"`
}

// Progress returns the confirmed fraction in [0, 1].
func (i Info) Progress() float64 {
	if i.Size == 0 {
		if i.State == StateCompleted {
			return 1
		}
		return 0
	}
	return float64(i.BytesAcked) / float64(i.Size)
}

// decision is the receiver's answer to an offer.
type decision struct {
	accept bool
	target string
	reason string
	fail   error
}

// link is a connection borrowed by a session together with the session's
// inbox on it.
type link struct {
	conn  *transport.Connection
	inbox <-chan *transport.Packet
}

// Session is one file transfer, in either direction.
type Session struct {
	id      uuid.UUID
	peer    crypto.PeerID
	dir     Direction
	desc    chunk.FileDescriptor
	mgr     *Manager
	started time.Time

	// sender
	ticket *ticket.Ticket
	source *Source

	// receiver
	decision chan decision
	reattach chan link
	file     *os.File
	failures map[uint32]int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	state     State
	err       error
	confirmed *chunk.Set
	acked     uint64
	target    string
	discard   bool
	conn      *transport.Connection
	speed     speedMeter
}

func newSession(m *Manager, id uuid.UUID, peer crypto.PeerID, dir Direction, desc chunk.FileDescriptor) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Session{
		id:        id,
		peer:      peer,
		dir:       dir,
		desc:      desc,
		mgr:       m,
		started:   m.tp.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateInitiating,
		confirmed: chunk.NewSet(desc.ChunkCount),
		speed:     newSpeedMeter(m.tp),
	}
}

// ID returns the session id, which is shared by both peers.
func (s *Session) ID() uuid.UUID { return s.id }

// Peer returns the remote peer.
func (s *Session) Peer() crypto.PeerID { return s.peer }

// Direction returns whether the session sends or receives.
func (s *Session) Direction() Direction { return s.dir }

// Descriptor returns the descriptor of the file being transferred.
func (s *Session) Descriptor() chunk.FileDescriptor { return s.desc }

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the terminal error, or nil for a running or completed session.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirmed returns a copy of the confirmed chunk set.
func (s *Session) Confirmed() *chunk.Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Clone()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() Info {
	info := Info{
		ID:          s.id,
		Peer:        s.peer,
		Direction:   s.dir,
		State:       s.state,
		Name:        s.desc.Name,
		Size:        s.desc.Size,
		Hash:        s.desc.Hash,
		ChunkCount:  s.desc.ChunkCount,
		ChunksAcked: s.confirmed.Len(),
		BytesAcked:  s.acked,
		Cursor:      s.confirmed.Cursor(),
		Speed:       s.speed.speed,
		Target:      s.target,
		Started:     s.started,
	}
	if s.err != nil {
		info.Reason = ReasonOf(s.err)
		info.Error = s.err.Error()
	}
	return info
}

func (s *Session) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":  function,
		"session":   s.id.String(),
		"peer":      s.peer.Short(),
		"direction": s.dir.String(),
	})
}

// setState moves a live session to state and emits an event.
func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state.Terminal() || s.state == state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	if state == StateTransferring {
		s.speed.reset()
	}
	info := s.infoLocked()
	s.mu.Unlock()

	s.logger("Session.setState").WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   state.String(),
	}).Info("Session state changed")
	s.mgr.emit(Event{Type: EventStateChanged, Session: info})
}

// confirm records index as confirmed and reports whether it was new.
func (s *Session) confirm(index uint32) bool {
	s.mu.Lock()
	if !s.confirmed.Add(index) {
		s.mu.Unlock()
		return false
	}
	n := uint64(s.desc.ChunkLength(index))
	s.acked += n
	s.speed.add(n)
	info := s.infoLocked()
	s.mu.Unlock()

	s.mgr.emit(Event{Type: EventProgress, Session: info})
	return true
}

// merge adds every index of have to the confirmed set.
func (s *Session) merge(have *chunk.Set) {
	if have == nil || have.Count() != s.desc.ChunkCount {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := uint32(0); idx < s.desc.ChunkCount; idx++ {
		if have.Has(idx) && s.confirmed.Add(idx) {
			s.acked += uint64(s.desc.ChunkLength(idx))
		}
	}
}

func (s *Session) setConn(conn *transport.Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// connection returns the connection currently carrying the session.
func (s *Session) connection() *transport.Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// finish ends the session in a terminal state. Only the driver calls it.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	s.err = err
	info := s.infoLocked()
	s.mu.Unlock()

	logger := s.logger("Session.finish").WithFields(logrus.Fields{
		"from":   prev.String(),
		"to":     state.String(),
		"chunks": info.ChunksAcked,
	})
	switch state {
	case StateFailed:
		logger.WithField("error", err.Error()).Error("Session failed")
	case StateCancelled:
		logger.Info("Session cancelled")
	default:
		logger.Info("Session completed")
	}

	s.mgr.release(s)
	s.mgr.emit(Event{Type: EventStateChanged, Session: info})
	s.cancel()
	close(s.done)
}

// attach borrows conn and opens the session inbox on it.
func (s *Session) attach(conn *transport.Connection) link {
	inbox := conn.Open(s.id)
	conn.Acquire()
	s.setConn(conn)
	return link{conn: conn, inbox: inbox}
}

// detach gives a borrowed connection back.
func (s *Session) detach(l link) {
	if l.conn == nil {
		return
	}
	l.conn.CloseSession(s.id)
	l.conn.Release()
}

// decide hands the receiver driver an answer to the pending offer.
func (s *Session) decide(d decision) error {
	select {
	case s.decision <- d:
		return nil
	default:
		return ErrNotNegotiating
	}
}

// send writes one session packet on conn.
func (s *Session) send(ctx context.Context, conn *transport.Connection, kind transport.PacketType, data []byte) error {
	return conn.Send(ctx, &transport.Packet{PacketType: kind, Session: s.id, Data: data})
}

// notify sends a best-effort packet, e.g. a Cancel on the way out.
func (s *Session) notify(conn *transport.Connection, kind transport.PacketType, data []byte) {
	if conn == nil || !conn.Alive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.send(ctx, conn, kind, data); err != nil {
		s.logger("Session.notify").WithFields(logrus.Fields{
			"packet_type": kind.String(),
			"error":       err.Error(),
		}).Debug("Notification not delivered")
	}
}
