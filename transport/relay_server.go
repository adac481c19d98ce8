package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/sirupsen/logrus"
)

// RelayServer lets registered peers be reached by peers that cannot dial
// them directly. It only splices streams; the end-to-end Noise session keeps
// the payload opaque to the relay.
type RelayServer struct {
	listener net.Listener
	timeout  time.Duration

	mu      sync.RWMutex
	peers   map[crypto.PeerID]*relayPeer
	pending map[uuid.UUID]chan net.Conn
	streams map[net.Conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

type relayPeer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (p *relayPeer) write(msg []byte, timeout time.Duration) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := p.conn.Write(msg)
	return err
}

// NewRelayServer listens on addr ("host:port"). timeout bounds each
// request and the wait for a target to answer a connect.
func NewRelayServer(addr string, timeout time.Duration) (*RelayServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &RelayServer{
		listener: l,
		timeout:  timeout,
		peers:    make(map[crypto.PeerID]*relayPeer),
		pending:  make(map[uuid.UUID]chan net.Conn),
		streams:  make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *RelayServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Multiaddr returns the bound address as a multiaddr for tickets.
func (s *RelayServer) Multiaddr() (multiaddr.Multiaddr, error) {
	return manet.FromNetAddr(s.listener.Addr())
}

// PeerCount returns the number of registered peers.
func (s *RelayServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Serve accepts streams until ctx is done or the server is closed.
func (s *RelayServer) Serve(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "RelayServer.Serve",
		"addr":     s.listener.Addr().String(),
	}).Info("Relay server started")

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// Close stops the listener and drops every registration.
func (s *RelayServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]net.Conn, 0, len(s.streams))
	for c := range s.streams {
		streams = append(streams, c)
	}
	s.peers = make(map[crypto.PeerID]*relayPeer)
	s.mu.Unlock()

	err := s.listener.Close()
	for _, c := range streams {
		c.Close()
	}
	return err
}

func (s *RelayServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.streams[conn] = struct{}{}
	return true
}

func (s *RelayServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.streams, conn)
	s.mu.Unlock()
}

func (s *RelayServer) handle(conn net.Conn) {
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	conn.SetReadDeadline(time.Now().Add(s.timeout))
	header := make([]byte, 1)
	if _, err := io.ReadFull(conn, header); err != nil {
		conn.Close()
		return
	}

	switch RelayPacketType(header[0]) {
	case RelayPacketRegister:
		s.handleRegister(conn)
	case RelayPacketConnect:
		s.handleConnect(conn)
	case RelayPacketAccept:
		s.handleAccept(conn)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "RelayServer.handle",
			"remote":   conn.RemoteAddr().String(),
			"type":     header[0],
		}).Debug("Unknown relay request")
		conn.Close()
	}
}

func (s *RelayServer) handleRegister(conn net.Conn) {
	var key [32]byte
	if _, err := io.ReadFull(conn, key[:]); err != nil {
		conn.Close()
		return
	}
	peerID, err := crypto.PeerIDFromBytes(key[:])
	if err != nil {
		s.reply(conn, RelayPacketRegister, relayStatusRefused)
		conn.Close()
		return
	}
	if !s.verifyOwner(conn, peerID) {
		logrus.WithFields(logrus.Fields{
			"function": "handleRegister",
			"peer":     peerID.Short(),
			"remote":   conn.RemoteAddr().String(),
		}).Warn("Registration proof rejected")
		s.reply(conn, RelayPacketRegister, relayStatusRefused)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	p := &relayPeer{conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	old := s.peers[peerID]
	s.peers[peerID] = p
	s.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "handleRegister",
		"peer":     peerID.Short(),
		"remote":   conn.RemoteAddr().String(),
	})
	if err := p.write([]byte{byte(RelayPacketRegister), relayStatusOK}, s.timeout); err != nil {
		s.unregister(peerID, p)
		return
	}
	logger.Info("Peer registered")

	header := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			break
		}
		switch RelayPacketType(header[0]) {
		case RelayPacketPing:
			if err := p.write([]byte{byte(RelayPacketPong)}, s.timeout); err != nil {
				s.unregister(peerID, p)
				return
			}
		case RelayPacketDisconnect:
			s.unregister(peerID, p)
			logger.Info("Peer unregistered")
			return
		default:
			logger.WithField("type", header[0]).Debug("Unexpected packet on control stream")
		}
	}
	s.unregister(peerID, p)
	logger.Info("Peer control stream closed")
}

// verifyOwner challenges the registering stream to prove it holds the
// private key of peerID. An existing registration is only replaced after
// this succeeds.
func (s *RelayServer) verifyOwner(conn net.Conn, peerID crypto.PeerID) bool {
	c, err := crypto.NewChallenge()
	if err != nil {
		return false
	}
	msg := make([]byte, 1+32+32)
	msg[0] = byte(RelayPacketChallenge)
	copy(msg[1:33], c.Key[:])
	copy(msg[33:], c.Nonce[:])
	conn.SetWriteDeadline(time.Now().Add(s.timeout))
	_, err = conn.Write(msg)
	conn.SetWriteDeadline(time.Time{})
	if err != nil {
		return false
	}

	// Format: [Proof][proof 32]
	answer := make([]byte, 1+crypto.ProofSize)
	if _, err := io.ReadFull(conn, answer); err != nil {
		return false
	}
	if answer[0] != byte(RelayPacketProof) {
		return false
	}
	return c.Verify(peerID, answer[1:])
}

func (s *RelayServer) unregister(peerID crypto.PeerID, p *relayPeer) {
	s.mu.Lock()
	if s.peers[peerID] == p {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	p.conn.Close()
}

func (s *RelayServer) handleConnect(conn net.Conn) {
	var key [32]byte
	if _, err := io.ReadFull(conn, key[:]); err != nil {
		conn.Close()
		return
	}
	target := crypto.PeerID(key)
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleConnect",
		"target":   target.Short(),
		"remote":   conn.RemoteAddr().String(),
	})

	s.mu.Lock()
	p, ok := s.peers[target]
	token := uuid.New()
	ch := make(chan net.Conn, 1)
	if ok {
		s.pending[token] = ch
	}
	s.mu.Unlock()

	if !ok {
		logger.Debug("Target not registered")
		s.reply(conn, RelayPacketConnect, relayStatusRefused)
		conn.Close()
		return
	}
	defer func() {
		s.mu.Lock()
		delete(s.pending, token)
		s.mu.Unlock()
	}()

	notice := make([]byte, 1+16)
	notice[0] = byte(RelayPacketIncoming)
	copy(notice[1:], token[:])
	if err := p.write(notice, s.timeout); err != nil {
		s.reply(conn, RelayPacketConnect, relayStatusRefused)
		conn.Close()
		return
	}

	var accepted net.Conn
	select {
	case accepted = <-ch:
	case <-time.After(s.timeout):
		logger.Warn("Target did not answer relay notice")
		s.reply(conn, RelayPacketConnect, relayStatusRefused)
		conn.Close()
		return
	}

	if err := s.reply(accepted, RelayPacketAccept, relayStatusOK); err != nil {
		accepted.Close()
		s.reply(conn, RelayPacketConnect, relayStatusRefused)
		conn.Close()
		return
	}
	if err := s.reply(conn, RelayPacketConnect, relayStatusOK); err != nil {
		accepted.Close()
		conn.Close()
		return
	}

	logger.Info("Splicing relayed streams")
	splice(conn, accepted)
}

func (s *RelayServer) handleAccept(conn net.Conn) {
	var token uuid.UUID
	if _, err := io.ReadFull(conn, token[:]); err != nil {
		conn.Close()
		return
	}
	s.mu.RLock()
	ch, ok := s.pending[token]
	s.mu.RUnlock()
	if !ok {
		s.reply(conn, RelayPacketAccept, relayStatusRefused)
		conn.Close()
		return
	}
	select {
	case ch <- conn:
	default:
		s.reply(conn, RelayPacketAccept, relayStatusRefused)
		conn.Close()
	}
}

func (s *RelayServer) reply(conn net.Conn, kind RelayPacketType, status byte) error {
	conn.SetWriteDeadline(time.Now().Add(s.timeout))
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write([]byte{byte(kind), status})
	return err
}

// splice copies in both directions until either side closes.
func splice(a, b net.Conn) {
	a.SetDeadline(time.Time{})
	b.SetDeadline(time.Time{})

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		io.Copy(dst, src)
		closeBoth()
		done <- struct{}{}
	}
	go pipe(a, b)
	go pipe(b, a)
	<-done
	<-done
}
