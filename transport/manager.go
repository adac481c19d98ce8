package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/noise"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Manager owns every connection of the local peer. It keeps at most one
// pooled connection per remote peer and hands it to every caller that
// resolves a ticket for that peer.
type Manager struct {
	keys *crypto.KeyPair
	opts *Options

	mu        sync.RWMutex
	pool      map[crypto.PeerID]*Connection
	conns     map[*Connection]struct{}
	listeners []net.Listener
	relays    []*RelayClient
	accept    AcceptHandler
	closed    bool

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager for the given identity. A nil
// opts uses NewOptions.
func NewManager(keys *crypto.KeyPair, opts *Options) *Manager {
	if opts == nil {
		opts = NewOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		keys:   keys,
		opts:   opts,
		pool:   make(map[crypto.PeerID]*Connection),
		conns:  make(map[*Connection]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// LocalPeer returns the identity of this manager.
func (m *Manager) LocalPeer() crypto.PeerID {
	return m.keys.PeerID()
}

// SetAcceptHandler registers the handler for packets of sessions a
// connection has not seen before. It applies to existing connections too.
func (m *Manager) SetAcceptHandler(h AcceptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accept = h
	for c := range m.conns {
		c.mu.Lock()
		c.onUnknown = h
		c.mu.Unlock()
	}
}

// Lookup returns the live pooled connection to peer, or nil.
func (m *Manager) Lookup(peer crypto.PeerID) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.pool[peer]; ok && c.Alive() {
		return c
	}
	return nil
}

// PoolSize returns the number of pooled connections.
func (m *Manager) PoolSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}

// Resolve returns a live connection to the ticket's peer, dialing it when
// the pool has none. Concurrent resolves for one peer share a single dial.
// The shared dial runs on its own budget, so a waiter that gives up does not
// cut it short for the others; a waiter with time left after a shared dial
// timed out starts another one.
func (m *Manager) Resolve(ctx context.Context, t *ticket.Ticket, timeout time.Duration) (*Connection, error) {
	peer := t.Peer()
	if c := m.Lookup(peer); c != nil {
		return c, nil
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	for {
		ch := m.group.DoChan(peer.String(), func() (interface{}, error) {
			if c := m.Lookup(peer); c != nil {
				return c, nil
			}
			dctx, dcancel := context.WithDeadline(m.ctx, deadline)
			defer dcancel()
			return m.resolve(dctx, t)
		})

		select {
		case res := <-ch:
			if res.Err != nil {
				if res.Shared && IsTimeout(res.Err) && !expired(ctx) {
					continue
				}
				return nil, res.Err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"peer":     peer.Short(),
				"shared":   res.Shared,
			}).Debug("Resolved peer")
			return res.Val.(*Connection), nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &ConnectError{
					Peer:     peer.String(),
					Reason:   ReasonTimeout,
					Attempts: []Attempt{{Addr: "deadline", Err: ctx.Err()}},
				}
			}
			return nil, ctx.Err()
		}
	}
}

// expired reports whether ctx is done or its deadline has passed. Socket
// deadlines derived from ctx can fire before ctx itself is cancelled.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	d, ok := ctx.Deadline()
	return ok && !time.Now().Before(d)
}

func (m *Manager) resolve(ctx context.Context, t *ticket.Ticket) (*Connection, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "resolve",
		"peer":     t.Peer().Short(),
	})

	outcome, sc, relay, attempts := m.dial(ctx, t)
	switch outcome {
	case OutcomeDirect, OutcomeRelayed:
		kind := KindDirect
		if outcome == OutcomeRelayed {
			kind = KindRelayed
		}
		c := m.adopt(sc, kind, relay, true)
		logger.WithField("outcome", outcome.String()).Info("Peer connected")
		return c, nil
	default:
		reason := ReasonUnreachable
		if expired(ctx) {
			reason = ReasonTimeout
		}
		err := &ConnectError{Peer: t.Peer().String(), Reason: reason, Attempts: attempts}
		logger.WithFields(logrus.Fields{
			"reason":   reason.String(),
			"attempts": len(attempts),
		}).Warn("Peer unreachable")
		return nil, err
	}
}

// dial tries every direct address in order and then the relay.
func (m *Manager) dial(ctx context.Context, t *ticket.Ticket) (Outcome, *noise.SecureConn, string, []Attempt) {
	var attempts []Attempt
	dialer := &net.Dialer{}

	for _, addr := range t.Addrs() {
		if expired(ctx) {
			break
		}
		sc, err := m.dialDirect(ctx, dialer, addr, t.Peer())
		if err != nil {
			attempts = append(attempts, Attempt{Addr: addr.String(), Err: err})
			logrus.WithFields(logrus.Fields{
				"function": "dial",
				"addr":     addr.String(),
				"error":    err.Error(),
			}).Debug("Direct attempt failed")
			continue
		}
		return OutcomeDirect, sc, "", attempts
	}

	if relay := t.Relay(); relay != nil && !expired(ctx) {
		sc, err := m.dialRelayed(ctx, relay, t.Peer())
		if err != nil {
			attempts = append(attempts, Attempt{Addr: "relay " + relay.String(), Err: err})
		} else {
			return OutcomeRelayed, sc, relay.String(), attempts
		}
	}
	if expired(ctx) {
		err := ctx.Err()
		if err == nil {
			err = context.DeadlineExceeded
		}
		attempts = append(attempts, Attempt{Addr: "deadline", Err: err})
	}
	return OutcomeUnreachable, nil, "", attempts
}

func (m *Manager) dialDirect(ctx context.Context, dialer *net.Dialer, addr multiaddr.Multiaddr, peer crypto.PeerID) (*noise.SecureConn, error) {
	network, hostport, err := manet.DialArgs(addr)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	raw, err := dialer.DialContext(dctx, network, hostport)
	cancel()
	if err != nil {
		return nil, err
	}
	sc, err := noise.Client(raw, m.keys, peer, m.handshakeTimeout(ctx))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return sc, nil
}

func (m *Manager) dialRelayed(ctx context.Context, relay multiaddr.Multiaddr, peer crypto.PeerID) (*noise.SecureConn, error) {
	raw, err := DialRelay(ctx, relay, peer, m.handshakeTimeout(ctx))
	if err != nil {
		return nil, err
	}
	sc, err := noise.Client(raw, m.keys, peer, m.handshakeTimeout(ctx))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("handshake via relay: %w", err)
	}
	return sc, nil
}

// handshakeTimeout bounds the handshake by both the option and ctx.
func (m *Manager) handshakeTimeout(ctx context.Context) time.Duration {
	timeout := m.opts.HandshakeTimeout
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}

// adopt wraps an authenticated stream in a Connection and starts it. A
// connection becomes the pooled one for its peer unless a live one already
// exists. Dialed duplicates are dropped in favour of the pooled connection;
// inbound duplicates keep serving unpooled until they go idle.
func (m *Manager) adopt(sc *noise.SecureConn, kind Kind, relay string, dialed bool) *Connection {
	c := newConnection(sc, kind, relay, m.opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sc.Close()
		c.fail(ErrManagerClosed)
		return c
	}
	existing, ok := m.pool[c.peer]
	if ok && existing.Alive() && dialed {
		m.mu.Unlock()
		sc.Close()
		return existing
	}
	if !ok || !existing.Alive() {
		m.pool[c.peer] = c
	}
	m.conns[c] = struct{}{}
	c.onUnknown = m.accept
	c.onClose = m.forget
	m.mu.Unlock()

	c.start()
	return c
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, c)
	if m.pool[c.peer] == c {
		delete(m.pool, c.peer)
	}
}

// handleInbound authenticates an accepted stream and adopts it.
func (m *Manager) handleInbound(raw net.Conn, kind Kind, relay string) {
	sc, err := noise.Server(raw, m.keys, m.opts.HandshakeTimeout)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleInbound",
			"remote":   raw.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Inbound handshake failed")
		raw.Close()
		return
	}
	m.adopt(sc, kind, relay, false)
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close stops listeners and relay registrations and closes every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	listeners := m.listeners
	relays := m.relays
	conns := make([]*Connection, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.cancel()
	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, r := range relays {
		r.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()

	logrus.WithField("function", "Manager.Close").Info("Connection manager closed")
	return errors.Join(errs...)
}
