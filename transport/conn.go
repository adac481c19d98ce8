package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/noise"
	"github.com/sirupsen/logrus"
)

// inboxSize bounds packets queued for one session before the read loop
// blocks, which in turn applies TCP backpressure to the peer.
const inboxSize = 64

type inbox struct {
	ch     chan *Packet
	closed chan struct{}
}

// Connection is one authenticated, encrypted link to a peer. It is owned by
// the Manager; sessions borrow it with Acquire and Release and never close it
// when they finish normally.
type Connection struct {
	id     uuid.UUID
	peer   crypto.PeerID
	kind   Kind
	conn   net.Conn
	remote net.Addr
	opts   *Options

	writeMu sync.Mutex

	mu        sync.RWMutex
	state     State
	inboxes   map[uuid.UUID]*inbox
	borrowers int
	idleTimer *time.Timer
	lastSeen  time.Time
	err       error

	done      chan struct{}
	closeOnce sync.Once

	onUnknown AcceptHandler
	onClose   func(*Connection)
}

func newConnection(sc *noise.SecureConn, kind Kind, relay string, opts *Options) *Connection {
	c := &Connection{
		id:       uuid.New(),
		peer:     sc.RemotePeer(),
		kind:     kind,
		conn:     sc,
		remote:   sc.RemoteAddr(),
		opts:     opts,
		state:    StateConnecting,
		inboxes:  make(map[uuid.UUID]*inbox),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
	if kind == KindRelayed {
		c.remote = &RelayedAddress{RelayServer: relay, Peer: c.peer}
	}
	return c
}

// start moves the connection out of Connecting and launches its loops.
func (c *Connection) start() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.kind == KindRelayed {
		c.state = StateRelayed
	} else {
		c.state = StateDirect
	}
	c.armIdleLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Connection.start",
		"connection": c.id.String(),
		"peer":       c.peer.Short(),
		"kind":       c.kind.String(),
		"remote":     c.remote.String(),
	}).Info("Connection established")

	go c.readLoop()
	go c.keepalive()
}

// ID returns the connection id.
func (c *Connection) ID() uuid.UUID { return c.id }

// Peer returns the authenticated peer.
func (c *Connection) Peer() crypto.PeerID { return c.peer }

// Kind returns whether the connection is direct or relayed.
func (c *Connection) Kind() Kind { return c.kind }

// RemoteAddr returns the remote address, or a RelayedAddress.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Done is closed when the connection is lost or closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns why the connection closed, or nil while it is live.
func (c *Connection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Alive reports whether the connection can still carry packets.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Acquire registers a borrower and suspends the idle timer.
func (c *Connection) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.borrowers++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

// Release drops a borrower. The last release arms the idle timer.
func (c *Connection) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrowers > 0 {
		c.borrowers--
	}
	c.armIdleLocked()
}

func (c *Connection) armIdleLocked() {
	if c.borrowers > 0 || c.state == StateClosed || c.opts.IdleTimeout <= 0 {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() {
		c.mu.RLock()
		idle := c.borrowers == 0
		c.mu.RUnlock()
		if idle {
			c.fail(ErrIdle)
		}
	})
}

// Open registers an inbox for session and returns its receive channel.
// Packets for a session with no inbox go to the accept handler.
func (c *Connection) Open(session uuid.UUID) <-chan *Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.inboxes[session]; ok {
		return in.ch
	}
	in := &inbox{ch: make(chan *Packet, inboxSize), closed: make(chan struct{})}
	c.inboxes[session] = in
	return in.ch
}

// CloseSession removes the inbox for session. Packets still arriving for it
// are handed to the accept handler.
func (c *Connection) CloseSession(session uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.inboxes[session]; ok {
		delete(c.inboxes, session)
		close(in.closed)
	}
}

// Send writes one packet. A write error closes the connection.
func (c *Connection) Send(ctx context.Context, packet *Packet) error {
	if !c.Alive() {
		return c.closedErr()
	}
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		c.fail(err)
		return err
	}
	if err := writeFrame(c.conn, data); err != nil {
		c.fail(err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Connection.Send",
		"peer":        c.peer.Short(),
		"packet_type": packet.PacketType.String(),
		"size":        len(data),
	}).Debug("Packet sent")
	return nil
}

func (c *Connection) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

// Close shuts the connection down.
func (c *Connection) Close() error {
	c.fail(ErrConnectionClosed)
	return nil
}

// fail closes the connection once, recording err.
func (c *Connection) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.err = err
		if c.idleTimer != nil {
			c.idleTimer.Stop()
			c.idleTimer = nil
		}
		c.mu.Unlock()

		close(c.done)
		c.conn.Close()

		fields := logrus.Fields{
			"function":   "Connection.fail",
			"connection": c.id.String(),
			"peer":       c.peer.Short(),
			"reason":     err.Error(),
		}
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrIdle) {
			logrus.WithFields(fields).Info("Connection closed")
		} else {
			logrus.WithFields(fields).Warn("Connection lost")
		}

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *Connection) readLoop() {
	for {
		data, err := readFrame(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrConnectionClosed
			}
			c.fail(err)
			return
		}
		packet, err := ParsePacket(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Connection.readLoop",
				"peer":     c.peer.Short(),
				"error":    err.Error(),
			}).Warn("Dropping malformed packet")
			continue
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		c.dispatch(packet)
	}
}

func (c *Connection) dispatch(packet *Packet) {
	switch packet.PacketType {
	case PacketPing:
		go func() {
			pong := &Packet{PacketType: PacketPong, Data: []byte{}}
			_ = c.Send(context.Background(), pong)
		}()
		return
	case PacketPong:
		return
	}

	c.mu.RLock()
	in, ok := c.inboxes[packet.Session]
	handler := c.onUnknown
	c.mu.RUnlock()

	if !ok {
		if handler != nil {
			handler(c, packet)
		} else {
			logrus.WithFields(logrus.Fields{
				"function":    "Connection.dispatch",
				"session":     packet.Session.String(),
				"packet_type": packet.PacketType.String(),
			}).Debug("No session for packet")
		}
		return
	}

	select {
	case in.ch <- packet:
	case <-in.closed:
	case <-c.done:
	}
}

func (c *Connection) keepalive() {
	if c.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			silent := time.Since(c.lastSeen)
			c.mu.RUnlock()
			if c.opts.LivenessTimeout > 0 && silent > c.opts.LivenessTimeout {
				c.fail(ErrLivenessTimeout)
				return
			}
			ping := &Packet{PacketType: PacketPing, Data: []byte{}}
			if err := c.Send(context.Background(), ping); err != nil {
				return
			}
		}
	}
}
