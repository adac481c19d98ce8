// This file implements the client side of relay rendezvous, used when a
// peer cannot be reached directly.
//
// Every relay exchange runs over its own TCP stream:
//
//	register: -> [Register][peer key 32]
//	          <- [Challenge][ephemeral key 32][nonce 32]
//	          -> [Proof][proof 32]               <- [Register][status]
//	connect:  -> [Connect][target key 32]    <- [Connect][status]
//	incoming: <- [Incoming][token 16]        (on the registered stream)
//	accept:   -> [Accept][token 16]          <- [Accept][status]
//
// The proof shows the registering peer holds the private key of the id it
// announces, so nobody else can take over its registration.
//
// After a successful connect and accept the relay splices the two streams;
// the peers then run the Noise handshake end to end over the splice.
package transport

import (
	"context"
	"errors"
	"fmt"
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

// RelayState represents the current state of a relay registration.
type RelayState uint8

const (
	// RelayStateDisconnected means not registered with the relay.
	RelayStateDisconnected RelayState = iota
	// RelayStateConnecting means registration is in progress.
	RelayStateConnecting
	// RelayStateConnected means registered and reachable through the relay.
	RelayStateConnected
	// RelayStateFailed means the last registration attempt failed.
	RelayStateFailed
)

func (s RelayState) String() string {
	switch s {
	case RelayStateConnecting:
		return "connecting"
	case RelayStateConnected:
		return "connected"
	case RelayStateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// RelayPacketType identifies relay protocol packet types.
type RelayPacketType uint8

const (
	// RelayPacketRegister announces a peer on a control stream.
	RelayPacketRegister RelayPacketType = 0x00
	// RelayPacketConnect asks the relay to reach a registered peer.
	RelayPacketConnect RelayPacketType = 0x01
	// RelayPacketIncoming tells a registered peer a dialer is waiting.
	RelayPacketIncoming RelayPacketType = 0x02
	// RelayPacketAccept answers an incoming notice on a fresh stream.
	RelayPacketAccept RelayPacketType = 0x03
	// RelayPacketPing is for keepalive ping.
	RelayPacketPing RelayPacketType = 0x04
	// RelayPacketPong is for keepalive pong response.
	RelayPacketPong RelayPacketType = 0x05
	// RelayPacketDisconnect notifies disconnection.
	RelayPacketDisconnect RelayPacketType = 0x06
	// RelayPacketChallenge asks a registering peer to prove key ownership.
	RelayPacketChallenge RelayPacketType = 0x07
	// RelayPacketProof answers a challenge.
	RelayPacketProof RelayPacketType = 0x08
)

const (
	relayStatusRefused byte = 0x00
	relayStatusOK      byte = 0x01
)

// RelayClient keeps a registration with one relay server and accepts the
// connections it splices to us.
type RelayClient struct {
	addr  multiaddr.Multiaddr
	keys  *crypto.KeyPair
	local crypto.PeerID
	opts  *Options

	mu         sync.RWMutex
	control    net.Conn
	state      RelayState
	lastPong   time.Time
	onIncoming func(net.Conn)

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelayClient creates a relay client for the relay at addr. keys prove
// ownership of our peer id when registering.
func NewRelayClient(addr multiaddr.Multiaddr, keys *crypto.KeyPair, opts *Options) *RelayClient {
	if opts == nil {
		opts = NewOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayClient{
		addr:   addr,
		keys:   keys,
		local:  keys.PeerID(),
		opts:   opts,
		state:  RelayStateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Addr returns the relay address.
func (rc *RelayClient) Addr() multiaddr.Multiaddr {
	return rc.addr
}

// SetIncomingHandler sets the handler receiving spliced raw streams.
func (rc *RelayClient) SetIncomingHandler(h func(net.Conn)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.onIncoming = h
}

// GetState returns the current registration state.
func (rc *RelayClient) GetState() RelayState {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.state
}

// IsConnected returns true if registered with the relay.
func (rc *RelayClient) IsConnected() bool {
	return rc.GetState() == RelayStateConnected
}

func (rc *RelayClient) setState(state RelayState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.state = state
}

// Register opens a control stream, announces our peer id and answers the
// relay's ownership challenge.
func (rc *RelayClient) Register(ctx context.Context) error {
	rc.setState(RelayStateConnecting)

	conn, err := dialRelayStream(ctx, rc.addr, rc.opts.DialTimeout)
	if err != nil {
		rc.setState(RelayStateFailed)
		return err
	}
	if err := rc.register(conn); err != nil {
		conn.Close()
		rc.setState(RelayStateFailed)
		return fmt.Errorf("registration failed: %w", err)
	}

	rc.mu.Lock()
	rc.control = conn
	rc.state = RelayStateConnected
	rc.lastPong = time.Now()
	rc.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"relay":    rc.addr.String(),
		"peer":     rc.local.Short(),
	}).Info("Registered with relay")
	return nil
}

func (rc *RelayClient) register(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(rc.opts.HandshakeTimeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	msg := make([]byte, 1+32)
	msg[0] = byte(RelayPacketRegister)
	copy(msg[1:], rc.local[:])
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send relay request: %w", err)
	}

	// Format: [Challenge][ephemeral key 32][nonce 32]
	challenge := make([]byte, 1+32+32)
	if _, err := io.ReadFull(conn, challenge); err != nil {
		return fmt.Errorf("read relay challenge: %w", err)
	}
	if challenge[0] != byte(RelayPacketChallenge) {
		return errors.New("invalid relay challenge")
	}
	var key [32]byte
	copy(key[:], challenge[1:33])
	proof, err := rc.keys.Prove(key, challenge[33:])
	if err != nil {
		return err
	}
	return relayRequest(conn, RelayPacketProof, proof[:], RelayPacketRegister, rc.opts.HandshakeTimeout)
}

// Run serves the control stream and re-registers with exponential backoff,
// capped at RelayBackoffMax, whenever it drops. It returns when ctx is done
// or the client is closed.
func (rc *RelayClient) Run(ctx context.Context) {
	backoff := 500 * time.Millisecond
	for {
		rc.mu.RLock()
		conn := rc.control
		rc.mu.RUnlock()

		if conn != nil {
			err := rc.serveControl(ctx, conn)
			rc.handleDisconnect(conn, err)
			backoff = 500 * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return
		case <-rc.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := rc.Register(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"relay":    rc.addr.String(),
				"error":    err.Error(),
				"retry_in": backoff.String(),
			}).Warn("Relay re-registration failed")
			backoff *= 2
			if backoff > rc.opts.RelayBackoffMax {
				backoff = rc.opts.RelayBackoffMax
			}
		}
	}
}

// serveControl reads notices from the relay until the stream fails.
func (rc *RelayClient) serveControl(ctx context.Context, conn net.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go rc.keepalive(conn, stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-rc.ctx.Done():
		case <-stop:
		}
	}()

	header := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		switch RelayPacketType(header[0]) {
		case RelayPacketIncoming:
			var token uuid.UUID
			if _, err := io.ReadFull(conn, token[:]); err != nil {
				return err
			}
			go rc.acceptIncoming(token)
		case RelayPacketPong:
			rc.mu.Lock()
			rc.lastPong = time.Now()
			rc.mu.Unlock()
		case RelayPacketDisconnect:
			return io.EOF
		default:
			return fmt.Errorf("unknown relay packet type: %d", header[0])
		}
	}
}

func (rc *RelayClient) keepalive(conn net.Conn, stop <-chan struct{}) {
	if rc.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(rc.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rc.mu.RLock()
			silent := time.Since(rc.lastPong)
			rc.mu.RUnlock()
			if rc.opts.LivenessTimeout > 0 && silent > rc.opts.LivenessTimeout {
				conn.Close()
				return
			}
			rc.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(rc.opts.WriteTimeout))
			_, err := conn.Write([]byte{byte(RelayPacketPing)})
			rc.writeMu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "keepalive",
					"error":    err.Error(),
				}).Warn("Failed to send keepalive ping")
				return
			}
		}
	}
}

// acceptIncoming opens a stream answering the relay's notice and hands the
// spliced stream to the incoming handler.
func (rc *RelayClient) acceptIncoming(token uuid.UUID) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "acceptIncoming",
		"relay":    rc.addr.String(),
		"token":    token.String(),
	})

	ctx, cancel := context.WithTimeout(rc.ctx, rc.opts.DialTimeout)
	defer cancel()
	conn, err := dialRelayStream(ctx, rc.addr, rc.opts.DialTimeout)
	if err != nil {
		logger.WithError(err).Warn("Failed to answer relay notice")
		return
	}
	if err := relayRequest(conn, RelayPacketAccept, token[:], RelayPacketAccept, rc.opts.HandshakeTimeout); err != nil {
		logger.WithError(err).Warn("Relay refused accept")
		conn.Close()
		return
	}

	rc.mu.RLock()
	handler := rc.onIncoming
	rc.mu.RUnlock()
	if handler == nil {
		conn.Close()
		return
	}
	logger.Debug("Accepted relayed stream")
	handler(conn)
}

func (rc *RelayClient) handleDisconnect(conn net.Conn, err error) {
	conn.Close()
	rc.mu.Lock()
	if rc.control == conn {
		rc.control = nil
	}
	rc.state = RelayStateDisconnected
	rc.mu.Unlock()

	fields := logrus.Fields{"function": "handleDisconnect", "relay": rc.addr.String()}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		fields["error"] = err.Error()
	}
	logrus.WithFields(fields).Info("Relay disconnected")
}

// Close closes the relay client and releases resources.
func (rc *RelayClient) Close() error {
	rc.cancel()

	rc.mu.Lock()
	conn := rc.control
	rc.control = nil
	rc.state = RelayStateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		rc.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write([]byte{byte(RelayPacketDisconnect)})
		rc.writeMu.Unlock()
		conn.Close()
	}
	return nil
}

// DialRelay asks the relay at addr to splice a stream to target. The
// returned stream is raw; the caller runs the Noise handshake over it.
func DialRelay(ctx context.Context, addr multiaddr.Multiaddr, target crypto.PeerID, timeout time.Duration) (net.Conn, error) {
	conn, err := dialRelayStream(ctx, addr, timeout)
	if err != nil {
		return nil, err
	}
	if err := relayRequest(conn, RelayPacketConnect, target[:], RelayPacketConnect, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func dialRelayStream(ctx context.Context, addr multiaddr.Multiaddr, timeout time.Duration) (net.Conn, error) {
	network, hostport, err := manet.DialArgs(addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, hostport)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return conn, nil
}

// relayRequest writes [kind][body] and waits for [answer][status].
func relayRequest(conn net.Conn, kind RelayPacketType, body []byte, answer RelayPacketType, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	msg := make([]byte, 1+len(body))
	msg[0] = byte(kind)
	copy(msg[1:], body)
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send relay request: %w", err)
	}

	ack := make([]byte, 2)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}
	if ack[0] != byte(answer) {
		return errors.New("invalid relay response")
	}
	if ack[1] != relayStatusOK {
		return ErrRelayRefused
	}
	return nil
}

// RelayedAddress represents an address reached through a relay.
// It implements net.Addr for use in packet handling.
type RelayedAddress struct {
	RelayServer string
	Peer        crypto.PeerID
}

// Network returns the network type for a relayed address.
func (ra *RelayedAddress) Network() string {
	return "relay"
}

// String returns a string representation of the relayed address.
func (ra *RelayedAddress) String() string {
	return fmt.Sprintf("relay://%s/%s", ra.RelayServer, ra.Peer.Short())
}
