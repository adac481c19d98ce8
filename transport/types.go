package transport

import (
	"time"

	"github.com/multiformats/go-multiaddr"
)

// Kind tells how a connection reaches its peer.
type Kind uint8

const (
	// KindDirect is a TCP connection straight to the peer.
	KindDirect Kind = iota
	// KindRelayed is a connection spliced through a relay server.
	KindRelayed
)

func (k Kind) String() string {
	if k == KindRelayed {
		return "relayed"
	}
	return "direct"
}

// State is the lifecycle state of a Connection.
type State uint8

const (
	// StateConnecting is the state before the read loop starts.
	StateConnecting State = iota
	// StateDirect is an established direct connection.
	StateDirect
	// StateRelayed is an established relayed connection.
	StateRelayed
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDirect:
		return "direct"
	case StateRelayed:
		return "relayed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one dial pass over a ticket's routes.
type Outcome uint8

const (
	// OutcomeUnreachable means no route produced a connection.
	OutcomeUnreachable Outcome = iota
	// OutcomeDirect means a direct address answered.
	OutcomeDirect
	// OutcomeRelayed means the relay spliced a connection.
	OutcomeRelayed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDirect:
		return "direct"
	case OutcomeRelayed:
		return "relayed"
	default:
		return "unreachable"
	}
}

// AcceptHandler receives packets addressed to sessions the connection does
// not know yet. It runs on the connection's read loop and must not block.
type AcceptHandler func(conn *Connection, packet *Packet)

// Options configures a Manager and the connections it owns.
type Options struct {
	// DialTimeout bounds each direct address attempt.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the Noise handshake.
	HandshakeTimeout time.Duration
	// IdleTimeout closes a connection that has had no borrowers this long.
	IdleTimeout time.Duration
	// PingInterval is the keepalive period.
	PingInterval time.Duration
	// LivenessTimeout closes a connection that has received nothing this long.
	LivenessTimeout time.Duration
	// WriteTimeout bounds a single frame write when the caller has no deadline.
	WriteTimeout time.Duration
	// RelayBackoffMax caps the delay between relay re-registrations.
	RelayBackoffMax time.Duration
	// PublicAddrs are advertised ahead of interface addresses.
	PublicAddrs []multiaddr.Multiaddr
}

// NewOptions returns the default connection options.
func NewOptions() *Options {
	return &Options{
		DialTimeout:      3 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		IdleTimeout:      2 * time.Minute,
		PingInterval:     15 * time.Second,
		LivenessTimeout:  45 * time.Second,
		WriteTimeout:     30 * time.Second,
		RelayBackoffMax:  30 * time.Second,
	}
}
