// Package ticket implements the shareable connection descriptor of a peer.
//
// A ticket carries the peer's identity, its candidate direct addresses in
// preference order and an optional relay address. It is immutable once
// created and renders as a multibase base32 string suitable for copy and
// paste.
package ticket

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-multiaddr"
	"github.com/opd-ai/peerdrop/crypto"
)

// Version is the current binary layout version.
const Version byte = 0x01

var (
	// ErrMalformed indicates input that does not follow the ticket layout.
	ErrMalformed = errors.New("malformed ticket")
	// ErrVersion indicates a ticket produced by an unsupported version.
	ErrVersion = errors.New("unsupported ticket version")
	// ErrChecksum indicates a ticket that was altered or truncated.
	ErrChecksum = errors.New("ticket checksum mismatch")
	// ErrNoRoute indicates a ticket without any address or relay.
	ErrNoRoute = errors.New("ticket has no address or relay")
)

// DecodeError describes why a ticket string could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode ticket: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying sentinel error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Ticket identifies a peer and how to reach it.
type Ticket struct {
	peer  crypto.PeerID
	addrs []multiaddr.Multiaddr
	relay multiaddr.Multiaddr
}

// New creates a ticket. relay may be nil.
func New(peer crypto.PeerID, addrs []multiaddr.Multiaddr, relay multiaddr.Multiaddr) (*Ticket, error) {
	if peer.IsZero() {
		return nil, crypto.ErrInvalidPeerID
	}
	if len(addrs) == 0 && relay == nil {
		return nil, ErrNoRoute
	}
	for i, a := range addrs {
		if a == nil {
			return nil, fmt.Errorf("address %d is nil", i)
		}
	}
	cp := make([]multiaddr.Multiaddr, len(addrs))
	copy(cp, addrs)
	return &Ticket{peer: peer, addrs: cp, relay: relay}, nil
}

// Peer returns the peer identity.
func (t *Ticket) Peer() crypto.PeerID {
	return t.peer
}

// Addrs returns the candidate direct addresses in preference order.
func (t *Ticket) Addrs() []multiaddr.Multiaddr {
	cp := make([]multiaddr.Multiaddr, len(t.addrs))
	copy(cp, t.addrs)
	return cp
}

// Relay returns the relay address, or nil when the peer has none.
func (t *Ticket) Relay() multiaddr.Multiaddr {
	return t.relay
}

// Equal reports whether two tickets describe the same peer and routes.
func (t *Ticket) Equal(other *Ticket) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.peer != other.peer || len(t.addrs) != len(other.addrs) {
		return false
	}
	for i := range t.addrs {
		if !t.addrs[i].Equal(other.addrs[i]) {
			return false
		}
	}
	if (t.relay == nil) != (other.relay == nil) {
		return false
	}
	return t.relay == nil || t.relay.Equal(other.relay)
}

// String returns the encoded form of the ticket.
func (t *Ticket) String() string {
	s, err := Encode(t)
	if err != nil {
		return "<invalid ticket>"
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (t *Ticket) MarshalText() ([]byte, error) {
	s, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}
