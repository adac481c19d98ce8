package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/peerdrop/crypto"
)

// ProtocolID is exchanged as the handshake payload by both sides.
const ProtocolID = "peerdrop/1"

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidMessage indicates a message was used out of turn
	ErrInvalidMessage = errors.New("invalid message for current handshake state")
	// ErrProtocolMismatch indicates the peer speaks a different protocol version
	ErrProtocolMismatch = errors.New("protocol mismatch")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// IKHandshake drives one side of a Noise IK handshake.
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
	step       int
}

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// NewIKHandshake creates a handshake for the given role. remote is required
// for the initiator and ignored for the responder.
func NewIKHandshake(local *crypto.KeyPair, remote *crypto.PeerID, role HandshakeRole) (*IKHandshake, error) {
	if local == nil {
		return nil, errors.New("local key pair is required")
	}
	if role == Initiator && (remote == nil || remote.IsZero()) {
		return nil, errors.New("initiator requires the responder's static key")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, local.Private[:])
	copy(staticKey.Public, local.Public[:])

	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		Prologue:      []byte(ProtocolID),
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		config.PeerStatic = remote.Bytes()
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	return &IKHandshake{role: role, state: state}, nil
}

// WriteMessage produces the next outgoing handshake message. The initiator
// writes first; the responder writes after reading the initiator's message.
func (ik *IKHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if (ik.role == Initiator) != (ik.step == 0) {
		return nil, ErrInvalidMessage
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%s write failed: %w", ik.role, err)
	}
	ik.step++
	if cs1 != nil && cs2 != nil {
		ik.finish(cs1, cs2)
	}
	return message, nil
}

// ReadMessage consumes the peer's handshake message and returns its payload.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if (ik.role == Responder) != (ik.step == 0) {
		return nil, ErrInvalidMessage
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("%s read failed: %w", ik.role, err)
	}
	ik.step++
	if cs1 != nil && cs2 != nil {
		ik.finish(cs1, cs2)
	}
	return payload, nil
}

// finish assigns cipher states. The first state always protects traffic
// from initiator to responder.
func (ik *IKHandshake) finish(cs1, cs2 *noise.CipherState) {
	if ik.role == Initiator {
		ik.sendCipher, ik.recvCipher = cs1, cs2
	} else {
		ik.sendCipher, ik.recvCipher = cs2, cs1
	}
	ik.complete = true
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// CipherStates returns the send and receive cipher states.
func (ik *IKHandshake) CipherStates() (send, recv *noise.CipherState, err error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return ik.sendCipher, ik.recvCipher, nil
}

// RemotePeer returns the authenticated static key of the other side.
func (ik *IKHandshake) RemotePeer() (crypto.PeerID, error) {
	if !ik.complete {
		return crypto.PeerID{}, ErrHandshakeNotComplete
	}
	return crypto.PeerIDFromBytes(ik.state.PeerStatic())
}
