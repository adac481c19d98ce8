package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/multiformats/go-multibase"
)

// ErrInvalidPeerID indicates a malformed peer identifier.
var ErrInvalidPeerID = errors.New("invalid peer id")

// PeerID identifies a peer by its static Curve25519 public key.
type PeerID [32]byte

// String returns the multibase base32 form of the peer id.
func (p PeerID) String() string {
	s, err := multibase.Encode(multibase.Base32, p[:])
	if err != nil {
		// Base32 is always a registered encoding.
		return hex.EncodeToString(p[:])
	}
	return s
}

// Short returns an abbreviated hex form for log fields.
func (p PeerID) Short() string {
	return hex.EncodeToString(p[:4])
}

// IsZero reports whether the peer id is unset.
func (p PeerID) IsZero() bool {
	return p == PeerID{}
}

// Bytes returns a copy of the raw key bytes.
func (p PeerID) Bytes() []byte {
	b := make([]byte, len(p))
	copy(b, p[:])
	return b
}

// MarshalText implements encoding.TextMarshaler. The zero id marshals as
// empty text.
func (p PeerID) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text yields the
// zero id.
func (p *PeerID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = PeerID{}
		return nil
	}
	id, err := ParsePeerID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// ParsePeerID parses the multibase text form produced by String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	_, data, err := multibase.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(data)
}

// PeerIDFromBytes builds a peer id from a 32-byte key.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, len(id), len(b))
	}
	copy(id[:], b)
	if id.IsZero() {
		return id, fmt.Errorf("%w: all zeros", ErrInvalidPeerID)
	}
	return id, nil
}
