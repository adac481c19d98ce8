package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// ProofSize is the length of a key ownership proof.
const ProofSize = 32

const proofContext = "peerdrop key ownership v1"

// Challenge asks a peer to prove it holds the private half of its PeerID.
// The verifier sends Key and Nonce; the peer answers with KeyPair.Prove.
// A challenge is meant to be used once.
type Challenge struct {
	Key    [32]byte
	Nonce  [32]byte
	secret [32]byte
}

// NewChallenge creates a challenge with a fresh ephemeral key and nonce.
func NewChallenge() (*Challenge, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c := &Challenge{Key: kp.Public, secret: kp.Private}
	kp.Wipe()
	if _, err := rand.Read(c.Nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return c, nil
}

// Verify reports whether proof was made by the owner of peer. It wipes the
// challenge secret.
func (c *Challenge) Verify(peer PeerID, proof []byte) bool {
	defer ZeroBytes(c.secret[:])
	if len(proof) != ProofSize {
		return false
	}
	shared, err := curve25519.X25519(c.secret[:], peer[:])
	if err != nil {
		return false
	}
	want := proofMAC(shared, peer, c.Nonce[:])
	return subtle.ConstantTimeCompare(want[:], proof) == 1
}

// Prove answers a challenge made with the ephemeral key and nonce.
func (kp *KeyPair) Prove(key [32]byte, nonce []byte) ([ProofSize]byte, error) {
	shared, err := curve25519.X25519(kp.Private[:], key[:])
	if err != nil {
		return [ProofSize]byte{}, fmt.Errorf("invalid challenge key: %w", err)
	}
	return proofMAC(shared, kp.PeerID(), nonce), nil
}

// proofMAC keys BLAKE3 with the shared secret and binds the peer id and
// nonce. shared is wiped.
func proofMAC(shared []byte, peer PeerID, nonce []byte) [ProofSize]byte {
	defer ZeroBytes(shared)
	h := blake3.New(ProofSize, shared)
	h.Write([]byte(proofContext))
	h.Write(peer[:])
	h.Write(nonce)
	var out [ProofSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
