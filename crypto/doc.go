// Package crypto provides peer identity and content hashing for peerdrop.
//
// # Identity
//
// KeyPair holds a Curve25519 static key pair. Its public half is the PeerID
// carried in tickets and verified by the Noise IK handshake, so a resolved
// connection is always to the peer the ticket names:
//
//	keys, _ := crypto.LoadOrCreateIdentity("/var/lib/peerdrop/identity.key")
//	id := keys.PeerID()
//	fmt.Println(id) // multibase base32 text
//
// # Content Digests
//
// Digest is a BLAKE3-256 multihash. Whole files and individual chunks are
// hashed with it:
//
//	h := crypto.NewHasher()
//	io.Copy(h, f)
//	d := crypto.DigestFromHasher(h)
//
//	if !d.Equal(expected) {
//	    // integrity mismatch
//	}
package crypto
