package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"

	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// DigestSize is the length of the raw BLAKE3 digest.
const DigestSize = 32

// ErrInvalidDigest indicates bytes that are not a supported multihash.
var ErrInvalidDigest = errors.New("invalid digest")

// Digest is a BLAKE3-256 content hash encoded as a multihash.
type Digest struct {
	mh multihash.Multihash
}

// NewHasher returns a streaming hasher whose output feeds DigestFromHasher.
func NewHasher() hash.Hash {
	return blake3.New(DigestSize, nil)
}

// Sum hashes data in one call.
func Sum(data []byte) Digest {
	sum := blake3.Sum256(data)
	return digestFromRaw(sum[:])
}

// DigestFromHasher finalizes a hasher created by NewHasher.
func DigestFromHasher(h hash.Hash) Digest {
	return digestFromRaw(h.Sum(nil))
}

func digestFromRaw(raw []byte) Digest {
	mh, err := multihash.Encode(raw, multihash.BLAKE3)
	if err != nil {
		// BLAKE3 is a registered code and raw has a fixed size.
		panic(fmt.Sprintf("multihash encode: %v", err))
	}
	return Digest{mh: multihash.Multihash(mh)}
}

// ParseDigest decodes multihash bytes, accepting only BLAKE3-256.
func ParseDigest(b []byte) (Digest, error) {
	decoded, err := multihash.Decode(b)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	if decoded.Code != multihash.BLAKE3 || decoded.Length != DigestSize {
		return Digest{}, fmt.Errorf("%w: unsupported hash %s/%d", ErrInvalidDigest, decoded.Name, decoded.Length)
	}
	mh := make([]byte, len(b))
	copy(mh, b)
	return Digest{mh: multihash.Multihash(mh)}, nil
}

// ParseDigestHex decodes the hex form produced by String.
func ParseDigestHex(s string) (Digest, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return ParseDigest(b)
}

// Bytes returns the multihash bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, len(d.mh))
	copy(out, d.mh)
	return out
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return len(d.mh) == 0
}

// Equal compares two digests.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d.mh, other.mh)
}

// String returns the multihash in hex.
func (d Digest) String() string {
	return d.mh.HexString()
}

// Short returns an abbreviated form for log fields.
func (d Digest) Short() string {
	s := d.String()
	if len(s) > 16 {
		return s[len(s)-12:]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigestHex(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
