package ticket

import (
	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/limits"
)

// maxAddrs bounds the candidate list so a hostile ticket cannot force large
// allocations.
const maxAddrs = 64

// Encode serializes a ticket:
//
//	version(1) | peer(32) | uvarint count | (uvarint len | addr)* |
//	relay flag(1) [| uvarint len | relay] | checksum(2)
//
// rendered as multibase base32.
func Encode(t *Ticket) (string, error) {
	if t == nil || t.peer.IsZero() {
		return "", ErrNoRoute
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, Version)
	buf = append(buf, t.peer[:]...)
	buf = append(buf, varint.ToUvarint(uint64(len(t.addrs)))...)
	for _, a := range t.addrs {
		buf = appendBytes(buf, a.Bytes())
	}
	if t.relay != nil {
		buf = append(buf, 1)
		buf = appendBytes(buf, t.relay.Bytes())
	} else {
		buf = append(buf, 0)
	}
	sum := checksum(buf)
	buf = append(buf, sum[:]...)

	return multibase.Encode(multibase.Base32, buf)
}

func appendBytes(buf, b []byte) []byte {
	buf = append(buf, varint.ToUvarint(uint64(len(b)))...)
	return append(buf, b...)
}

// checksum folds the body into two bytes by alternating XOR.
func checksum(body []byte) [2]byte {
	var sum [2]byte
	for i, b := range body {
		sum[i%2] ^= b
	}
	return sum
}

// Decode parses a ticket string produced by Encode.
func Decode(s string) (*Ticket, error) {
	if len(s) == 0 {
		return nil, &DecodeError{Reason: "empty input", Err: ErrMalformed}
	}
	if len(s) > limits.MaxTicketLength {
		return nil, &DecodeError{Reason: "input too long", Err: ErrMalformed}
	}
	_, data, err := multibase.Decode(s)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error(), Err: ErrMalformed}
	}
	if len(data) < 1+32+1+1+2 {
		return nil, &DecodeError{Reason: "too short", Err: ErrMalformed}
	}
	if data[0] != Version {
		return nil, &DecodeError{Reason: "version byte", Err: ErrVersion}
	}

	body, tail := data[:len(data)-2], data[len(data)-2:]
	if sum := checksum(body); sum[0] != tail[0] || sum[1] != tail[1] {
		return nil, &DecodeError{Reason: "checksum", Err: ErrChecksum}
	}

	r := &reader{buf: body[1:]}
	peerBytes := r.take(32)
	count := r.uvarint()
	if r.err == nil && count > maxAddrs {
		return nil, &DecodeError{Reason: "too many addresses", Err: ErrMalformed}
	}

	addrs := make([]multiaddr.Multiaddr, 0, count)
	for i := uint64(0); i < count && r.err == nil; i++ {
		a := r.multiaddr()
		if a != nil {
			addrs = append(addrs, a)
		}
	}

	var relay multiaddr.Multiaddr
	switch flag := r.take(1); {
	case r.err != nil:
	case flag[0] == 1:
		relay = r.multiaddr()
	case flag[0] != 0:
		return nil, &DecodeError{Reason: "relay flag", Err: ErrMalformed}
	}
	if r.err != nil {
		return nil, &DecodeError{Reason: r.err.Error(), Err: ErrMalformed}
	}
	if len(r.buf) != 0 {
		return nil, &DecodeError{Reason: "trailing bytes", Err: ErrMalformed}
	}

	peer, err := crypto.PeerIDFromBytes(peerBytes)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error(), Err: ErrMalformed}
	}
	t, err := New(peer, addrs, relay)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error(), Err: ErrMalformed}
	}
	return t, nil
}

// reader consumes the ticket body, latching the first error.
type reader struct {
	buf []byte
	err error
}

type shortError struct{}

func (shortError) Error() string { return "unexpected end of ticket" }

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = shortError{}
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.FromUvarint(r.buf)
	if err != nil {
		r.err = err
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) multiaddr() multiaddr.Multiaddr {
	size := r.uvarint()
	if r.err == nil && size > uint64(len(r.buf)) {
		r.err = shortError{}
	}
	raw := r.take(int(size))
	if r.err != nil {
		return nil
	}
	a, err := multiaddr.NewMultiaddrBytes(raw)
	if err != nil {
		r.err = err
		return nil
	}
	return a
}
