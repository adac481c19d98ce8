package ticket

import (
	"errors"
	"strings"
	"testing"

	"github.com/multiformats/go-multiaddr"
	"github.com/multiformats/go-multibase"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeer(t *testing.T) crypto.PeerID {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.PeerID()
}

func addrs(t *testing.T, ss ...string) []multiaddr.Multiaddr {
	t.Helper()
	out := make([]multiaddr.Multiaddr, 0, len(ss))
	for _, s := range ss {
		a, err := multiaddr.NewMultiaddr(s)
		require.NoError(t, err)
		out = append(out, a)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	peer := testPeer(t)
	relay := addrs(t, "/dns4/relay.example.net/tcp/4200")[0]

	cases := map[string]*Ticket{}
	var err error
	cases["direct"], err = New(peer, addrs(t, "/ip4/10.0.0.5/tcp/4100", "/ip6/::1/tcp/4100"), nil)
	require.NoError(t, err)
	cases["relay-only"], err = New(peer, nil, relay)
	require.NoError(t, err)
	cases["both"], err = New(peer, addrs(t, "/ip4/192.168.1.2/tcp/4100"), relay)
	require.NoError(t, err)

	for name, tk := range cases {
		t.Run(name, func(t *testing.T) {
			s, err := Encode(tk)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(s, "b"))

			again, err := Encode(tk)
			require.NoError(t, err)
			assert.Equal(t, s, again, "encoding must be deterministic")

			decoded, err := Decode(s)
			require.NoError(t, err)
			assert.True(t, tk.Equal(decoded))
			assert.Equal(t, tk.Peer(), decoded.Peer())
			assert.Equal(t, len(tk.Addrs()), len(decoded.Addrs()))
		})
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(crypto.PeerID{}, addrs(t, "/ip4/1.2.3.4/tcp/1"), nil)
	assert.Error(t, err)

	_, err = New(testPeer(t), nil, nil)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestDecodeErrors(t *testing.T) {
	tk, err := New(testPeer(t), addrs(t, "/ip4/10.0.0.5/tcp/4100"), nil)
	require.NoError(t, err)
	s, err := Encode(tk)
	require.NoError(t, err)
	_, raw, err := multibase.Decode(s)
	require.NoError(t, err)

	reencode := func(b []byte) string {
		out, err := multibase.Encode(multibase.Base32, b)
		require.NoError(t, err)
		return out
	}

	flipped := append([]byte(nil), raw...)
	flipped[10] ^= 0xff

	badVersion := append([]byte(nil), raw...)
	badVersion[0] = 0x7f

	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrMalformed},
		{"garbage", "not a ticket", ErrMalformed},
		{"truncated", reencode(raw[:20]), ErrMalformed},
		{"checksum", reencode(flipped), ErrChecksum},
		{"version", reencode(badVersion), ErrVersion},
		{"too long", "b" + strings.Repeat("a", 5000), ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.input)
			assert.Nil(t, got, "no partial ticket on error")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var de *DecodeError
			assert.True(t, errors.As(err, &de))
		})
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	tk, err := New(testPeer(t), addrs(t, "/ip4/10.0.0.5/tcp/4100"), nil)
	require.NoError(t, err)
	s, err := Encode(tk)
	require.NoError(t, err)
	_, raw, err := multibase.Decode(s)
	require.NoError(t, err)

	body := append([]byte(nil), raw[:len(raw)-2]...)
	body = append(body, 0x00)
	sum := checksum(body)
	body = append(body, sum[:]...)
	padded, err := multibase.Encode(multibase.Base32, body)
	require.NoError(t, err)

	_, err = Decode(padded)
	assert.ErrorIs(t, err, ErrMalformed)
}
