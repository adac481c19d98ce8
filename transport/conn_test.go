package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// securePipe returns both ends of an authenticated in-memory stream.
func securePipe(t *testing.T) (*noise.SecureConn, *noise.SecureConn) {
	t.Helper()
	a, b := net.Pipe()
	clientKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	type result struct {
		sc  *noise.SecureConn
		err error
	}
	done := make(chan result, 1)
	go func() {
		sc, err := noise.Server(b, serverKeys, time.Second)
		done <- result{sc, err}
	}()
	client, err := noise.Client(a, clientKeys, serverKeys.PeerID(), time.Second)
	require.NoError(t, err)
	res := <-done
	require.NoError(t, res.err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return client, res.sc
}

func TestConnectionLivenessTimeout(t *testing.T) {
	client, server := securePipe(t)

	opts := testOptions()
	opts.PingInterval = 30 * time.Millisecond
	opts.LivenessTimeout = 120 * time.Millisecond
	conn := newConnection(server, KindDirect, "", opts)
	conn.start()

	// The far end reads everything and never answers.
	go io.Copy(io.Discard, client)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent peer was not detected")
	}
	assert.ErrorIs(t, conn.Err(), ErrLivenessTimeout)
}

func TestConnectionKeepaliveAnswersPing(t *testing.T) {
	client, server := securePipe(t)

	opts := testOptions()
	opts.PingInterval = 30 * time.Millisecond
	opts.LivenessTimeout = 200 * time.Millisecond
	a := newConnection(client, KindDirect, "", opts)
	b := newConnection(server, KindDirect, "", opts)
	a.start()
	b.start()

	time.Sleep(500 * time.Millisecond)
	assert.True(t, a.Alive(), "pings keep both ends alive")
	assert.True(t, b.Alive())

	a.Close()
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("close not observed by peer")
	}
}

func TestConnectionSessionRouting(t *testing.T) {
	client, server := securePipe(t)
	opts := testOptions()
	a := newConnection(client, KindDirect, "", opts)
	b := newConnection(server, KindDirect, "", opts)

	unknown := make(chan *Packet, 4)
	b.onUnknown = func(c *Connection, p *Packet) { unknown <- p }
	a.start()
	b.start()

	s1, s2 := newSession(), newSession()
	in1 := b.Open(s1)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, &Packet{PacketType: PacketChunk, Session: s1, Data: []byte("one")}))
	require.NoError(t, a.Send(ctx, &Packet{PacketType: PacketOffer, Session: s2, Data: []byte("two")}))

	select {
	case p := <-in1:
		assert.Equal(t, "one", string(p.Data))
	case <-time.After(time.Second):
		t.Fatal("session packet not routed")
	}
	select {
	case p := <-unknown:
		assert.Equal(t, s2, p.Session)
	case <-time.After(time.Second):
		t.Fatal("unknown session not handed to accept handler")
	}

	b.CloseSession(s1)
	require.NoError(t, a.Send(ctx, &Packet{PacketType: PacketChunkAck, Session: s1, Data: []byte{}}))
	select {
	case p := <-unknown:
		assert.Equal(t, s1, p.Session)
	case <-time.After(time.Second):
		t.Fatal("closed session packet not handed to accept handler")
	}
}
