package noise

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKeys(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp
}

func TestNewIKHandshakeValidation(t *testing.T) {
	local := mustKeys(t)

	_, err := NewIKHandshake(nil, nil, Responder)
	assert.Error(t, err)

	_, err = NewIKHandshake(local, nil, Initiator)
	assert.Error(t, err, "initiator without peer key")

	zero := crypto.PeerID{}
	_, err = NewIKHandshake(local, &zero, Initiator)
	assert.Error(t, err, "initiator with zero peer key")

	responder, err := NewIKHandshake(local, nil, Responder)
	require.NoError(t, err)
	assert.False(t, responder.IsComplete())
}

func TestIKHandshakeInMemory(t *testing.T) {
	alice := mustKeys(t)
	bob := mustKeys(t)
	bobID := bob.PeerID()

	initiator, err := NewIKHandshake(alice, &bobID, Initiator)
	require.NoError(t, err)
	responder, err := NewIKHandshake(bob, nil, Responder)
	require.NoError(t, err)

	// Out of turn.
	_, err = responder.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg1, err := initiator.WriteMessage([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, initiator.IsComplete())

	payload, err := responder.ReadMessage(msg1)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	msg2, err := responder.WriteMessage([]byte("world"))
	require.NoError(t, err)
	assert.True(t, responder.IsComplete())

	payload, err = initiator.ReadMessage(msg2)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), payload)
	assert.True(t, initiator.IsComplete())

	_, err = initiator.WriteMessage(nil)
	assert.ErrorIs(t, err, ErrHandshakeComplete)

	peer, err := responder.RemotePeer()
	require.NoError(t, err)
	assert.Equal(t, alice.PeerID(), peer)

	peer, err = initiator.RemotePeer()
	require.NoError(t, err)
	assert.Equal(t, bobID, peer)

	// Traffic in both directions decrypts with the paired state.
	iSend, iRecv, err := initiator.CipherStates()
	require.NoError(t, err)
	rSend, rRecv, err := responder.CipherStates()
	require.NoError(t, err)

	ct, err := iSend.Encrypt(nil, nil, []byte("to responder"))
	require.NoError(t, err)
	pt, err := rRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "to responder", string(pt))

	ct, err = rSend.Encrypt(nil, nil, []byte("to initiator"))
	require.NoError(t, err)
	pt, err = iRecv.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	assert.Equal(t, "to initiator", string(pt))
}

func TestRemotePeerBeforeComplete(t *testing.T) {
	hs, err := NewIKHandshake(mustKeys(t), nil, Responder)
	require.NoError(t, err)
	_, err = hs.RemotePeer()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
	_, _, err = hs.CipherStates()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

type handshakeResult struct {
	conn *SecureConn
	err  error
}

func pipePair(t *testing.T, client, server *crypto.KeyPair, expect crypto.PeerID) (*SecureConn, error, *SecureConn, error) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	done := make(chan handshakeResult, 1)
	go func() {
		sc, err := Server(b, server, time.Second)
		if err != nil {
			b.Close()
		}
		done <- handshakeResult{sc, err}
	}()

	cc, cerr := Client(a, client, expect, time.Second)
	res := <-done
	return cc, cerr, res.conn, res.err
}

func TestSecureConnRoundTrip(t *testing.T) {
	alice := mustKeys(t)
	bob := mustKeys(t)

	cc, cerr, sc, serr := pipePair(t, alice, bob, bob.PeerID())
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.Equal(t, bob.PeerID(), cc.RemotePeer())
	assert.Equal(t, alice.PeerID(), sc.RemotePeer())

	// Larger than one record so the write is split.
	payload := make([]byte, 3*MaxPlaintext+17)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	go func() {
		_, _ = cc.Write(payload)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(sc, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	go func() {
		_, _ = sc.Write([]byte("ack"))
	}()
	reply := make([]byte, 3)
	_, err = io.ReadFull(cc, reply)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(reply))
}

func TestSecureConnWrongPeer(t *testing.T) {
	alice := mustKeys(t)
	bob := mustKeys(t)
	mallory := mustKeys(t)

	_, cerr, _, serr := pipePair(t, alice, bob, mallory.PeerID())
	assert.Error(t, cerr)
	assert.Error(t, serr)
}
