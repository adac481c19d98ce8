package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDirect(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)

	seen := make(chan *Packet, 1)
	bob.SetAcceptHandler(echoAcceptor(seen))
	tk := listenTicket(t, bob)

	conn, err := alice.Resolve(context.Background(), tk, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, bob.LocalPeer(), conn.Peer())
	assert.Equal(t, KindDirect, conn.Kind())
	assert.Equal(t, StateDirect, conn.State())

	session := newSession()
	inbox := conn.Open(session)
	require.NoError(t, conn.Send(context.Background(), &Packet{PacketType: PacketOffer, Session: session, Data: []byte("hi")}))

	select {
	case p := <-seen:
		assert.Equal(t, PacketOffer, p.PacketType)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never saw the offer")
	}
	select {
	case p := <-inbox:
		assert.Equal(t, "hi", string(p.Data))
	case <-time.After(3 * time.Second):
		t.Fatal("echo never arrived")
	}

	// Bob adopted the inbound connection into his pool.
	require.Eventually(t, func() bool { return bob.Lookup(alice.LocalPeer()) != nil }, 2*time.Second, 10*time.Millisecond)

	again, err := alice.Resolve(context.Background(), tk, time.Second)
	require.NoError(t, err)
	assert.Same(t, conn, again)
}

func TestResolveConcurrentSharesConnection(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)
	tk := listenTicket(t, bob)

	const n = 10
	conns := make([]*Connection, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = alice.Resolve(context.Background(), tk, 5*time.Second)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	assert.Equal(t, 1, alice.PoolSize())
	require.Eventually(t, func() bool { return bob.PoolSize() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestResolveUnreachable(t *testing.T) {
	alice := newTestManager(t, nil)
	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tk, err := ticket.New(peer.PeerID(), []multiaddr.Multiaddr{deadAddr(t), deadAddr(t)}, nil)
	require.NoError(t, err)

	_, err = alice.Resolve(context.Background(), tk, 5*time.Second)
	require.Error(t, err)
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonUnreachable, ce.Reason)
	assert.Len(t, ce.Attempts, 2)
	assert.False(t, IsTimeout(err))
}

func TestResolveWrongPeerIsUnreachable(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)
	real := listenTicket(t, bob)

	impostor, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tk, err := ticket.New(impostor.PeerID(), real.Addrs(), nil)
	require.NoError(t, err)

	_, err = alice.Resolve(context.Background(), tk, 5*time.Second)
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ReasonUnreachable, ce.Reason)
}

func TestResolveTimeout(t *testing.T) {
	// A listener that accepts but never answers the handshake.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	var mu sync.Mutex
	var held []net.Conn
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range held {
			c.Close()
		}
	}()
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			held = append(held, c)
			mu.Unlock()
		}
	}()

	alice := newTestManager(t, nil)
	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tk, err := ticket.New(peer.PeerID(), []multiaddr.Multiaddr{mustAddr(t, l.Addr())}, nil)
	require.NoError(t, err)

	// The handshake read deadline is clamped to the resolve budget and can
	// fire just ahead of the context; repeat to catch that ordering.
	for i := 0; i < 5; i++ {
		start := time.Now()
		_, err = alice.Resolve(context.Background(), tk, 200*time.Millisecond)
		var ce *ConnectError
		require.True(t, errors.As(err, &ce), "got %v", err)
		assert.Equal(t, ReasonTimeout, ce.Reason, "run %d: %v", i, err)
		assert.Less(t, time.Since(start), 2*time.Second)
	}
}

// slowProxy forwards connections to target after a delay.
func slowProxy(t *testing.T, target net.Addr, delay time.Duration) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			in, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer in.Close()
				time.Sleep(delay)
				out, err := net.Dial("tcp", target.String())
				if err != nil {
					return
				}
				defer out.Close()
				go io.Copy(out, in)
				io.Copy(in, out)
			}()
		}
	}()
	return l.Addr()
}

func TestResolveSurvivesFirstCallerCancel(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)
	addr, err := bob.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	proxy := slowProxy(t, addr, 300*time.Millisecond)
	tk, err := ticket.New(bob.LocalPeer(), []multiaddr.Multiaddr{mustAddr(t, proxy)}, nil)
	require.NoError(t, err)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := alice.Resolve(firstCtx, tk, 5*time.Second)
		firstErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	second := make(chan error, 1)
	var conn *Connection
	go func() {
		c, err := alice.Resolve(context.Background(), tk, 5*time.Second)
		conn = c
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancelFirst()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-second)
	assert.True(t, conn.Alive())
	assert.Equal(t, 1, alice.PoolSize())
}

func TestIdleConnectionCloses(t *testing.T) {
	opts := testOptions()
	opts.IdleTimeout = 150 * time.Millisecond
	alice := newTestManager(t, opts)
	bob := newTestManager(t, nil)
	tk := listenTicket(t, bob)

	conn, err := alice.Resolve(context.Background(), tk, 5*time.Second)
	require.NoError(t, err)

	conn.Acquire()
	time.Sleep(300 * time.Millisecond)
	assert.True(t, conn.Alive(), "borrowed connection must not idle out")

	conn.Release()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	assert.ErrorIs(t, conn.Err(), ErrIdle)
	assert.Equal(t, StateClosed, conn.State())
	assert.Nil(t, alice.Lookup(bob.LocalPeer()))
}

func TestPeerCloseSignalsDone(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)
	tk := listenTicket(t, bob)

	conn, err := alice.Resolve(context.Background(), tk, 5*time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bob.PoolSize() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	select {
	case <-conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection loss not signalled")
	}
	assert.Error(t, conn.Err())
	assert.Error(t, conn.Send(context.Background(), &Packet{PacketType: PacketCancel}))
}

func TestManagerClosedRejectsResolve(t *testing.T) {
	alice := newTestManager(t, nil)
	bob := newTestManager(t, nil)
	tk := listenTicket(t, bob)

	require.NoError(t, alice.Close())
	_, err := alice.Resolve(context.Background(), tk, time.Second)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestTicketOrdersPublicFirst(t *testing.T) {
	public, err := multiaddr.NewMultiaddr("/ip4/203.0.113.7/tcp/4100")
	require.NoError(t, err)
	opts := testOptions()
	opts.PublicAddrs = []multiaddr.Multiaddr{public}
	m := newTestManager(t, opts)

	tk := listenTicket(t, m)
	addrs := tk.Addrs()
	require.GreaterOrEqual(t, len(addrs), 2)
	assert.True(t, addrs[0].Equal(public))
	assert.Contains(t, addrs[len(addrs)-1].String(), "/ip4/127.0.0.1/tcp/")
}
