package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/stretchr/testify/require"
)

func testOptions() *Options {
	opts := NewOptions()
	opts.DialTimeout = time.Second
	opts.HandshakeTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return opts
}

func newTestManager(t *testing.T, opts *Options) *Manager {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	if opts == nil {
		opts = testOptions()
	}
	m := NewManager(keys, opts)
	t.Cleanup(func() { m.Close() })
	return m
}

func listenTicket(t *testing.T, m *Manager) *ticket.Ticket {
	t.Helper()
	_, err := m.Listen(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	tk, err := m.Ticket()
	require.NoError(t, err)
	return tk
}

func mustAddr(t *testing.T, addr net.Addr) multiaddr.Multiaddr {
	t.Helper()
	ma, err := manet.FromNetAddr(addr)
	require.NoError(t, err)
	return ma
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) multiaddr.Multiaddr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	l.Close()
	return mustAddr(t, addr)
}

// echoAcceptor answers every unknown session packet with a packet of the same
// session and type carrying the same data, and reports the packet.
func echoAcceptor(seen chan<- *Packet) AcceptHandler {
	return func(c *Connection, p *Packet) {
		select {
		case seen <- p:
		default:
		}
		go c.Send(context.Background(), &Packet{PacketType: p.PacketType, Session: p.Session, Data: p.Data})
	}
}

func newSession() uuid.UUID {
	return uuid.New()
}
