package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/sirupsen/logrus"
)

// Listen accepts direct inbound connections on addr ("host:port"). It
// returns the bound address; the accept loop runs until ctx is done or the
// manager is closed.
func (m *Manager) Listen(ctx context.Context, addr string) (net.Addr, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Listen",
		"addr":     l.Addr().String(),
	}).Info("Listening for peers")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
			l.Close()
		case <-m.ctx.Done():
		}
	}()

	m.wg.Add(1)
	go m.acceptLoop(l)
	return l.Addr(), nil
}

func (m *Manager) acceptLoop(l net.Listener) {
	defer m.wg.Done()
	for {
		raw, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Warn("Accept failed")
			}
			return
		}
		go m.handleInbound(raw, KindDirect, "")
	}
}

// ServeRelay registers with the relay at relayAddr and accepts connections the
// relay splices to us. The first registration is synchronous; afterwards the
// registration is renewed with bounded backoff until ctx is done.
func (m *Manager) ServeRelay(ctx context.Context, relayAddr multiaddr.Multiaddr) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	rc := NewRelayClient(relayAddr, m.keys, m.opts)
	rc.SetIncomingHandler(func(raw net.Conn) {
		m.handleInbound(raw, KindRelayed, relayAddr.String())
	})
	if err := rc.Register(ctx); err != nil {
		return fmt.Errorf("register with relay: %w", err)
	}

	m.mu.Lock()
	m.relays = append(m.relays, rc)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rc.Run(ctx)
	}()
	return nil
}

// ListenAddrs returns the addresses of the active listeners.
func (m *Manager) ListenAddrs() []net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]net.Addr, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l.Addr())
	}
	return out
}

// Ticket builds a ticket advertising configured public addresses first,
// then interface addresses of every listener, loopback last, and the first
// registered relay.
func (m *Manager) Ticket() (*ticket.Ticket, error) {
	var addrs []multiaddr.Multiaddr
	seen := make(map[string]bool)
	add := func(a multiaddr.Multiaddr) {
		if !seen[a.String()] {
			seen[a.String()] = true
			addrs = append(addrs, a)
		}
	}
	for _, a := range m.opts.PublicAddrs {
		add(a)
	}

	var local []multiaddr.Multiaddr
	for _, la := range m.ListenAddrs() {
		local = append(local, expandListenAddr(la)...)
	}
	sort.SliceStable(local, func(i, j int) bool {
		return !manet.IsIPLoopback(local[i]) && manet.IsIPLoopback(local[j])
	})
	for _, a := range local {
		add(a)
	}

	var relay multiaddr.Multiaddr
	m.mu.RLock()
	if len(m.relays) > 0 {
		relay = m.relays[0].Addr()
	}
	m.mu.RUnlock()

	return ticket.New(m.keys.PeerID(), addrs, relay)
}

// expandListenAddr turns a listener address into dialable multiaddrs. An
// unspecified IP expands to interface addresses: IPv4 only for 0.0.0.0,
// both families for the dual-stack "::".
func expandListenAddr(addr net.Addr) []multiaddr.Multiaddr {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	ips := []net.IP{tcp.IP}
	if tcp.IP.IsUnspecified() {
		ips = interfaceIPs(tcp.IP.To4() != nil)
	}

	var out []multiaddr.Multiaddr
	for _, ip := range ips {
		ma, err := manet.FromNetAddr(&net.TCPAddr{IP: ip, Port: tcp.Port})
		if err != nil {
			continue
		}
		out = append(out, ma)
	}
	return out
}

func interfaceIPs(onlyV4 bool) []net.IP {
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []net.IP{net.IPv4(127, 0, 0, 1)}
	}
	var out []net.IP
	for _, a := range ifAddrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLinkLocalUnicast() {
			continue
		}
		if onlyV4 && ipn.IP.To4() == nil {
			continue
		}
		out = append(out, ipn.IP)
	}
	return out
}
