package bridge

import (
	"context"
	"fmt"
	"net"
)

// Tunnel publishes a local listener under a public origin such as
// https://name.example.net. Provisioning is up to the implementation.
type Tunnel interface {
	// Open exposes local and returns the origin clients should use.
	Open(ctx context.Context, local net.Addr) (string, error)
	// Close withdraws the public origin.
	Close() error
}

// LocalTunnel publishes nothing and returns the listener's own origin. It
// suits peers on the same network.
type LocalTunnel struct{}

// Open returns http://host:port for local.
func (LocalTunnel) Open(ctx context.Context, local net.Addr) (string, error) {
	tcp, ok := local.(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("local tunnel: unsupported address %s", local)
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(tcp.Port)), nil
}

// Close does nothing.
func (LocalTunnel) Close() error { return nil }
