package peerdrop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/peerdrop/bridge"
	"github.com/opd-ai/peerdrop/config"
	"github.com/opd-ai/peerdrop/control"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/opd-ai/peerdrop/file"
	"github.com/opd-ai/peerdrop/ticket"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// ErrNodeClosed is returned by operations on a closed Node.
var ErrNodeClosed = errors.New("node closed")

// Node is a running peerdrop endpoint. It owns the identity, the connection
// pool, the transfer sessions and any web bridges it has started.
type Node struct {
	cfg       *config.Config
	keys      *crypto.KeyPair
	transport *transport.Manager
	files     *file.Manager
	control   *control.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	bridges     map[*bridge.Bridge]struct{}
	controlAddr net.Addr
	started     bool
	closed      bool
}

// New creates a Node from cfg. A nil cfg uses config.Default. Nothing
// listens until Start is called.
func New(cfg *config.Config) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys, err := crypto.LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return newNode(cfg, keys)
}

// NewWithKeys creates a Node with an explicit identity instead of the one
// stored under the data directory.
func NewWithKeys(cfg *config.Config, keys *crypto.KeyPair) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, errors.New("nil key pair")
	}
	return newNode(cfg, keys)
}

func newNode(cfg *config.Config, keys *crypto.KeyPair) (*Node, error) {
	tm := transport.NewManager(keys, cfg.TransportOptions())
	fm := file.NewManager(tm, cfg.FileOptions())
	tm.SetAcceptHandler(fm.HandlePacket)

	if dir := cfg.ResumeDir(); dir != "" {
		store, err := file.NewFileResumeStore(dir)
		if err != nil {
			fm.Close()
			tm.Close()
			return nil, fmt.Errorf("open resume store: %w", err)
		}
		fm.SetResumeStore(store)
	}

	n := &Node{
		cfg:       cfg,
		keys:      keys,
		transport: tm,
		files:     fm,
		bridges:   make(map[*bridge.Bridge]struct{}),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.Transfer.AutoAccept {
		fm.OnProposal(func(info file.Info) {
			if err := fm.Accept(info.ID); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Node.autoAccept",
					"session":  info.ID.String(),
					"error":    err.Error(),
				}).Warn("Auto-accept failed")
			}
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"peer":     keys.PeerID().String(),
	}).Info("Node created")
	return n, nil
}

// Start opens the configured listeners, registers with the configured
// relays and serves the control API when enabled. A relay that cannot be
// reached is logged and skipped; the node stays usable through its direct
// addresses.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if n.started {
		return nil
	}

	for _, addr := range n.cfg.Node.Listen {
		if _, err := n.transport.Listen(n.ctx, addr); err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}

	relays, err := n.cfg.RelayServers()
	if err != nil {
		return err
	}
	for _, relay := range relays {
		if err := n.transport.ServeRelay(n.ctx, relay); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Node.Start",
				"relay":    relay.String(),
				"error":    err.Error(),
			}).Warn("Relay registration failed")
		}
	}

	if n.cfg.Control.Enabled {
		srv := control.NewServer(n.files)
		addr, err := srv.Start(n.cfg.Control.Listen)
		if err != nil {
			return fmt.Errorf("start control api: %w", err)
		}
		n.control = srv
		n.controlAddr = addr
	}

	n.started = true
	logrus.WithFields(logrus.Fields{
		"function":  "Node.Start",
		"listeners": len(n.transport.ListenAddrs()),
		"relays":    len(relays),
	}).Info("Node started")
	return ctx.Err()
}

// PeerID returns the node's identity.
func (n *Node) PeerID() crypto.PeerID { return n.keys.PeerID() }

// Ticket returns a ticket describing how to reach this node.
func (n *Node) Ticket() (*ticket.Ticket, error) {
	return n.transport.Ticket()
}

// TicketString returns the shareable text form of Ticket.
func (n *Node) TicketString() (string, error) {
	t, err := n.Ticket()
	if err != nil {
		return "", err
	}
	return ticket.Encode(t)
}

// Transport exposes the connection pool.
func (n *Node) Transport() *transport.Manager { return n.transport }

// Files exposes the session registry.
func (n *Node) Files() *file.Manager { return n.files }

// ControlAddr is the control API address, or nil when it is disabled.
func (n *Node) ControlAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.controlAddr
}

// Send offers the file at path to the peer described by the ticket string.
func (n *Node) Send(ctx context.Context, ticketStr, path string) (*file.Session, error) {
	t, err := ticket.Decode(ticketStr)
	if err != nil {
		return nil, err
	}
	return n.files.SendFile(ctx, t, path)
}

// SendDir offers every file below dir to the peer described by the ticket
// string, one session per file.
func (n *Node) SendDir(ctx context.Context, ticketStr, dir string) (*file.DirTransfer, error) {
	t, err := ticket.Decode(ticketStr)
	if err != nil {
		return nil, err
	}
	return n.files.SendDir(ctx, t, dir)
}

// OnProposal registers the decision callback for incoming offers.
func (n *Node) OnProposal(fn func(file.Info)) { n.files.OnProposal(fn) }

// Subscribe streams session events.
func (n *Node) Subscribe() (<-chan file.Event, func()) { return n.files.Subscribe() }

// Sessions lists known sessions.
func (n *Node) Sessions() []file.Info { return n.files.Sessions() }

// Accept accepts an offer into the configured download directory.
func (n *Node) Accept(id uuid.UUID) error { return n.files.Accept(id) }

// AcceptInto accepts an offer into dir.
func (n *Node) AcceptInto(id uuid.UUID, dir string) error { return n.files.AcceptInto(id, dir) }

// Reject declines an offer.
func (n *Node) Reject(id uuid.UUID, reason string) error { return n.files.Reject(id, reason) }

// Cancel stops a session.
func (n *Node) Cancel(id uuid.UUID, discard bool) error { return n.files.Cancel(id, discard) }

// Share indexes the file at path and serves it over HTTP. The returned
// bridge owns the source and releases it on Close; the node closes any
// bridges still open when it shuts down.
func (n *Node) Share(path string) (*bridge.Bridge, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil, ErrNodeClosed
	}

	src, err := file.OpenSource(path, n.cfg.Transfer.ChunkSize)
	if err != nil {
		return nil, err
	}
	b, err := bridge.New(src, n.cfg.BridgeOptions())
	if err != nil {
		src.Close()
		return nil, err
	}

	n.mu.Lock()
	n.bridges[b] = struct{}{}
	n.mu.Unlock()

	go func() {
		<-b.Done()
		src.Close()
		n.mu.Lock()
		delete(n.bridges, b)
		n.mu.Unlock()
	}()
	return b, nil
}

// Close stops bridges, the control API, sessions and connections.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	bridges := make([]*bridge.Bridge, 0, len(n.bridges))
	for b := range n.bridges {
		bridges = append(bridges, b)
	}
	srv := n.control
	n.mu.Unlock()

	var errs []error
	for _, b := range bridges {
		errs = append(errs, b.Close())
	}
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	errs = append(errs, n.files.Close())
	n.cancel()
	errs = append(errs, n.transport.Close())

	logrus.WithFields(logrus.Fields{
		"function": "Node.Close",
		"peer":     n.keys.PeerID().String(),
	}).Info("Node closed")
	return errors.Join(errs...)
}
