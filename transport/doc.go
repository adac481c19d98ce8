// Package transport establishes and owns the connections between peerdrop
// peers.
//
// # Architecture
//
// A Manager resolves a ticket into a *Connection. It tries the ticket's
// direct addresses in order, each with a short dial timeout, and falls back
// to the ticket's relay. Every stream, direct or relayed, is authenticated
// with a Noise IK handshake against the peer id carried in the ticket, so a
// relay never sees plaintext.
//
//	mgr := transport.NewManager(keys, transport.NewOptions())
//	defer mgr.Close()
//
//	conn, err := mgr.Resolve(ctx, tk, 20*time.Second)
//	if err != nil {
//	    var ce *transport.ConnectError
//	    if errors.As(err, &ce) && ce.Reason == transport.ReasonTimeout {
//	        // deadline expired before every route was tried
//	    }
//	    return err
//	}
//	conn.Acquire()
//	defer conn.Release()
//
// # Pooling
//
// The manager keeps at most one pooled connection per peer. Inbound
// connections accepted by Listen or ServeRelay join the same pool, so a
// connection opened in either direction is reused by later resolves.
// Concurrent resolves for one peer are coalesced with singleflight.
//
// A connection closes when it has had no borrowers for IdleTimeout, when no
// packet arrived within LivenessTimeout (a ping is sent every PingInterval),
// on explicit Close, or on any I/O error. A closed connection never reopens;
// Done and Err broadcast the loss to every borrower.
//
// # Framing and multiplexing
//
// Packets are framed with a 4-byte big-endian length prefix:
//
//	[length 4][type 1][session 16][payload]
//
// The session id routes each packet to the inbox a session opened with
// Open. Packets for sessions the connection has not seen are passed to the
// manager's AcceptHandler, which is how offers and resumes arrive.
//
// # Relay
//
// RelayServer implements the rendezvous side of relaying and RelayClient
// keeps a peer registered with one. See relay.go for the stream protocol.
package transport
