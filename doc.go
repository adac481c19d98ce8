// Package peerdrop sends files directly between two peers.
//
// A receiver publishes a ticket: a short text string naming its identity,
// the addresses it listens on and, optionally, a relay that will splice
// connections to it. A sender that holds the ticket dials the receiver,
// authenticates it with a Noise IK handshake, offers the file and streams
// it in verified chunks. Interrupted transfers resume from the receiver's
// confirmed chunks.
//
// # Getting Started
//
// Create a node from configuration and start its listeners:
//
//	cfg, err := config.Load("peerdrop.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	node, err := peerdrop.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Close()
//
//	if err := node.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// On the receiving side, print the ticket and decide on offers:
//
//	t, _ := node.TicketString()
//	fmt.Println(t)
//
//	node.OnProposal(func(info file.Info) {
//	    node.Accept(info.ID)
//	})
//
// On the sending side, offer a file and wait for the outcome:
//
//	s, err := node.Send(ctx, ticketString, "holiday.mov")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Wait(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Web Bridge
//
// Share serves a file over HTTP for recipients without peerdrop. The link
// supports range requests and every byte served is checked against the
// file's chunk manifest first:
//
//	b, err := node.Share("holiday.mov")
//	fmt.Println(b.URL())
//
// # Packages
//
//   - [github.com/opd-ai/peerdrop/ticket]: ticket encoding
//   - [github.com/opd-ai/peerdrop/transport]: connection pool, listeners and relays
//   - [github.com/opd-ai/peerdrop/chunk]: chunking, hashing and positional file I/O
//   - [github.com/opd-ai/peerdrop/file]: transfer sessions and resumption
//   - [github.com/opd-ai/peerdrop/bridge]: HTTP range server
//   - [github.com/opd-ai/peerdrop/control]: local HTTP and WebSocket API
//   - [github.com/opd-ai/peerdrop/config]: TOML configuration
package peerdrop
