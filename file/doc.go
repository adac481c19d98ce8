// Package file runs chunked, verifiable and resumable file transfers between
// two peers over transport connections.
//
// # Overview
//
// A Manager owns every transfer Session of the local node. Outgoing sessions
// start with SendFile; incoming ones are admitted by HandlePacket, which the
// node installs as the transport accept handler:
//
//	files := file.NewManager(transportManager, file.NewOptions())
//	transportManager.SetAcceptHandler(files.HandlePacket)
//
//	files.OnProposal(func(info file.Info) {
//	    files.Accept(info.ID)
//	})
//
//	s, err := files.SendFile(ctx, tk, "/path/to/report.pdf")
//	if err != nil {
//	    return err
//	}
//	err = s.Wait(ctx)
//
// # Session States
//
//	Initiating -> Negotiating -> Transferring -> Completed
//	                                  |  ^
//	                                  v  |
//	                                Resuming
//
// Any live state may end in Cancelled (local decision) or Failed, whose
// SessionError carries a Reason: Unreachable, Rejected, IntegrityMismatch,
// Timeout, CancelledByPeer or LocalIO.
//
// # Wire Protocol
//
// Sessions exchange Offer, OfferReply, Chunk, ChunkAck, ChunkNack, Resume,
// Complete and Cancel packets. The sender keeps at most Options.Window
// chunks unacknowledged. The receiver verifies every chunk against its
// digest before writing it, and checks the whole-file hash before
// reporting completion.
//
// # Resumption
//
// When a connection drops, both ends keep their confirmed chunk sets. The
// sender re-resolves the ticket and sends Resume with the same session id;
// the receiver answers with the chunks it already holds and nothing it
// acknowledged is sent again. Receiver progress is saved to a ResumeStore
// after every chunk; with a FileResumeStore, a later offer of the same file
// from the same peer continues into the partial file.
//
// # Events
//
// Subscribe returns a channel of Event values (proposals, state changes and
// progress) for user interfaces. Progress events are dropped for slow
// subscribers; state changes are not.
package file
