// Package noise secures peerdrop connections with the Noise IK pattern.
//
// The dialing side always knows the static key of the peer it wants to
// reach, because that key is carried in the ticket. IK lets the initiator
// authenticate the responder in the first message, and the responder learns
// and authenticates the initiator's key in the same message.
//
//	Initiator                              Responder
//	-> e, es, s, ss  (payload: protocol id)
//	                                       <- e, ee, se  (payload: protocol id)
//
// The handshake runs over a stream with each message prefixed by a 2-byte
// big-endian length. Once complete, SecureConn carries application data as
// records of the same shape, each holding at most MaxPlaintext bytes.
//
// Example usage:
//
//	sc, err := noise.Client(rawConn, localKeys, ticket.Peer, 5*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer sc.Close()
//	sc.Write(frame)
//
// On the accepting side:
//
//	sc, err := noise.Server(rawConn, localKeys, 5*time.Second)
//	peer := sc.RemotePeer()
package noise
