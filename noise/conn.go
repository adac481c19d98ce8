package noise

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/peerdrop/crypto"
	"github.com/sirupsen/logrus"
)

const (
	// MaxMessage is the largest Noise message on the wire.
	MaxMessage = 65535
	// MaxPlaintext is the payload capacity of one record.
	MaxPlaintext = MaxMessage - 16
)

// SecureConn is a net.Conn whose traffic is protected by Noise transport
// cipher states. Writes larger than MaxPlaintext are split into records.
type SecureConn struct {
	net.Conn
	remote crypto.PeerID

	writeMu sync.Mutex
	send    *noise.CipherState

	readMu  sync.Mutex
	recv    *noise.CipherState
	pending []byte
}

// Client performs the initiator side of the handshake over conn and
// authenticates the responder as remote.
func Client(conn net.Conn, local *crypto.KeyPair, remote crypto.PeerID, timeout time.Duration) (*SecureConn, error) {
	ik, err := NewIKHandshake(local, &remote, Initiator)
	if err != nil {
		return nil, err
	}
	return runHandshake(conn, ik, timeout)
}

// Server performs the responder side of the handshake over conn. The
// initiator's key is available from RemotePeer afterwards.
func Server(conn net.Conn, local *crypto.KeyPair, timeout time.Duration) (*SecureConn, error) {
	ik, err := NewIKHandshake(local, nil, Responder)
	if err != nil {
		return nil, err
	}
	return runHandshake(conn, ik, timeout)
}

func runHandshake(conn net.Conn, ik *IKHandshake, timeout time.Duration) (*SecureConn, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "runHandshake",
		"role":     ik.role.String(),
		"remote":   conn.RemoteAddr().String(),
	})

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	var err error
	if ik.role == Initiator {
		err = initiatorSteps(conn, ik)
	} else {
		err = responderSteps(conn, ik)
	}
	if err != nil {
		logger.WithError(err).Debug("Handshake failed")
		return nil, err
	}

	send, recv, err := ik.CipherStates()
	if err != nil {
		return nil, err
	}
	remote, err := ik.RemotePeer()
	if err != nil {
		return nil, err
	}
	logger.WithField("peer", remote.Short()).Debug("Handshake complete")

	return &SecureConn{Conn: conn, remote: remote, send: send, recv: recv}, nil
}

func initiatorSteps(conn net.Conn, ik *IKHandshake) error {
	msg, err := ik.WriteMessage([]byte(ProtocolID))
	if err != nil {
		return err
	}
	if err := writeMessage(conn, msg); err != nil {
		return err
	}
	reply, err := readMessage(conn)
	if err != nil {
		return err
	}
	payload, err := ik.ReadMessage(reply)
	if err != nil {
		return err
	}
	return checkProtocol(payload)
}

func responderSteps(conn net.Conn, ik *IKHandshake) error {
	msg, err := readMessage(conn)
	if err != nil {
		return err
	}
	payload, err := ik.ReadMessage(msg)
	if err != nil {
		return err
	}
	if err := checkProtocol(payload); err != nil {
		return err
	}
	reply, err := ik.WriteMessage([]byte(ProtocolID))
	if err != nil {
		return err
	}
	return writeMessage(conn, reply)
}

func checkProtocol(payload []byte) error {
	if !bytes.Equal(payload, []byte(ProtocolID)) {
		return fmt.Errorf("%w: got %q", ErrProtocolMismatch, payload)
	}
	return nil
}

// RemotePeer returns the authenticated identity of the other side.
func (c *SecureConn) RemotePeer() crypto.PeerID {
	return c.remote
}

// Write encrypts p into one or more records.
func (c *SecureConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > MaxPlaintext {
			n = MaxPlaintext
		}
		record, err := c.send.Encrypt(nil, nil, p[:n])
		if err != nil {
			return written, fmt.Errorf("encrypt record: %w", err)
		}
		if err := writeMessage(c.Conn, record); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Read returns decrypted bytes, buffering any remainder of a record.
func (c *SecureConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		record, err := readMessage(c.Conn)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, record)
		if err != nil {
			return 0, fmt.Errorf("decrypt record: %w", err)
		}
		c.pending = plain
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > MaxMessage {
		return fmt.Errorf("noise message too large: %d", len(msg))
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	_, err := w.Write(buf)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint16(header[:])
	if size == 0 {
		return nil, errors.New("empty noise message")
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
