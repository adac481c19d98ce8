package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionClosed indicates the connection has been closed
	ErrConnectionClosed = errors.New("connection closed")

	// ErrIdle indicates a connection was closed after its idle timeout
	ErrIdle = errors.New("connection idle")

	// ErrLivenessTimeout indicates no packet arrived within the liveness window
	ErrLivenessTimeout = errors.New("peer liveness timeout")

	// ErrManagerClosed indicates the connection manager has been shut down
	ErrManagerClosed = errors.New("connection manager closed")

	// ErrRelayRefused indicates the relay could not reach the target peer
	ErrRelayRefused = errors.New("relay refused connection")
)

// Reason classifies a failed resolve.
type Reason uint8

const (
	// ReasonUnreachable means every direct address and the relay failed.
	ReasonUnreachable Reason = iota + 1
	// ReasonTimeout means the overall resolve deadline expired first.
	ReasonTimeout
)

func (r Reason) String() string {
	switch r {
	case ReasonUnreachable:
		return "unreachable"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Attempt records one failed route tried during a resolve.
type Attempt struct {
	Addr string
	Err  error
}

// ConnectError reports why a ticket could not be resolved.
type ConnectError struct {
	Peer     string
	Reason   Reason
	Attempts []Attempt
}

func (e *ConnectError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connect %s: %s", e.Peer, e.Reason)
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %v", a.Addr, a.Err)
	}
	return b.String()
}

// Unwrap returns the error of the last attempt, if any.
func (e *ConnectError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// IsTimeout reports whether err is a ConnectError caused by the deadline.
func IsTimeout(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Reason == ReasonTimeout
}
