package file

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSessionNotFound indicates no session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicate indicates a transfer of the same file with the same peer
	// is already running.
	ErrDuplicate = errors.New("duplicate transfer")
	// ErrTargetExists indicates the download target already exists.
	ErrTargetExists = errors.New("target file already exists")
	// ErrNotNegotiating indicates an accept or reject for a session that is
	// not awaiting a decision.
	ErrNotNegotiating = errors.New("session is not awaiting a decision")
	// ErrManagerClosed indicates the session manager has been shut down.
	ErrManagerClosed = errors.New("session manager closed")
	// ErrEmptyDir indicates a directory send with no regular files.
	ErrEmptyDir = errors.New("directory has no files to send")
)

// Direction indicates whether a session sends or receives.
type Direction uint8

const (
	// DirectionOutgoing represents a file being sent.
	DirectionOutgoing Direction = iota
	// DirectionIncoming represents a file being received.
	DirectionIncoming
)

func (d Direction) String() string {
	if d == DirectionIncoming {
		return "incoming"
	}
	return "outgoing"
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	switch string(text) {
	case "outgoing":
		*d = DirectionOutgoing
	case "incoming":
		*d = DirectionIncoming
	default:
		return fmt.Errorf("unknown direction %q", text)
	}
	return nil
}

// State is the lifecycle state of a transfer session.
type State uint8

const (
	// StateInitiating indicates the sender is indexing and connecting.
	StateInitiating State = iota
	// StateNegotiating indicates the offer awaits a decision.
	StateNegotiating
	// StateTransferring indicates chunks are flowing.
	StateTransferring
	// StateResuming indicates the connection was lost and is being restored.
	StateResuming
	// StateCompleted indicates every chunk was confirmed and the file hash matched.
	StateCompleted
	// StateCancelled indicates the local caller cancelled or rejected.
	StateCancelled
	// StateFailed indicates the session ended with a Reason.
	StateFailed
)

var stateNames = [...]string{"initiating", "negotiating", "transferring", "resuming", "completed", "cancelled", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	i, err := lookupName(stateNames[:], text)
	if err != nil {
		return fmt.Errorf("unknown state %q", text)
	}
	*s = State(i)
	return nil
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Reason explains a failed session.
type Reason uint8

const (
	// ReasonNone is the zero value for sessions that have not failed.
	ReasonNone Reason = iota
	// ReasonUnreachable means the peer could not be connected or reconnected.
	ReasonUnreachable
	// ReasonRejected means the receiver declined the offer.
	ReasonRejected
	// ReasonIntegrityMismatch means a chunk kept failing verification or the
	// whole-file hash did not match.
	ReasonIntegrityMismatch
	// ReasonTimeout means negotiation, completion or resumption took too long.
	ReasonTimeout
	// ReasonCancelledByPeer means the other side cancelled.
	ReasonCancelledByPeer
	// ReasonLocalIO means a local disk operation failed.
	ReasonLocalIO
)

var reasonNames = [...]string{"", "unreachable", "rejected", "integrity mismatch", "timeout", "cancelled by peer", "local I/O"}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(text []byte) error {
	i, err := lookupName(reasonNames[:], text)
	if err != nil {
		return fmt.Errorf("unknown reason %q", text)
	}
	*r = Reason(i)
	return nil
}

func lookupName(names []string, text []byte) (int, error) {
	for i, name := range names {
		if name == string(text) {
			return i, nil
		}
	}
	return 0, errors.New("not found")
}

// SessionError is the terminal error of a failed session.
type SessionError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *SessionError) Error() string {
	msg := e.Reason.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func failure(reason Reason, detail string, err error) *SessionError {
	return &SessionError{Reason: reason, Detail: detail, Err: err}
}

// ReasonOf returns the Reason carried by err, or ReasonNone.
func ReasonOf(err error) Reason {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonNone
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// speedMeter tracks throughput as an exponential moving average.
type speedMeter struct {
	tp    TimeProvider
	last  time.Time
	speed float64 // bytes per second
}

func newSpeedMeter(tp TimeProvider) speedMeter {
	return speedMeter{tp: tp, last: tp.Now()}
}

func (m *speedMeter) add(n uint64) {
	now := m.tp.Now()
	duration := m.tp.Since(m.last).Seconds()
	if duration > 0 {
		instant := float64(n) / duration
		// Exponential moving average with alpha = 0.3
		if m.speed == 0 {
			m.speed = instant
		} else {
			m.speed = 0.7*m.speed + 0.3*instant
		}
	}
	m.last = now
}

// reset restarts the measurement window, e.g. after a reconnect.
func (m *speedMeter) reset() {
	m.last = m.tp.Now()
	m.speed = 0
}
