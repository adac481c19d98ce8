// Package limits provides centralized size limits for the peerdrop wire
// protocol. This ensures consistent validation across the transport, the
// chunk store and the session layer.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxChunkSize is the largest chunk size a transfer may negotiate (4 MiB).
	MaxChunkSize = 4 * 1024 * 1024

	// MinChunkSize is the smallest chunk size a transfer may negotiate (4 KiB).
	MinChunkSize = 4 * 1024

	// FrameOverhead is the space reserved in a frame for the packet header
	// and the chunk header (index, digest) that precede the chunk payload.
	FrameOverhead = 1024

	// MaxFrameSize is the largest length-prefixed frame accepted on a
	// connection. It bounds the memory a single peer can make us allocate.
	MaxFrameSize = MaxChunkSize + FrameOverhead

	// MaxFileNameLength is the maximum file name length in bytes. It
	// matches common filesystem limits and fits in a uint16.
	MaxFileNameLength = 255

	// MaxPathLength bounds a relative path offered for a directory send.
	MaxPathLength = 1024

	// MaxChunkCount bounds the number of chunks in one transfer so that the
	// confirmed-chunk bitset stays small enough to fit a single frame.
	MaxChunkCount = 8 * (MaxChunkSize - 8)

	// MaxTicketLength bounds the accepted length of a ticket string.
	MaxTicketLength = 4096
)

var (
	// ErrEmpty indicates an empty value was provided.
	ErrEmpty = errors.New("empty value")

	// ErrTooLarge indicates a value exceeds its maximum size.
	ErrTooLarge = errors.New("value too large")

	// ErrTooSmall indicates a value is below its minimum size.
	ErrTooSmall = errors.New("value too small")
)

// ValidateFrameSize validates the length announced by a frame header.
func ValidateFrameSize(n uint32) error {
	if n == 0 {
		return ErrEmpty
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame size %d exceeds limit %d", ErrTooLarge, n, MaxFrameSize)
	}
	return nil
}

// ValidateChunkSize validates a negotiated chunk size.
func ValidateChunkSize(n uint32) error {
	if n < MinChunkSize {
		return fmt.Errorf("%w: chunk size %d below minimum %d", ErrTooSmall, n, MinChunkSize)
	}
	if n > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d exceeds limit %d", ErrTooLarge, n, MaxChunkSize)
	}
	return nil
}

// ValidateFileName validates the length of a proposed file name.
func ValidateFileName(name string) error {
	if len(name) == 0 {
		return ErrEmpty
	}
	if len(name) > MaxFileNameLength {
		return fmt.Errorf("%w: file name length %d exceeds limit %d", ErrTooLarge, len(name), MaxFileNameLength)
	}
	return nil
}

// ValidateChunkCount validates the number of chunks in a transfer.
func ValidateChunkCount(n uint32) error {
	if n > MaxChunkCount {
		return fmt.Errorf("%w: chunk count %d exceeds limit %d", ErrTooLarge, n, MaxChunkCount)
	}
	return nil
}
