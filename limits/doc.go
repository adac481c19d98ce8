// Package limits provides centralized size constants and validation functions
// for the peerdrop protocol.
//
// # Size Hierarchy
//
//   - MinChunkSize / MaxChunkSize: the range of chunk sizes a sender may
//     propose. The default transfer chunk size (256 KiB) lives in the chunk
//     package and configuration.
//
//   - MaxFrameSize: the largest length-prefixed frame read from a connection,
//     one maximum chunk plus FrameOverhead for headers.
//
//   - MaxFileNameLength: longest accepted proposed file name.
//
//   - MaxChunkCount: largest chunk count, chosen so a confirmed-chunk bitset
//     always fits one frame.
//
// # Validation Functions
//
// Each validation function wraps ErrEmpty, ErrTooSmall or ErrTooLarge with the
// actual and maximum values:
//
//	if err := limits.ValidateFrameSize(n); err != nil {
//	    if errors.Is(err, limits.ErrTooLarge) {
//	        // drop the connection
//	    }
//	}
package limits
