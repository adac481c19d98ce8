package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/peerdrop/limits"
)

// writeFrame writes data with a 4-byte big-endian length prefix in a single
// Write so the frame is never interleaved with another writer's frame.
func writeFrame(w io.Writer, data []byte) error {
	if err := limits.ValidateFrameSize(uint32(len(data))); err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one length-prefixed frame. Short reads are completed with
// io.ReadFull; a length above the frame limit is a protocol error.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameSize(length); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
