package base

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// frameHeaderSize is 8 bytes request id + 4 bytes payload length
const frameHeaderSize = 12

// ErrFrameTooLarge is returned by readFrame for frames above the size limit.
// The stream can not be resynchronized afterwards, the connection must be closed.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// writeFrame writes a frame with the format:
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(w io.Writer, requestID uint64, data []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(w)
	return err
}

// readFrame reads a frame from r using the provided buffer.
// If the buffer is too small, it allocates a new one for the data.
// maxSize of 0 disables the size check.
func readFrame(r io.Reader, buf []byte, maxSize uint32) (uint64, []byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	requestID := binary.BigEndian.Uint64(header[:8])
	contentLength := binary.BigEndian.Uint32(header[8:12])

	if maxSize > 0 && contentLength > maxSize {
		return requestID, nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, contentLength, maxSize)
	}

	// If no data, return empty slice
	if contentLength == 0 {
		return requestID, []byte{}, nil
	}

	if len(buf) < int(contentLength) {
		buf = make([]byte, contentLength)
	}

	// a short read here means the peer died mid frame
	if _, err := io.ReadFull(r, buf[:contentLength]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	return requestID, buf[:contentLength], nil
}
