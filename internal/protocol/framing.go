// Package protocol implements the wire framing and typed message taxonomy
// shared by every connection: a 4-byte big-endian length prefix followed by
// UTF-8 JSON, with a zero-length frame reserved for the liveness pulse.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

const (
	// MessageSizeUnversionedLimit bounds inbound frames before the peer has
	// completed the version handshake.
	MessageSizeUnversionedLimit = 201
	// MessageSizeLimit bounds inbound frames once the connection is versioned.
	MessageSizeLimit = 524288
	// MessageSizeWarnThreshold logs a warning for any inbound frame at or
	// above this size, even though it is still accepted.
	MessageSizeWarnThreshold = 65537
)

// ErrFrameTooLarge is returned by ReadFrame when a frame exceeds the limit
// in effect for the connection's current handshake state.
type ErrFrameTooLarge struct {
	Length int
	Limit  int
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds limit %d", e.Length, e.Limit)
}

// ReadFrame reads one length-prefixed frame from r. A zero-length frame (a
// pulse) returns (nil, true, nil). limit is the size ceiling currently in
// effect (MessageSizeUnversionedLimit pre-handshake, MessageSizeLimit after).
func ReadFrame(r io.Reader, limit int) (payload []byte, isPulse bool, err error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false, fmt.Errorf("protocol: reading frame header: %w", err)
	}

	length := int(binary.BigEndian.Uint32(header[:]))
	if length == 0 {
		return nil, true, nil
	}
	if length >= limit {
		return nil, false, &ErrFrameTooLarge{Length: length, Limit: limit}
	}
	if length >= MessageSizeWarnThreshold {
		slog.Warn("protocol: large inbound frame", "length", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, false, fmt.Errorf("protocol: reading frame payload: %w", err)
	}
	return buf, false, nil
}

// WriteFrame writes payload as one length-prefixed frame. A nil/empty
// payload writes the four-zero-byte pulse frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("protocol: writing frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: writing frame payload: %w", err)
	}
	return nil
}

// WritePulse writes the four-zero-byte liveness heartbeat frame.
func WritePulse(w io.Writer) error {
	return WriteFrame(w, nil)
}
