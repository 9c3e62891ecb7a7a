// Package protocol implements the BLDS wire protocol: length-prefixed
// framing (spec.md §4.1) plus the per-message-type payload shapes of
// spec.md §6.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single payload to guard against a runaway size
// prefix wedging the reader against an unbounded allocation.
const MaxFrameSize = 256 << 20 // 256 MiB

// ErrFrameTooLarge is returned when a declared frame size exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ReadFrame reads one length-prefixed payload from r: a little-endian
// uint32 byte count (excluding itself) followed by that many payload bytes.
// It blocks until the full frame is available, exactly per spec.md §4.1's
// parser contract.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload as a length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(payload)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return fmt.Errorf("protocol: write size prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// splitTypeToken splits a payload into its ASCII type token (without the
// trailing newline) and the type-specific body that follows the newline.
func splitTypeToken(payload []byte) (token string, body []byte, err error) {
	for i, b := range payload {
		if b == '\n' {
			return string(payload[:i]), payload[i+1:], nil
		}
	}
	return "", nil, errors.New("protocol: missing type token newline")
}
