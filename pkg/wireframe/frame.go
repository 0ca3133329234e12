// Package wireframe implements the length-prefixed framing scheme shared
// by the replication layer and the networked-KV backend: a 4-byte
// big-endian payload length followed by a JSON-encoded body. Binary
// fields inside the body ride JSON's native base64 encoding for []byte.
package wireframe

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame to guard against a corrupt or hostile
// length prefix causing an unbounded allocation.
const MaxFrameBytes = 64 << 20 // 64 MiB

// Write encodes v as JSON and writes it to w as one length-prefixed frame.
func Write(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wireframe: marshal: %w", err)
	}
	return WriteRaw(w, body)
}

// WriteRaw writes an already-encoded body to w as one length-prefixed
// frame, for callers that marshal themselves (e.g. to count bytes sent).
func WriteRaw(w io.Writer, body []byte) error {
	if len(body) > MaxFrameBytes {
		return fmt.Errorf("wireframe: frame of %d bytes exceeds max %d", len(body), MaxFrameBytes)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wireframe: write length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wireframe: write body: %w", err)
	}
	return nil
}

// Read reads one length-prefixed frame from r and decodes it into v.
func Read(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err // preserve io.EOF for callers detecting a clean close
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameBytes {
		return fmt.Errorf("wireframe: frame of %d bytes exceeds max %d", n, MaxFrameBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("wireframe: read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wireframe: unmarshal: %w", err)
	}
	return nil
}

// NewBufferedReader wraps r for repeated frame reads without re-allocating
// a read buffer per call.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 32*1024)
}
