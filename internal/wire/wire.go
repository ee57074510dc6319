// Package wire implements the framing layer of the filed protocol: each
// logical message is a 4-byte big-endian length prefix followed by a single
// JSON document. The length prefix lets receivers reassemble messages across
// partial reads and coalesced segments.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessageBytes bounds incoming and outgoing frames when the caller
// does not configure a limit.
const DefaultMaxMessageBytes = 16 << 20

const lengthPrefixSize = 4

// ErrMessageTooLarge is returned when a frame exceeds the configured limit.
// It poisons the stream: the receiver cannot resynchronise past an oversized
// frame, so callers should close the connection.
var ErrMessageTooLarge = errors.New("wire: message exceeds size limit")

// Codec reads and writes length-prefixed JSON frames over a stream. Reads
// must come from a single goroutine; writes are serialized internally so the
// connection worker and the notification writer can share one codec.
type Codec struct {
	r   *bufio.Reader
	max int64

	wmu sync.Mutex
	w   io.Writer
}

// NewCodec wraps rw. maxBytes <= 0 selects DefaultMaxMessageBytes.
func NewCodec(rw io.ReadWriter, maxBytes int64) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	return &Codec{
		r:   bufio.NewReader(rw),
		w:   rw,
		max: maxBytes,
	}
}

// ReadFrame returns the raw JSON document of the next frame. Stream-level
// failures (EOF, reset) are returned as-is and terminate the connection;
// deciding whether the bytes decode is the caller's concern.
func (c *Codec) ReadFrame() ([]byte, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if int64(n) > c.max {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// WriteJSON marshals v and writes it as a single frame. Safe for concurrent
// use.
func (c *Codec) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal message: %w", err)
	}
	if int64(len(data)) > c.max {
		return ErrMessageTooLarge
	}
	frame := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[lengthPrefixSize:], data)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
