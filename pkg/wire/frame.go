// Package wire defines the on-disk and in-memory framing used to
// record a Session's byte stream: a length-prefixed chunk format
// carrying a nanosecond timestamp and a direction tag.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Direction tags a captured chunk with which side of the pipe it came from.
type Direction uint8

const (
	// DirIn is bytes received from the attacker.
	DirIn Direction = 1
	// DirOut is bytes sent to the attacker.
	DirOut Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	default:
		return fmt.Sprintf("dir(%d)", uint8(d))
	}
}

// maxChunkLen rejects absurd frame sizes before allocating a buffer for them.
const maxChunkLen = 16 * 1024 * 1024

// Chunk is one captured slice of traffic in a single direction, timestamped
// at the moment it was observed by the byte pump.
type Chunk struct {
	TimestampNS int64
	Dir         Direction
	Data        []byte
}

// WriteChunk serializes a Chunk to w using the transcript wire format:
// [8]byte timestamp-ns (BE) | [1]byte direction | [4]byte length (BE) | payload.
func WriteChunk(w io.Writer, c Chunk) error {
	if len(c.Data) > maxChunkLen {
		return fmt.Errorf("wire: chunk of %d bytes exceeds max %d", len(c.Data), maxChunkLen)
	}

	var header [13]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(c.TimestampNS))
	header[8] = byte(c.Dir)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(c.Data)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write chunk header: %w", err)
	}
	if len(c.Data) > 0 {
		if _, err := w.Write(c.Data); err != nil {
			return fmt.Errorf("wire: write chunk payload: %w", err)
		}
	}
	return nil
}

// ReadChunk deserializes a single Chunk from r. Returns io.EOF (unwrapped)
// when r is exhausted at a chunk boundary.
func ReadChunk(r io.Reader) (Chunk, error) {
	var header [13]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Chunk{}, fmt.Errorf("wire: truncated chunk header: %w", err)
		}
		return Chunk{}, err
	}

	length := binary.BigEndian.Uint32(header[9:13])
	if length > maxChunkLen {
		return Chunk{}, fmt.Errorf("wire: chunk of %d bytes exceeds max %d", length, maxChunkLen)
	}

	c := Chunk{
		TimestampNS: int64(binary.BigEndian.Uint64(header[0:8])),
		Dir:         Direction(header[8]),
	}
	if length > 0 {
		c.Data = make([]byte, length)
		if _, err := io.ReadFull(r, c.Data); err != nil {
			return Chunk{}, fmt.Errorf("wire: read chunk payload: %w", err)
		}
	}
	return c, nil
}

// Decode reads every chunk in r and returns the two reconstructed byte
// streams (in, out), in per-direction FIFO order. Used both by tests
// (round-trip verification) and by any offline transcript viewer.
func Decode(r io.Reader) (in, out []byte, err error) {
	for {
		c, err := ReadChunk(r)
		if err == io.EOF {
			return in, out, nil
		}
		if err != nil {
			return in, out, err
		}
		switch c.Dir {
		case DirIn:
			in = append(in, c.Data...)
		case DirOut:
			out = append(out, c.Data...)
		default:
			return in, out, fmt.Errorf("wire: unknown direction %d", c.Dir)
		}
	}
}
