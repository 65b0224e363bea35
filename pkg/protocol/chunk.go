package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ChunkEnvelopeSize is the size of the total-length prefix that frames
	// a chunked payload on a link
	ChunkEnvelopeSize = 4

	// MaxPayloadSize bounds the reassembly buffer for a single payload
	MaxPayloadSize = 1 << 20
)

var (
	ErrChunkSizeTooSmall = errors.New("chunk size too small")
	ErrPayloadTooLarge   = errors.New("payload exceeds maximum size")
)

// SplitChunks frames a payload with a big-endian total-length prefix and
// splits the result into chunks of at most chunkSize bytes. Chunks must be
// written to the link in order; the receiver feeds them to a Reassembler.
func SplitChunks(payload []byte, chunkSize int) ([][]byte, error) {
	if chunkSize <= ChunkEnvelopeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkSizeTooSmall, chunkSize)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	framed := make([]byte, ChunkEnvelopeSize+len(payload))
	binary.BigEndian.PutUint32(framed[0:ChunkEnvelopeSize], uint32(len(payload)))
	copy(framed[ChunkEnvelopeSize:], payload)

	var chunks [][]byte
	for len(framed) > 0 {
		n := len(framed)
		if n > chunkSize {
			n = chunkSize
		}
		chunks = append(chunks, framed[:n])
		framed = framed[n:]
	}
	return chunks, nil
}

// Reassembler reconstructs payloads from the in-order chunk stream of a
// single link. Sends on one link are serialized, so envelopes never
// interleave; back-to-back payloads in one chunk are handled.
type Reassembler struct {
	buf []byte
}

// Push appends a received chunk and returns any payloads completed by it
func (r *Reassembler) Push(chunk []byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	var payloads [][]byte
	for len(r.buf) >= ChunkEnvelopeSize {
		total := int(binary.BigEndian.Uint32(r.buf[0:ChunkEnvelopeSize]))
		if total > MaxPayloadSize {
			r.buf = nil
			return payloads, fmt.Errorf("%w: declared %d bytes", ErrPayloadTooLarge, total)
		}
		if len(r.buf) < ChunkEnvelopeSize+total {
			break
		}

		payload := make([]byte, total)
		copy(payload, r.buf[ChunkEnvelopeSize:ChunkEnvelopeSize+total])
		payloads = append(payloads, payload)

		r.buf = r.buf[ChunkEnvelopeSize+total:]
	}

	if len(r.buf) == 0 {
		r.buf = nil
	}
	return payloads, nil
}

// Pending returns the number of buffered bytes awaiting completion
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards any partially reassembled payload
func (r *Reassembler) Reset() {
	r.buf = nil
}
