package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTruncatedInput     = errors.New("truncated input")
	ErrInvalidEnumValue   = errors.New("invalid enum value")
	ErrFieldTooLong       = errors.New("field exceeds wire format limit")
	ErrMalformedRoutePath = errors.New("malformed route path")
)

// Encode encodes a message to its binary wire form. Multi-byte integers are
// big-endian. The delivery status is never encoded. Layout:
//
//	offset  size  field
//	0       16    message id (raw UUID bytes)
//	16      2     message type
//	18      1     ttl
//	19      1     sequence number (low byte only)
//	20      16    sender id
//	36      16    recipient id (all-zero = broadcast)
//	52      4     timestamp, Unix seconds
//	56      2     content byte length
//	58      1     sender-name byte length
//	59      var   sender name (UTF-8)
//	+N      var   content (UTF-8)
//	+M      rest  route path, comma-joined device ids, consumes remainder
func Encode(m MeshMessage) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: message type %d", ErrInvalidEnumValue, m.Type)
	}

	name := []byte(m.SenderName)
	if len(name) > MaxSenderNameLength {
		return nil, fmt.Errorf("%w: sender name %d bytes", ErrFieldTooLong, len(name))
	}

	content := []byte(m.Content)
	if len(content) > MaxContentLength {
		return nil, fmt.Errorf("%w: content %d bytes", ErrFieldTooLong, len(content))
	}

	path := []byte(encodeRoutePath(m.RoutePath))

	buf := make([]byte, HeaderSize+len(name)+len(content)+len(path))

	copy(buf[0:16], m.ID[:])
	binary.BigEndian.PutUint16(buf[16:18], uint16(m.Type))
	buf[18] = m.TTL
	buf[19] = m.Sequence
	copy(buf[20:36], m.SenderID[:])
	copy(buf[36:52], m.RecipientID[:])
	binary.BigEndian.PutUint32(buf[52:56], uint32(m.Timestamp.Unix()))
	binary.BigEndian.PutUint16(buf[56:58], uint16(len(content)))
	buf[58] = uint8(len(name))

	offset := HeaderSize
	copy(buf[offset:], name)
	offset += len(name)
	copy(buf[offset:], content)
	offset += len(content)
	copy(buf[offset:], path)

	return buf, nil
}

// Decode decodes a message from its binary wire form. The delivery status is
// not on the wire and always resets to pending.
func Decode(buf []byte) (MeshMessage, error) {
	var m MeshMessage

	if len(buf) < HeaderSize {
		return m, fmt.Errorf("%w: %d bytes, want at least %d", ErrTruncatedInput, len(buf), HeaderSize)
	}

	copy(m.ID[:], buf[0:16])

	m.Type = MessageType(binary.BigEndian.Uint16(buf[16:18]))
	if !m.Type.Valid() {
		return MeshMessage{}, fmt.Errorf("%w: message type %d", ErrInvalidEnumValue, m.Type)
	}

	m.TTL = buf[18]
	m.Sequence = buf[19]
	copy(m.SenderID[:], buf[20:36])
	copy(m.RecipientID[:], buf[36:52])
	m.Timestamp = time.Unix(int64(binary.BigEndian.Uint32(buf[52:56])), 0)

	contentLen := int(binary.BigEndian.Uint16(buf[56:58]))
	nameLen := int(buf[58])

	offset := HeaderSize
	if len(buf) < offset+nameLen+contentLen {
		return MeshMessage{}, fmt.Errorf("%w: declared %d name + %d content bytes, %d remain",
			ErrTruncatedInput, nameLen, contentLen, len(buf)-offset)
	}

	m.SenderName = string(buf[offset : offset+nameLen])
	offset += nameLen

	m.Content = string(buf[offset : offset+contentLen])
	offset += contentLen

	// Route path has no length prefix and consumes the remainder of the
	// buffer. Chunk reassembly relies on this.
	path, err := decodeRoutePath(string(buf[offset:]))
	if err != nil {
		return MeshMessage{}, err
	}
	m.RoutePath = path

	m.Status = StatusPending
	return m, nil
}

func encodeRoutePath(path []uuid.UUID) string {
	if len(path) == 0 {
		return ""
	}
	ids := make([]string, len(path))
	for i, id := range path {
		ids[i] = id.String()
	}
	return strings.Join(ids, ",")
}

func decodeRoutePath(s string) ([]uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	path := make([]uuid.UUID, len(parts))
	for i, part := range parts {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedRoutePath, part)
		}
		path[i] = id
	}
	return path, nil
}
