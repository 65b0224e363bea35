package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MeshMessage represents a single mesh chat message. Values are treated as
// immutable: relay updates go through the With* builders, which return
// modified copies, so registry readers holding snapshots never observe
// in-place mutation.
type MeshMessage struct {
	ID          uuid.UUID
	Type        MessageType
	TTL         uint8
	Sequence    uint8 // low byte only on the wire, wraps at 256
	SenderID    uuid.UUID
	SenderName  string
	RecipientID uuid.UUID // BroadcastID addresses every device
	Timestamp   time.Time
	Content     string
	RoutePath   []uuid.UUID // device ids already traversed, sender first

	// Status is receiver-local and excluded from the wire form
	Status DeliveryStatus
}

// DedupKey identifies a logical message instance across all relayed copies.
// The message id is deliberately not part of the key: forwarded copies keep
// their original id.
type DedupKey struct {
	SenderID uuid.UUID
	Sequence uint8
}

// NewTextMessage creates a text message originated by the local device.
// Recipient BroadcastID makes it a broadcast.
func NewTextMessage(sender uuid.UUID, senderName string, recipient uuid.UUID, content string) MeshMessage {
	return MeshMessage{
		ID:          GenerateMessageID(),
		Type:        MessageTypeText,
		TTL:         DefaultTTL,
		SenderID:    sender,
		SenderName:  senderName,
		RecipientID: recipient,
		Timestamp:   time.Now().Truncate(time.Second),
		Content:     content,
		RoutePath:   []uuid.UUID{sender},
		Status:      StatusPending,
	}
}

// NewDiscoveryMessage creates a discovery announcement for the local device
func NewDiscoveryMessage(sender uuid.UUID, senderName string) MeshMessage {
	m := NewTextMessage(sender, senderName, BroadcastID, "")
	m.Type = MessageTypeDiscovery
	return m
}

// NewAckMessage creates an acknowledgment for a received message. The
// acknowledged message id travels in the content field.
func NewAckMessage(sender uuid.UUID, senderName string, recipient uuid.UUID, acked uuid.UUID) MeshMessage {
	m := NewTextMessage(sender, senderName, recipient, acked.String())
	m.Type = MessageTypeAck
	return m
}

// AckedMessageID returns the message id an ack refers to
func (m MeshMessage) AckedMessageID() (uuid.UUID, error) {
	return uuid.Parse(m.Content)
}

// Key returns the deduplication key for this message
func (m MeshMessage) Key() DedupKey {
	return DedupKey{SenderID: m.SenderID, Sequence: m.Sequence}
}

// IsBroadcast reports whether the message addresses every device
func (m MeshMessage) IsBroadcast() bool {
	return m.RecipientID == BroadcastID
}

// HopCount returns the number of relays the message has traversed
func (m MeshMessage) HopCount() int {
	if len(m.RoutePath) == 0 {
		return 0
	}
	return len(m.RoutePath) - 1
}

// HasTraversed reports whether the given device id already appears in the
// route path. A repeated id signals a routing loop.
func (m MeshMessage) HasTraversed(id uuid.UUID) bool {
	for _, hop := range m.RoutePath {
		if hop == id {
			return true
		}
	}
	return false
}

// Expired reports whether the message creation time is beyond the expiry
// horizon at the given instant
func (m MeshMessage) Expired(now time.Time) bool {
	return now.Sub(m.Timestamp) > MessageExpiry
}

// WithTTL returns a copy with the given hop budget
func (m MeshMessage) WithTTL(ttl uint8) MeshMessage {
	m.RoutePath = clonePath(m.RoutePath)
	m.TTL = ttl
	return m
}

// WithSequence returns a copy with the given sequence number
func (m MeshMessage) WithSequence(seq uint8) MeshMessage {
	m.RoutePath = clonePath(m.RoutePath)
	m.Sequence = seq
	return m
}

// WithStatus returns a copy with the given delivery status
func (m MeshMessage) WithStatus(status DeliveryStatus) MeshMessage {
	m.RoutePath = clonePath(m.RoutePath)
	m.Status = status
	return m
}

// WithHop returns a copy with the given device id appended to the route path
func (m MeshMessage) WithHop(id uuid.UUID) MeshMessage {
	path := make([]uuid.UUID, 0, len(m.RoutePath)+1)
	path = append(path, m.RoutePath...)
	path = append(path, id)
	m.RoutePath = path
	return m
}

func clonePath(path []uuid.UUID) []uuid.UUID {
	if path == nil {
		return nil
	}
	out := make([]uuid.UUID, len(path))
	copy(out, path)
	return out
}
