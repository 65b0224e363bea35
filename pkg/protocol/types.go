package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Protocol constants
const (
	// Fixed portion of the wire format, before the variable-length fields
	HeaderSize = 59

	// Default hop budget for new messages
	DefaultTTL = 5

	// Messages older than this are considered expired and are neither
	// forwarded nor tracked for deduplication
	MessageExpiry = 24 * time.Hour

	// Variable-length field limits imposed by the wire format
	MaxSenderNameLength = 255   // 1-byte length prefix
	MaxContentLength    = 65535 // 2-byte length prefix
)

// MessageType identifies the kind of mesh message
type MessageType uint16

const (
	MessageTypeText MessageType = iota
	MessageTypeDiscovery
	MessageTypeAck
	MessageTypeRouteRequest
	MessageTypeRouteReply

	messageTypeCount // sentinel, keep last
)

// String returns a human-readable message type name
func (t MessageType) String() string {
	switch t {
	case MessageTypeText:
		return "text"
	case MessageTypeDiscovery:
		return "discovery"
	case MessageTypeAck:
		return "ack"
	case MessageTypeRouteRequest:
		return "routeRequest"
	case MessageTypeRouteReply:
		return "routeReply"
	default:
		return "unknown"
	}
}

// Valid reports whether the type is a known wire value
func (t MessageType) Valid() bool {
	return t < messageTypeCount
}

// DeliveryStatus represents the receiver-local delivery state of a message.
// It is never placed on the wire.
type DeliveryStatus uint8

const (
	StatusPending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusFailed
)

// String returns a human-readable status name
func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// BroadcastID is the all-zero recipient id that addresses every device
var BroadcastID = uuid.Nil

// GenerateMessageID generates a random message id
func GenerateMessageID() uuid.UUID {
	return uuid.New()
}
