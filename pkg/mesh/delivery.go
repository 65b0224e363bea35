package mesh

import (
	"sync"

	"github.com/google/uuid"

	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
)

// DeliveryTracker records the delivery state of locally originated messages.
// Transitions are monotonic: pending may advance to sent, sent to delivered
// or failed, and terminal states never regress. A late ack arriving after a
// failure mark is dropped.
type DeliveryTracker struct {
	mu       sync.RWMutex
	statuses map[uuid.UUID]protocol.DeliveryStatus

	onChange func(id uuid.UUID, status protocol.DeliveryStatus)
}

// NewDeliveryTracker creates an empty tracker
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		statuses: make(map[uuid.UUID]protocol.DeliveryStatus),
	}
}

// SetChangeHandler registers the observer for status transitions
func (d *DeliveryTracker) SetChangeHandler(h func(id uuid.UUID, status protocol.DeliveryStatus)) {
	d.onChange = h
}

// Track registers a message as pending
func (d *DeliveryTracker) Track(id uuid.UUID) {
	d.advance(id, protocol.StatusPending)
}

// MarkSent records that the message left the local device
func (d *DeliveryTracker) MarkSent(id uuid.UUID) {
	d.advance(id, protocol.StatusSent)
}

// MarkDelivered records an acknowledgment from the recipient
func (d *DeliveryTracker) MarkDelivered(id uuid.UUID) {
	d.advance(id, protocol.StatusDelivered)
}

// MarkFailed records that no link could carry the message
func (d *DeliveryTracker) MarkFailed(id uuid.UUID) {
	d.advance(id, protocol.StatusFailed)
}

// Status returns the tracked status of a message
func (d *DeliveryTracker) Status(id uuid.UUID) (protocol.DeliveryStatus, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status, ok := d.statuses[id]
	return status, ok
}

// Count returns the number of tracked messages
func (d *DeliveryTracker) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.statuses)
}

func (d *DeliveryTracker) advance(id uuid.UUID, next protocol.DeliveryStatus) {
	d.mu.Lock()
	current, tracked := d.statuses[id]
	if tracked && !allowedTransition(current, next) {
		d.mu.Unlock()
		return
	}
	d.statuses[id] = next
	d.mu.Unlock()

	if d.onChange != nil {
		d.onChange(id, next)
	}
}

func allowedTransition(from, to protocol.DeliveryStatus) bool {
	switch from {
	case protocol.StatusPending:
		return to == protocol.StatusSent || to == protocol.StatusDelivered || to == protocol.StatusFailed
	case protocol.StatusSent:
		return to == protocol.StatusDelivered || to == protocol.StatusFailed
	default:
		// delivered and failed are terminal
		return false
	}
}
