package registry

import (
	"time"

	"github.com/google/uuid"
)

// DeviceNode represents a discovered peer device. Values are immutable:
// updates go through the With* builders so callers holding snapshots never
// observe mutation.
type DeviceNode struct {
	ID        uuid.UUID
	Name      string
	Address   string // link-layer address, opaque to the engine
	RSSI      int    // last signal-strength sample, dBm
	LastSeen  time.Time
	Connected bool
	HopCount  int // 0 = direct radio neighbor
}

// WithSighting returns a copy updated with a fresh discovery sample
func (d DeviceNode) WithSighting(rssi int, at time.Time) DeviceNode {
	d.RSSI = rssi
	d.LastSeen = at
	return d
}

// WithName returns a copy with the given display name
func (d DeviceNode) WithName(name string) DeviceNode {
	d.Name = name
	return d
}

// WithConnected returns a copy with the given connection flag
func (d DeviceNode) WithConnected(connected bool) DeviceNode {
	d.Connected = connected
	return d
}

// WithHopCount returns a copy with the given hop distance
func (d DeviceNode) WithHopCount(hops int) DeviceNode {
	d.HopCount = hops
	return d
}

// StaleAfter reports whether the device has been silent longer than the
// given threshold at the given instant
func (d DeviceNode) StaleAfter(threshold time.Duration, now time.Time) bool {
	return now.Sub(d.LastSeen) > threshold
}
