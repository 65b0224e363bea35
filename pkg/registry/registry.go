package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeviceRegistry tracks every device ever discovered, independent of
// connection state. All access is serialized through the registry mutex;
// callers receive value snapshots, never shared references.
//
// The registry is the only writer of the Connected flag, driven by
// connection-manager events.
type DeviceRegistry struct {
	devices map[uuid.UUID]DeviceNode
	mu      sync.RWMutex

	staleThreshold time.Duration
	now            func() time.Time
}

// NewDeviceRegistry creates a registry with the given stale threshold
func NewDeviceRegistry(staleThreshold time.Duration) *DeviceRegistry {
	return &DeviceRegistry{
		devices:        make(map[uuid.UUID]DeviceNode),
		staleThreshold: staleThreshold,
		now:            time.Now,
	}
}

// Upsert records a discovery sighting. The first sighting creates the node;
// later ones update signal strength and last-seen in place. One node per id,
// always.
func (r *DeviceRegistry) Upsert(id uuid.UUID, name, address string, rssi int) DeviceNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.devices[id]
	if !exists {
		node = DeviceNode{ID: id, Name: name, Address: address}
	}

	node = node.WithSighting(rssi, r.now())
	if name != "" {
		node = node.WithName(name)
	}
	if address != "" {
		node.Address = address
	}

	r.devices[id] = node
	return node
}

// Get returns a snapshot of a device by id
func (r *DeviceRegistry) Get(id uuid.UUID) (DeviceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.devices[id]
	return node, ok
}

// SetConnected flips the connection flag for a device. Unknown ids are
// ignored: connection events can race a discovery that never happened after
// a registry reset.
func (r *DeviceRegistry) SetConnected(id uuid.UUID, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.devices[id]; ok {
		node = node.WithConnected(connected)
		if connected {
			node = node.WithSighting(node.RSSI, r.now())
		}
		r.devices[id] = node
	}
}

// Observe records indirect evidence of a device (a relayed message) without
// touching its signal sample: creates the node if needed, refreshes name and
// last-seen
func (r *DeviceRegistry) Observe(id uuid.UUID, name string) DeviceNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, exists := r.devices[id]
	if !exists {
		node = DeviceNode{ID: id}
	}

	node.LastSeen = r.now()
	if name != "" {
		node = node.WithName(name)
	}

	r.devices[id] = node
	return node
}

// SetHopCount records the hop distance learned from a relayed message
func (r *DeviceRegistry) SetHopCount(id uuid.UUID, hops int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node, ok := r.devices[id]; ok {
		r.devices[id] = node.WithHopCount(hops)
	}
}

// Snapshot returns all known devices ordered by most recently seen
func (r *DeviceRegistry) Snapshot() []DeviceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]DeviceNode, 0, len(r.devices))
	for _, node := range r.devices {
		nodes = append(nodes, node)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].LastSeen.After(nodes[j].LastSeen)
	})
	return nodes
}

// Connected returns snapshots of all currently connected devices
func (r *DeviceRegistry) Connected() []DeviceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]DeviceNode, 0)
	for _, node := range r.devices {
		if node.Connected {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Stale returns devices silent beyond the stale threshold. Stale devices
// are reported, never deleted.
func (r *DeviceRegistry) Stale() []DeviceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	nodes := make([]DeviceNode, 0)
	for _, node := range r.devices {
		if node.StaleAfter(r.staleThreshold, now) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Count returns the number of known devices
func (r *DeviceRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
