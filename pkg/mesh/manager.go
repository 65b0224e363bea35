package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
	"github.com/robstar124/BluetoothMeshChat/pkg/transport"
)

// ManagerConfig holds the connection-manager tunables. MaxConnections is a
// runtime input because the platform cap differs across radio stacks
// (7 on one platform family, 15 on another).
type ManagerConfig struct {
	MaxConnections int
	ChunkSize      int
	ChunkDelay     time.Duration
	ConnectTimeout time.Duration
}

// DefaultManagerConfig returns conservative defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections: 7,
		ChunkSize:      512,
		ChunkDelay:     10 * time.Millisecond,
		ConnectTimeout: 10 * time.Second,
	}
}

// ConnectionManager owns the live radio-link pool. It is the only component
// holding link handles; every pool mutation happens under the manager mutex,
// so concurrent connects can never exceed the platform cap.
type ConnectionManager struct {
	cfg       ManagerConfig
	transport transport.Transport
	registry  *registry.DeviceRegistry
	logger    *zap.Logger

	mu          sync.RWMutex
	links       map[uuid.UUID]*managedLink
	initialized bool
	scanning    bool
	closed      bool

	onPayload   func(from uuid.UUID, payload []byte)
	onLinkState func(LinkStateChange)
	onDiscovery func([]registry.DeviceNode)
}

// NewConnectionManager creates a manager over the given transport
func NewConnectionManager(cfg ManagerConfig, tr transport.Transport, reg *registry.DeviceRegistry, logger *zap.Logger) *ConnectionManager {
	return &ConnectionManager{
		cfg:       cfg,
		transport: tr,
		registry:  reg,
		logger:    logger,
		links:     make(map[uuid.UUID]*managedLink),
	}
}

// SetPayloadHandler registers the observer for reassembled inbound payloads.
// Must be called before Initialize.
func (cm *ConnectionManager) SetPayloadHandler(h func(from uuid.UUID, payload []byte)) {
	cm.onPayload = h
}

// SetLinkStateHandler registers the observer for link state transitions
func (cm *ConnectionManager) SetLinkStateHandler(h func(LinkStateChange)) {
	cm.onLinkState = h
}

// SetDiscoveryHandler registers the observer for discovered-set snapshots
func (cm *ConnectionManager) SetDiscoveryHandler(h func([]registry.DeviceNode)) {
	cm.onDiscovery = h
}

// Initialize acquires the radio capability and starts accepting
// peer-initiated links
func (cm *ConnectionManager) Initialize(ctx context.Context) error {
	if err := cm.transport.Initialize(ctx, transport.DefaultServiceDescriptor()); err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}

	cm.mu.Lock()
	cm.initialized = true
	cm.mu.Unlock()

	go cm.acceptLoop()
	return nil
}

// StartAdvertising makes the local device discoverable
func (cm *ConnectionManager) StartAdvertising() error {
	cm.mu.RLock()
	initialized := cm.initialized
	cm.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}
	return cm.transport.StartAdvertising()
}

// StopAdvertising is idempotent
func (cm *ConnectionManager) StopAdvertising() error {
	return cm.transport.StopAdvertising()
}

// StartScanning begins passive discovery. Every sighting updates the device
// registry and emits the current discovered-set snapshot.
func (cm *ConnectionManager) StartScanning() error {
	cm.mu.Lock()
	if !cm.initialized {
		cm.mu.Unlock()
		return ErrNotInitialized
	}
	if cm.scanning {
		cm.mu.Unlock()
		return ErrAlreadyScanning
	}
	cm.scanning = true
	cm.mu.Unlock()

	err := cm.transport.StartScan(func(info transport.DeviceInfo) {
		cm.registry.Upsert(info.ID, info.Name, info.Address, info.RSSI)
		if cm.onDiscovery != nil {
			cm.onDiscovery(cm.registry.Snapshot())
		}
	})
	if err != nil {
		cm.mu.Lock()
		cm.scanning = false
		cm.mu.Unlock()
		return fmt.Errorf("start scan: %w", err)
	}

	cm.logger.Info("scanning started")
	return nil
}

// StopScanning cancels discovery and is idempotent
func (cm *ConnectionManager) StopScanning() error {
	cm.mu.Lock()
	wasScanning := cm.scanning
	cm.scanning = false
	cm.mu.Unlock()

	if !wasScanning {
		return nil
	}
	return cm.transport.StopScan()
}

// Connect establishes a link to a previously discovered device. Connecting
// to an already connected device is a no-op, not an error. The pool slot is
// reserved under the mutex before dialing, so concurrent connects cannot
// exceed the cap.
func (cm *ConnectionManager) Connect(ctx context.Context, deviceID uuid.UUID) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrShutdown
	}
	if !cm.initialized {
		cm.mu.Unlock()
		return ErrNotInitialized
	}
	if _, exists := cm.links[deviceID]; exists {
		// Connected or connect in flight
		cm.mu.Unlock()
		return nil
	}

	device, known := cm.registry.Get(deviceID)
	if !known {
		cm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceUnknown, deviceID)
	}

	if len(cm.links) >= cm.cfg.MaxConnections {
		cm.mu.Unlock()
		return &ConnectionLimitError{Max: cm.cfg.MaxConnections}
	}

	// Reserve the slot before releasing the lock
	placeholder := &managedLink{
		device: transport.DeviceInfo{ID: device.ID, Name: device.Name, Address: device.Address, RSSI: device.RSSI},
		state:  LinkConnecting,
	}
	cm.links[deviceID] = placeholder
	cm.mu.Unlock()

	cm.emitState(placeholder.device, LinkConnecting, false)

	dialCtx, cancel := context.WithTimeout(ctx, cm.cfg.ConnectTimeout)
	defer cancel()

	link, err := cm.transport.Dial(dialCtx, device.Address)
	if err != nil {
		// Roll the link fully back; never leave a half-initialized
		// entry in the pool
		cm.mu.Lock()
		delete(cm.links, deviceID)
		cm.mu.Unlock()

		cm.emitState(placeholder.device, LinkDisconnected, false)
		return fmt.Errorf("connect %s: %w", deviceID, err)
	}

	cm.mu.Lock()
	if cm.closed {
		delete(cm.links, deviceID)
		cm.mu.Unlock()
		link.Close()
		return ErrShutdown
	}
	placeholder.link = link
	placeholder.state = LinkConnected
	cm.mu.Unlock()

	cm.registry.SetConnected(deviceID, true)
	cm.emitState(placeholder.device, LinkConnected, false)
	cm.logger.Info("link established",
		zap.String("device_id", deviceID.String()),
		zap.String("device_name", device.Name))

	go cm.receiveLoop(deviceID, placeholder)
	return nil
}

// Disconnect tears down the link to a device. Idempotent: the pool entry
// and registry flag are always cleared, even when teardown itself fails.
func (cm *ConnectionManager) Disconnect(deviceID uuid.UUID) error {
	cm.mu.Lock()
	ml, exists := cm.links[deviceID]
	if !exists {
		cm.mu.Unlock()
		return nil
	}
	ml.state = LinkDisconnecting
	delete(cm.links, deviceID)
	cm.mu.Unlock()

	cm.emitState(ml.device, LinkDisconnecting, true)

	if ml.link != nil {
		if err := ml.link.Close(); err != nil {
			// Teardown failure is logged, never escalated: the pool
			// entry is already gone
			cm.logger.Warn("link teardown failed",
				zap.String("device_id", deviceID.String()),
				zap.Error(err))
		}
	}

	cm.registry.SetConnected(deviceID, false)
	cm.emitState(ml.device, LinkDisconnected, true)
	return nil
}

// DisconnectAll tears down every live link
func (cm *ConnectionManager) DisconnectAll() {
	cm.mu.RLock()
	ids := make([]uuid.UUID, 0, len(cm.links))
	for id := range cm.links {
		ids = append(ids, id)
	}
	cm.mu.RUnlock()

	for _, id := range ids {
		cm.Disconnect(id)
	}
}

// Send transmits a payload to a connected device, chunking transparently
func (cm *ConnectionManager) Send(ctx context.Context, deviceID uuid.UUID, payload []byte) error {
	cm.mu.RLock()
	ml, exists := cm.links[deviceID]
	if !exists || ml.state != LinkConnected {
		cm.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	cm.mu.RUnlock()

	return ml.send(ctx, payload, cm.cfg.ChunkSize, cm.cfg.ChunkDelay)
}

// Broadcast transmits a payload to every connected link except the one
// named by except (uuid.Nil excludes nothing). A failed link never stops
// the remaining sends; the delivered count is returned.
func (cm *ConnectionManager) Broadcast(ctx context.Context, payload []byte, except uuid.UUID) (int, error) {
	cm.mu.RLock()
	targets := make(map[uuid.UUID]*managedLink, len(cm.links))
	for id, ml := range cm.links {
		if id != except && ml.state == LinkConnected {
			targets[id] = ml
		}
	}
	cm.mu.RUnlock()

	delivered := 0
	for id, ml := range targets {
		if err := ml.send(ctx, payload, cm.cfg.ChunkSize, cm.cfg.ChunkDelay); err != nil {
			cm.logger.Warn("broadcast send failed",
				zap.String("device_id", id.String()),
				zap.Error(err))
			continue
		}
		delivered++
	}

	if delivered == 0 && len(targets) > 0 {
		return 0, ErrNoConnectedLinks
	}
	return delivered, nil
}

// ConnectedCount returns the current live pool size
func (cm *ConnectionManager) ConnectedCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.links)
}

// IsConnected reports whether a live link to the device exists
func (cm *ConnectionManager) IsConnected(deviceID uuid.UUID) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	ml, exists := cm.links[deviceID]
	return exists && ml.state == LinkConnected
}

// Stats returns pool statistics
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return map[string]interface{}{
		"live_connections": len(cm.links),
		"max_connections":  cm.cfg.MaxConnections,
		"scanning":         cm.scanning,
	}
}

// Close stops scanning and advertising, tears down every link and shuts
// down the transport
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.scanning = false
	cm.mu.Unlock()

	cm.DisconnectAll()
	return cm.transport.Close()
}

// acceptLoop admits peer-initiated links into the pool, subject to the same
// capacity cap as outbound connects
func (cm *ConnectionManager) acceptLoop() {
	for link := range cm.transport.Accept() {
		remote := link.Remote()

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			link.Close()
			return
		}
		if _, exists := cm.links[remote.ID]; exists || len(cm.links) >= cm.cfg.MaxConnections {
			cm.mu.Unlock()
			cm.logger.Warn("rejecting inbound link",
				zap.String("device_id", remote.ID.String()),
				zap.Int("live_connections", cm.ConnectedCount()))
			link.Close()
			continue
		}

		ml := &managedLink{device: remote, link: link, state: LinkConnected}
		cm.links[remote.ID] = ml
		cm.mu.Unlock()

		cm.registry.Upsert(remote.ID, remote.Name, remote.Address, remote.RSSI)
		cm.registry.SetConnected(remote.ID, true)
		cm.emitState(remote, LinkConnected, false)
		cm.logger.Info("inbound link accepted",
			zap.String("device_id", remote.ID.String()),
			zap.String("device_name", remote.Name))

		go cm.receiveLoop(remote.ID, ml)
	}
}

// receiveLoop reassembles chunk streams from one link and hands complete
// payloads to the payload observer. The loop ends when the link drops; an
// unsolicited drop drives the same rollback path as a requested disconnect.
func (cm *ConnectionManager) receiveLoop(deviceID uuid.UUID, ml *managedLink) {
	var reasm protocol.Reassembler

	for chunk := range ml.link.Notifications() {
		payloads, err := reasm.Push(chunk)
		if err != nil {
			// A bad envelope costs the partial payload, never the link
			cm.logger.Warn("chunk reassembly failed",
				zap.String("device_id", deviceID.String()),
				zap.Error(err))
			continue
		}
		for _, payload := range payloads {
			if cm.onPayload != nil {
				cm.onPayload(deviceID, payload)
			}
		}
	}

	// Notifications channel closed: unsolicited drop unless Disconnect
	// already removed the entry
	cm.mu.Lock()
	current, exists := cm.links[deviceID]
	if !exists || current != ml {
		cm.mu.Unlock()
		return
	}
	delete(cm.links, deviceID)
	cm.mu.Unlock()

	ml.link.Close()
	cm.registry.SetConnected(deviceID, false)
	cm.emitState(ml.device, LinkDisconnected, false)
	cm.logger.Info("link dropped",
		zap.String("device_id", deviceID.String()))
}

func (cm *ConnectionManager) emitState(device transport.DeviceInfo, state LinkState, requested bool) {
	if cm.onLinkState != nil {
		cm.onLinkState(LinkStateChange{Device: device, State: state, Requested: requested})
	}
}
