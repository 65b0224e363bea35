// Package transport defines the radio capability boundary of the mesh
// engine. The engine drives scanning, advertising and link I/O through the
// Transport interface and never depends on a specific host radio stack;
// each target platform supplies its own implementation.
package transport

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotInitialized         = errors.New("transport not initialized")
	ErrAlreadyAdvertising     = errors.New("already advertising")
	ErrAlreadyScanning        = errors.New("already scanning")
	ErrServiceNotFound        = errors.New("mesh service not found on peer")
	ErrCharacteristicNotFound = errors.New("mesh characteristic not found on peer")
	ErrPeerUnreachable        = errors.New("peer unreachable")
	ErrLinkClosed             = errors.New("link closed")
)

// ServiceDescriptor names the logical mesh service and its three
// characteristics: outbound-write, inbound-notify and read-only device info.
type ServiceDescriptor struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
	InfoCharUUID   string
}

// DefaultServiceDescriptor returns the descriptor every node advertises
func DefaultServiceDescriptor() ServiceDescriptor {
	return ServiceDescriptor{
		ServiceUUID:    "4d657368-4368-6174-2d4d-657368537663",
		WriteCharUUID:  "4d657368-4368-6174-2d57-726974654368",
		NotifyCharUUID: "4d657368-4368-6174-2d4e-6f7469667943",
		InfoCharUUID:   "4d657368-4368-6174-2d44-6576496e666f",
	}
}

// DeviceInfo describes a peer as seen during discovery
type DeviceInfo struct {
	ID      uuid.UUID
	Name    string
	Address string // link-layer address, opaque to the engine
	RSSI    int    // dBm
}

// Link is one active connection to a peer. Writes carry raw chunks at most
// MTU bytes each; inbound chunks arrive on the Notifications channel, which
// closes when the link drops for any reason.
type Link interface {
	Remote() DeviceInfo
	MTU() int
	Write(ctx context.Context, chunk []byte) error
	Notifications() <-chan []byte
	Close() error
}

// Transport is the platform radio capability. Implementations must be safe
// for concurrent use: a scan in progress never blocks a dial.
type Transport interface {
	// Initialize acquires the underlying radio capability and registers
	// the mesh service descriptor
	Initialize(ctx context.Context, desc ServiceDescriptor) error

	// StartAdvertising makes the local device discoverable
	StartAdvertising() error

	// StopAdvertising is idempotent
	StopAdvertising() error

	// StartScan begins passive discovery. Every sighting of an
	// advertising peer invokes found, possibly concurrently.
	StartScan(found func(DeviceInfo)) error

	// StopScan cancels discovery and is idempotent
	StopScan() error

	// Dial connects to a peer and negotiates the mesh service. A failed
	// negotiation returns ErrServiceNotFound or ErrCharacteristicNotFound
	// with no half-open link left behind.
	Dial(ctx context.Context, address string) (Link, error)

	// Accept yields links initiated by peers. The channel closes when the
	// transport shuts down.
	Accept() <-chan Link

	// Close tears down advertising, scanning and every open link
	Close() error
}
