package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryHub is a process-local radio medium connecting MemoryTransport
// nodes. It backs engine tests and multi-node simulations: every advertising
// node is visible to every scanning node, and dials produce paired
// in-memory links.
type MemoryHub struct {
	nodes map[string]*MemoryTransport // key: address
	mu    sync.RWMutex
}

// NewMemoryHub creates an empty hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{nodes: make(map[string]*MemoryTransport)}
}

func (h *MemoryHub) attach(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes[t.info.Address] = t
}

func (h *MemoryHub) detach(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, address)
}

func (h *MemoryHub) lookup(address string) (*MemoryTransport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[address]
	return t, ok
}

// announce notifies every scanning node about an advertising peer
func (h *MemoryHub) announce(from *MemoryTransport) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, node := range h.nodes {
		if node == from {
			continue
		}
		node.notifyScan(from.info)
	}
}

// MemoryTransport is an in-memory Transport implementation attached to a
// MemoryHub. The simulated RSSI is fixed per node.
type MemoryTransport struct {
	hub  *MemoryHub
	info DeviceInfo
	mtu  int

	mu          sync.Mutex
	initialized bool
	advertising bool
	scanFound   func(DeviceInfo)
	inbound     chan Link
	closed      bool
}

// NewMemoryTransport creates a node on the hub. The device id doubles as
// its link-layer address.
func NewMemoryTransport(hub *MemoryHub, id uuid.UUID, name string, mtu int) *MemoryTransport {
	t := &MemoryTransport{
		hub: hub,
		info: DeviceInfo{
			ID:      id,
			Name:    name,
			Address: id.String(),
			RSSI:    -55,
		},
		mtu:     mtu,
		inbound: make(chan Link, 8),
	}
	hub.attach(t)
	return t
}

// Info returns the local device descriptor
func (t *MemoryTransport) Info() DeviceInfo {
	return t.info
}

// Initialize acquires the simulated radio
func (t *MemoryTransport) Initialize(_ context.Context, _ ServiceDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	return nil
}

// StartAdvertising makes the node visible to scanners on the hub
func (t *MemoryTransport) StartAdvertising() error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return ErrNotInitialized
	}
	if t.advertising {
		t.mu.Unlock()
		return ErrAlreadyAdvertising
	}
	t.advertising = true
	t.mu.Unlock()

	t.hub.announce(t)
	return nil
}

// StopAdvertising is idempotent
func (t *MemoryTransport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advertising = false
	return nil
}

// StartScan reports every advertising node currently on the hub, then keeps
// reporting nodes that start advertising later
func (t *MemoryTransport) StartScan(found func(DeviceInfo)) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return ErrNotInitialized
	}
	if t.scanFound != nil {
		t.mu.Unlock()
		return ErrAlreadyScanning
	}
	t.scanFound = found
	t.mu.Unlock()

	t.hub.mu.RLock()
	peers := make([]DeviceInfo, 0)
	for _, node := range t.hub.nodes {
		if node == t {
			continue
		}
		node.mu.Lock()
		if node.advertising {
			peers = append(peers, node.info)
		}
		node.mu.Unlock()
	}
	t.hub.mu.RUnlock()

	for _, info := range peers {
		found(info)
	}
	return nil
}

// StopScan is idempotent
func (t *MemoryTransport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanFound = nil
	return nil
}

func (t *MemoryTransport) notifyScan(info DeviceInfo) {
	t.mu.Lock()
	found := t.scanFound
	t.mu.Unlock()

	if found != nil {
		found(info)
	}
}

// Dial creates a paired in-memory link with the peer at the given address.
// The remote end surfaces on the peer's Accept channel.
func (t *MemoryTransport) Dial(ctx context.Context, address string) (Link, error) {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return nil, ErrNotInitialized
	}
	t.mu.Unlock()

	peer, ok := t.hub.lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnreachable, address)
	}

	peer.mu.Lock()
	if !peer.initialized || peer.closed {
		peer.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, address)
	}
	peer.mu.Unlock()

	local, remote := newLinkPair(t.info, peer.info, t.mtu)

	select {
	case peer.inbound <- remote:
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}

	return local, nil
}

// Accept yields links dialed by peers
func (t *MemoryTransport) Accept() <-chan Link {
	return t.inbound
}

// Close detaches the node from the hub
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.advertising = false
	t.scanFound = nil
	close(t.inbound)
	t.mu.Unlock()

	t.hub.detach(t.info.Address)
	return nil
}

// memoryLink is one side of an in-memory link pair
type memoryLink struct {
	remote DeviceInfo
	mtu    int

	out chan<- []byte
	in  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  chan struct{}
}

func newLinkPair(dialer, acceptor DeviceInfo, mtu int) (*memoryLink, *memoryLink) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &memoryLink{remote: acceptor, mtu: mtu, out: aToB, in: bToA, closed: aClosed, peerDone: bClosed}
	b := &memoryLink{remote: dialer, mtu: mtu, out: bToA, in: aToB, closed: bClosed, peerDone: aClosed}
	return a, b
}

func (l *memoryLink) Remote() DeviceInfo { return l.remote }

func (l *memoryLink) MTU() int { return l.mtu }

func (l *memoryLink) Write(ctx context.Context, chunk []byte) error {
	if len(chunk) > l.mtu {
		return fmt.Errorf("chunk of %d bytes exceeds mtu %d", len(chunk), l.mtu)
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	select {
	case <-l.closed:
		return ErrLinkClosed
	case <-l.peerDone:
		return ErrLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.out <- buf:
		return nil
	}
}

// Notifications yields inbound chunks until either side closes
func (l *memoryLink) Notifications() <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			select {
			case <-l.closed:
				return
			case <-l.peerDone:
				// Drain what the peer sent before dropping
				for {
					select {
					case chunk := <-l.in:
						out <- chunk
					default:
						return
					}
				}
			case chunk := <-l.in:
				select {
				case out <- chunk:
				case <-l.closed:
					return
				}
			}
		}
	}()
	return out
}

func (l *memoryLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
