package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
	"github.com/robstar124/BluetoothMeshChat/pkg/transport"
)

// testNode bundles one full engine stack over the in-memory hub
type testNode struct {
	id       uuid.UUID
	name     string
	trans    *transport.MemoryTransport
	registry *registry.DeviceRegistry
	manager  *ConnectionManager
	tracker  *DeliveryTracker
	router   *Router

	mu       sync.Mutex
	received []protocol.MeshMessage
}

func newTestNode(t *testing.T, hub *transport.MemoryHub, name string, maxConns int) *testNode {
	t.Helper()

	id := uuid.New()
	tr := transport.NewMemoryTransport(hub, id, name, 512)
	reg := registry.NewDeviceRegistry(5 * time.Minute)

	cfg := DefaultManagerConfig()
	cfg.MaxConnections = maxConns
	cfg.ChunkDelay = 0

	manager := NewConnectionManager(cfg, tr, reg, zap.NewNop())
	tracker := NewDeliveryTracker()
	router := NewRouter(id, name, manager, reg, tracker, zap.NewNop())

	node := &testNode{
		id:       id,
		name:     name,
		trans:    tr,
		registry: reg,
		manager:  manager,
		tracker:  tracker,
		router:   router,
	}

	router.SetMessageHandler(func(m protocol.MeshMessage) {
		node.mu.Lock()
		node.received = append(node.received, m)
		node.mu.Unlock()
	})
	manager.SetPayloadHandler(router.HandleInbound)

	if err := manager.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	t.Cleanup(func() {
		router.Close()
		manager.Close()
	})
	return node
}

// seed makes peer connectable without running a scan
func (n *testNode) seed(peer *testNode) {
	n.registry.Upsert(peer.id, peer.name, peer.trans.Info().Address, -55)
}

func (n *testNode) receivedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.received)
}

func (n *testNode) lastReceived() (protocol.MeshMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.received) == 0 {
		return protocol.MeshMessage{}, false
	}
	return n.received[len(n.received)-1], true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connect(t *testing.T, from, to *testNode) {
	t.Helper()
	from.seed(to)
	if err := from.manager.Connect(context.Background(), to.id); err != nil {
		t.Fatalf("Connect(%s) error = %v", to.name, err)
	}
}

func TestScanDiscoversAdvertisingPeers(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)

	if err := b.manager.StartAdvertising(); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}
	if err := a.manager.StartScanning(); err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}
	if err := a.manager.StartScanning(); err != ErrAlreadyScanning {
		t.Errorf("second StartScanning() error = %v, want %v", err, ErrAlreadyScanning)
	}

	waitFor(t, "bob in alice's registry", func() bool {
		_, ok := a.registry.Get(b.id)
		return ok
	})

	node, _ := a.registry.Get(b.id)
	if node.Name != "bob" {
		t.Errorf("discovered name = %q, want %q", node.Name, "bob")
	}
	if node.Connected {
		t.Error("discovered device reported connected before any connect")
	}
}

func TestConnectionLimit(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 2)
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)
	d := newTestNode(t, hub, "dave", 7)

	connect(t, a, b)
	connect(t, a, c)

	a.seed(d)
	err := a.manager.Connect(context.Background(), d.id)
	var limitErr *ConnectionLimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("Connect over cap error = %v, want *ConnectionLimitError", err)
	}
	if limitErr.Max != 2 {
		t.Errorf("ConnectionLimitError.Max = %d, want 2", limitErr.Max)
	}

	// Freeing a slot makes the connect succeed
	if err := a.manager.Disconnect(b.id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := a.manager.Connect(context.Background(), d.id); err != nil {
		t.Fatalf("Connect after free slot error = %v", err)
	}
	if a.manager.ConnectedCount() != 2 {
		t.Errorf("ConnectedCount() = %d, want 2", a.manager.ConnectedCount())
	}
}

func TestConnectLifecycle(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)

	if err := a.manager.Connect(context.Background(), b.id); !errors.Is(err, ErrDeviceUnknown) {
		t.Errorf("Connect to undiscovered device error = %v, want %v", err, ErrDeviceUnknown)
	}

	connect(t, a, b)
	if !a.manager.IsConnected(b.id) {
		t.Fatal("IsConnected() = false after connect")
	}

	// Connecting an already connected device is a no-op
	if err := a.manager.Connect(context.Background(), b.id); err != nil {
		t.Errorf("duplicate Connect() error = %v, want nil", err)
	}
	if a.manager.ConnectedCount() != 1 {
		t.Errorf("ConnectedCount() = %d, want 1", a.manager.ConnectedCount())
	}

	node, _ := a.registry.Get(b.id)
	if !node.Connected {
		t.Error("registry Connected flag not set after connect")
	}

	if err := a.manager.Disconnect(b.id); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := a.manager.Disconnect(b.id); err != nil {
		t.Errorf("second Disconnect() error = %v, want nil", err)
	}
	if a.manager.IsConnected(b.id) {
		t.Error("IsConnected() = true after disconnect")
	}
	node, _ = a.registry.Get(b.id)
	if node.Connected {
		t.Error("registry Connected flag still set after disconnect")
	}
}

func TestUnsolicitedDropRollsBackPool(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)

	var (
		eventsMu sync.Mutex
		events   []LinkStateChange
	)
	a.manager.SetLinkStateHandler(func(ev LinkStateChange) {
		eventsMu.Lock()
		events = append(events, ev)
		eventsMu.Unlock()
	})

	connect(t, a, b)

	// Bob closing his side must surface on alice as an unsolicited drop
	b.manager.DisconnectAll()

	waitFor(t, "alice's pool to drain", func() bool {
		return a.manager.ConnectedCount() == 0
	})

	eventsMu.Lock()
	defer eventsMu.Unlock()
	var drop *LinkStateChange
	for i := range events {
		if events[i].State == LinkDisconnected {
			drop = &events[i]
		}
	}
	if drop == nil {
		t.Fatal("no LinkDisconnected event after peer drop")
	}
	if drop.Requested {
		t.Error("peer-initiated drop reported Requested = true")
	}
}

func TestDirectMessageDeliveryAndAck(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)
	connect(t, a, b)

	sent, err := a.router.SendText(context.Background(), b.id, "hello bob")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if sent.Status != protocol.StatusSent {
		t.Errorf("sent status = %v, want %v", sent.Status, protocol.StatusSent)
	}

	waitFor(t, "bob to receive the text", func() bool { return b.receivedCount() == 1 })

	got, _ := b.lastReceived()
	if got.Content != "hello bob" {
		t.Errorf("received content = %q, want %q", got.Content, "hello bob")
	}
	if got.SenderID != a.id {
		t.Errorf("received sender = %s, want %s", got.SenderID, a.id)
	}
	if got.Status != protocol.StatusDelivered {
		t.Errorf("received status = %v, want %v", got.Status, protocol.StatusDelivered)
	}

	// Bob's ack drives alice's tracker to delivered
	waitFor(t, "alice's tracker to show delivered", func() bool {
		status, ok := a.tracker.Status(sent.ID)
		return ok && status == protocol.StatusDelivered
	})
}

func TestSendTextWithoutLinksFails(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)

	sent, err := a.router.SendText(context.Background(), uuid.New(), "into the void")
	if !errors.Is(err, ErrNoConnectedLinks) {
		t.Fatalf("SendText() error = %v, want %v", err, ErrNoConnectedLinks)
	}
	if sent.Status != protocol.StatusFailed {
		t.Errorf("status = %v, want %v", sent.Status, protocol.StatusFailed)
	}
	if status, _ := a.tracker.Status(sent.ID); status != protocol.StatusFailed {
		t.Errorf("tracked status = %v, want %v", status, protocol.StatusFailed)
	}
}

func TestMultiHopRelay(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)

	// Chain topology: alice and carol are out of each other's range
	connect(t, a, b)
	connect(t, b, c)

	if _, err := a.router.SendText(context.Background(), protocol.BroadcastID, "mesh hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	waitFor(t, "carol to receive via bob", func() bool { return c.receivedCount() == 1 })

	got, _ := c.lastReceived()
	if got.Content != "mesh hello" {
		t.Errorf("relayed content = %q, want %q", got.Content, "mesh hello")
	}
	if got.HopCount() != 1 {
		t.Errorf("HopCount() = %d, want 1", got.HopCount())
	}
	if !got.HasTraversed(b.id) {
		t.Error("relayed message route path missing the relay node")
	}
	if got.TTL != protocol.DefaultTTL-1 {
		t.Errorf("relayed TTL = %d, want %d", got.TTL, protocol.DefaultTTL-1)
	}

	// Carol learns about alice purely from the relayed message
	waitFor(t, "carol to observe alice", func() bool {
		node, ok := c.registry.Get(a.id)
		return ok && node.Name == "alice"
	})
}

func TestDuplicateSuppression(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)

	m := protocol.NewTextMessage(uuid.New(), "mallory", protocol.BroadcastID, "once only").
		WithSequence(42)
	payload, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	from := uuid.New()
	a.router.HandleInbound(from, payload)
	a.router.HandleInbound(from, payload)

	// A fresh id with the same sender and sequence is still a duplicate
	dup := m
	dup.ID = protocol.GenerateMessageID()
	dupPayload, _ := protocol.Encode(dup)
	a.router.HandleInbound(from, dupPayload)

	if got := a.receivedCount(); got != 1 {
		t.Errorf("delivered %d copies, want 1", got)
	}
}

func TestTTLStopsForwarding(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)
	connect(t, b, c)

	sender := uuid.New()

	// TTL 1 decrements to 0 at bob and must not reach carol
	exhausted := protocol.NewTextMessage(sender, "distant", protocol.BroadcastID, "too far").
		WithTTL(1).WithSequence(1)
	payload, _ := protocol.Encode(exhausted)
	b.router.HandleInbound(uuid.New(), payload)

	waitFor(t, "bob to deliver locally", func() bool { return b.receivedCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := c.receivedCount(); got != 0 {
		t.Fatalf("carol received %d messages past an exhausted TTL, want 0", got)
	}

	// TTL 2 still has budget for one more hop
	alive := protocol.NewTextMessage(sender, "distant", protocol.BroadcastID, "just reaches").
		WithTTL(2).WithSequence(2)
	payload, _ = protocol.Encode(alive)
	b.router.HandleInbound(uuid.New(), payload)

	waitFor(t, "carol to receive the forwarded message", func() bool { return c.receivedCount() == 1 })
}

func TestLoopPrevention(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)
	connect(t, b, c)

	// The route path already names bob: forwarding again would loop
	m := protocol.NewTextMessage(uuid.New(), "distant", protocol.BroadcastID, "been here").
		WithSequence(7).WithHop(b.id)
	payload, _ := protocol.Encode(m)
	b.router.HandleInbound(uuid.New(), payload)

	waitFor(t, "bob to deliver locally", func() bool { return b.receivedCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := c.receivedCount(); got != 0 {
		t.Errorf("carol received %d looped messages, want 0", got)
	}
}

func TestRebroadcastEchoIsDropped(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)
	connect(t, a, b)

	if _, err := a.router.SendText(context.Background(), protocol.BroadcastID, "echo test"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	waitFor(t, "bob to receive the broadcast", func() bool { return b.receivedCount() == 1 })
	time.Sleep(100 * time.Millisecond)

	// Alice marked her own broadcast seen at send time, so nothing bob
	// might echo back can be delivered to her a second time
	if got := a.receivedCount(); got != 0 {
		t.Errorf("alice received %d copies of her own broadcast, want 0", got)
	}
	if got := b.receivedCount(); got != 1 {
		t.Errorf("bob received %d copies, want 1", got)
	}
}

func TestDuplicateFromSecondLinkNotReforwarded(t *testing.T) {
	hub := transport.NewMemoryHub()
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)
	connect(t, b, c)

	// The same logical broadcast reaches bob over two different links
	m := protocol.NewTextMessage(uuid.New(), "distant", protocol.BroadcastID, "heard twice").
		WithTTL(3).WithSequence(9)
	payload, _ := protocol.Encode(m)

	b.router.HandleInbound(uuid.New(), payload)
	b.router.HandleInbound(uuid.New(), payload)

	waitFor(t, "carol to receive one forwarded copy", func() bool { return c.receivedCount() >= 1 })
	time.Sleep(100 * time.Millisecond)

	if got := c.receivedCount(); got != 1 {
		t.Errorf("carol received %d forwarded copies, want 1", got)
	}
	if got := b.receivedCount(); got != 1 {
		t.Errorf("bob delivered %d local copies, want 1", got)
	}
}

func TestRouteRequestReply(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)
	c := newTestNode(t, hub, "carol", 7)
	connect(t, a, b)
	connect(t, b, c)

	if err := a.router.RequestRoute(context.Background(), c.id); err != nil {
		t.Fatalf("RequestRoute() error = %v", err)
	}

	waitFor(t, "alice to receive the route reply", func() bool {
		m, ok := a.lastReceived()
		return ok && m.Type == protocol.MessageTypeRouteReply
	})

	reply, _ := a.lastReceived()
	if reply.SenderID != c.id {
		t.Errorf("reply sender = %s, want %s", reply.SenderID, c.id)
	}
}

func TestDeliveryStatusMonotonic(t *testing.T) {
	tracker := NewDeliveryTracker()
	id := uuid.New()

	tracker.Track(id)
	tracker.MarkSent(id)
	tracker.MarkDelivered(id)

	// A late failure must not regress a delivered message
	tracker.MarkFailed(id)
	if status, _ := tracker.Status(id); status != protocol.StatusDelivered {
		t.Errorf("status after late failure = %v, want %v", status, protocol.StatusDelivered)
	}

	// Same the other way: an ack after a failure mark is dropped
	id2 := uuid.New()
	tracker.Track(id2)
	tracker.MarkFailed(id2)
	tracker.MarkDelivered(id2)
	if status, _ := tracker.Status(id2); status != protocol.StatusFailed {
		t.Errorf("status after late ack = %v, want %v", status, protocol.StatusFailed)
	}

	// Sent never regresses to pending
	id3 := uuid.New()
	tracker.Track(id3)
	tracker.MarkSent(id3)
	tracker.Track(id3)
	if status, _ := tracker.Status(id3); status != protocol.StatusSent {
		t.Errorf("status after re-track = %v, want %v", status, protocol.StatusSent)
	}
}

func TestChunkedTransferAcrossLink(t *testing.T) {
	hub := transport.NewMemoryHub()
	a := newTestNode(t, hub, "alice", 7)
	b := newTestNode(t, hub, "bob", 7)
	connect(t, a, b)

	big := make([]byte, 0, 3000)
	for len(big) < 3000 {
		big = append(big, "chunked payload "...)
	}

	if _, err := a.router.SendText(context.Background(), b.id, string(big)); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	waitFor(t, "bob to reassemble the chunked message", func() bool { return b.receivedCount() == 1 })

	got, _ := b.lastReceived()
	if got.Content != string(big) {
		t.Errorf("reassembled content length = %d, want %d", len(got.Content), len(big))
	}
}
