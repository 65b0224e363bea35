package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// tcpHandshakeMagic frames the identity exchange that stands in for the
// read-only device-info characteristic
const tcpHandshakeMagic = 0x4D43 // "MC"

// TCPTransport is a development Transport that runs the mesh over local TCP
// sockets instead of a radio. Discovery reports a configured static peer
// list, probing each address for its identity; everything above the
// capability boundary behaves exactly as it does over a radio link.
type TCPTransport struct {
	local      DeviceInfo
	listenAddr string
	knownPeers []string
	mtu        int
	logger     *zap.Logger

	mu          sync.Mutex
	initialized bool
	advertising bool
	scanning    bool
	listener    net.Listener
	inbound     chan Link
	closed      bool
}

// NewTCPTransport creates a TCP transport. knownPeers lists the addresses
// discovery will probe, standing in for radio advertisements.
func NewTCPTransport(local DeviceInfo, listenAddr string, knownPeers []string, mtu int, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		local:      local,
		listenAddr: listenAddr,
		knownPeers: knownPeers,
		mtu:        mtu,
		logger:     logger,
		inbound:    make(chan Link, 8),
	}
}

// Initialize acquires the capability; listening begins with StartAdvertising
func (t *TCPTransport) Initialize(_ context.Context, _ ServiceDescriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = true
	return nil
}

// StartAdvertising opens the listener and begins accepting peer links
func (t *TCPTransport) StartAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return ErrNotInitialized
	}
	if t.advertising {
		return ErrAlreadyAdvertising
	}

	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.listenAddr, err)
	}

	t.listener = ln
	t.advertising = true
	go t.acceptLoop(ln)
	return nil
}

// BoundAddr returns the actual listen address once advertising has started.
// Useful when the configured address picks an ephemeral port.
func (t *TCPTransport) BoundAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.listenAddr
	}
	return t.listener.Addr().String()
}

// StopAdvertising closes the listener; existing links stay up
func (t *TCPTransport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	t.advertising = false
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			remote, err := exchangeIdentity(conn, t.local)
			if err != nil {
				t.logger.Warn("identity exchange failed on inbound connection",
					zap.String("remote_addr", conn.RemoteAddr().String()),
					zap.Error(err))
				conn.Close()
				return
			}

			link := newTCPLink(conn, remote, t.mtu)

			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				link.Close()
				return
			}
			t.inbound <- link
		}(conn)
	}
}

// StartScan probes the configured peer addresses for their identities
func (t *TCPTransport) StartScan(found func(DeviceInfo)) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return ErrNotInitialized
	}
	if t.scanning {
		t.mu.Unlock()
		return ErrAlreadyScanning
	}
	t.scanning = true
	peers := make([]string, len(t.knownPeers))
	copy(peers, t.knownPeers)
	t.mu.Unlock()

	go func() {
		for _, addr := range peers {
			t.mu.Lock()
			scanning := t.scanning
			t.mu.Unlock()
			if !scanning {
				return
			}

			info, err := t.probe(addr)
			if err != nil {
				t.logger.Debug("peer probe failed",
					zap.String("address", addr),
					zap.Error(err))
				continue
			}
			found(info)
		}
	}()
	return nil
}

// StopScan is idempotent
func (t *TCPTransport) StopScan() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scanning = false
	return nil
}

// probe dials a peer just long enough to read its identity, mirroring a
// read of the device-info characteristic
func (t *TCPTransport) probe(addr string) (DeviceInfo, error) {
	conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	defer conn.Close()

	info, err := exchangeIdentity(conn, t.local)
	if err != nil {
		return DeviceInfo{}, err
	}
	info.Address = addr
	return info, nil
}

// Dial connects to a peer and performs the identity exchange
func (t *TCPTransport) Dial(ctx context.Context, address string) (Link, error) {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return nil, ErrNotInitialized
	}
	t.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	remote, err := exchangeIdentity(conn, t.local)
	if err != nil {
		conn.Close()
		return nil, err
	}
	remote.Address = address

	return newTCPLink(conn, remote, t.mtu), nil
}

// Accept yields links initiated by peers
func (t *TCPTransport) Accept() <-chan Link {
	return t.inbound
}

// Close shuts down the listener and the inbound channel
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.advertising = false
	t.scanning = false

	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	close(t.inbound)
	return nil
}

// exchangeIdentity writes the local identity and reads the peer's. Frame:
// 2-byte magic, 16-byte device id, 1-byte name length, name.
func exchangeIdentity(conn net.Conn, local DeviceInfo) (DeviceInfo, error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	name := []byte(local.Name)
	if len(name) > 255 {
		name = name[:255]
	}

	frame := make([]byte, 2+16+1+len(name))
	binary.BigEndian.PutUint16(frame[0:2], tcpHandshakeMagic)
	copy(frame[2:18], local.ID[:])
	frame[18] = uint8(len(name))
	copy(frame[19:], name)

	if _, err := conn.Write(frame); err != nil {
		return DeviceInfo{}, fmt.Errorf("write identity: %w", err)
	}

	header := make([]byte, 19)
	if _, err := io.ReadFull(conn, header); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: read identity: %v", ErrServiceNotFound, err)
	}
	if binary.BigEndian.Uint16(header[0:2]) != tcpHandshakeMagic {
		return DeviceInfo{}, ErrServiceNotFound
	}

	var id uuid.UUID
	copy(id[:], header[2:18])

	peerName := make([]byte, header[18])
	if _, err := io.ReadFull(conn, peerName); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: read name: %v", ErrCharacteristicNotFound, err)
	}

	return DeviceInfo{ID: id, Name: string(peerName), RSSI: -50}, nil
}

// tcpLink adapts a TCP stream to the Link interface
type tcpLink struct {
	conn   net.Conn
	remote DeviceInfo
	mtu    int

	notify    chan []byte
	closeOnce sync.Once
}

func newTCPLink(conn net.Conn, remote DeviceInfo, mtu int) *tcpLink {
	l := &tcpLink{
		conn:   conn,
		remote: remote,
		mtu:    mtu,
		notify: make(chan []byte, 64),
	}
	go l.readLoop()
	return l
}

func (l *tcpLink) readLoop() {
	defer close(l.notify)

	buf := make([]byte, l.mtu)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.notify <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (l *tcpLink) Remote() DeviceInfo { return l.remote }

func (l *tcpLink) MTU() int { return l.mtu }

func (l *tcpLink) Write(ctx context.Context, chunk []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(deadline)
		defer l.conn.SetWriteDeadline(time.Time{})
	}

	if _, err := l.conn.Write(chunk); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

func (l *tcpLink) Notifications() <-chan []byte {
	return l.notify
}

func (l *tcpLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
