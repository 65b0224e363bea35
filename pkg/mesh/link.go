package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/transport"
)

// LinkState represents the lifecycle state of a device link
type LinkState uint8

const (
	LinkDiscovered LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
	LinkDisconnected
)

// String returns a human-readable state name
func (s LinkState) String() string {
	switch s {
	case LinkDiscovered:
		return "discovered"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	case LinkDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// LinkStateChange is raised on every link transition. Requested
// distinguishes a caller-initiated disconnect from an unsolicited drop.
type LinkStateChange struct {
	Device    transport.DeviceInfo
	State     LinkState
	Requested bool
}

// managedLink is one entry in the live-connection pool
type managedLink struct {
	device transport.DeviceInfo
	link   transport.Link
	state  LinkState

	// sendMu serializes sends so chunk envelopes never interleave on the
	// link
	sendMu sync.Mutex
}

// send splits the payload into MTU-sized chunks and writes them in order
// with a pacing delay between chunks
func (ml *managedLink) send(ctx context.Context, payload []byte, chunkSize int, pacing time.Duration) error {
	ml.sendMu.Lock()
	defer ml.sendMu.Unlock()

	chunks, err := protocol.SplitChunks(payload, chunkSize)
	if err != nil {
		return err
	}

	for i, chunk := range chunks {
		if i > 0 && pacing > 0 {
			select {
			case <-time.After(pacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ml.link.Write(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}
