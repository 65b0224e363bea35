package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
)

// Router implements flood routing over the connection pool: every inbound
// message is deduplicated, delivered locally when addressed here or
// broadcast, and forwarded to every link except the arrival link while the
// hop budget lasts.
type Router struct {
	localID   uuid.UUID
	localName string

	manager  *ConnectionManager
	registry *registry.DeviceRegistry
	tracker  *DeliveryTracker
	logger   *zap.Logger

	// seen is the deduplication set. Entries age out on the expiry
	// horizon, matching the message expiry check, so the set stays
	// bounded without ever re-accepting a live duplicate.
	seen *ttlcache.Cache[protocol.DedupKey, struct{}]

	seqMu   sync.Mutex
	nextSeq uint8

	now func() time.Time

	onMessage func(protocol.MeshMessage)
}

// NewRouter creates a router bound to a connection manager. The caller must
// register the router's HandleInbound as the manager's payload handler.
func NewRouter(localID uuid.UUID, localName string, manager *ConnectionManager, reg *registry.DeviceRegistry, tracker *DeliveryTracker, logger *zap.Logger) *Router {
	seen := ttlcache.New[protocol.DedupKey, struct{}](
		ttlcache.WithTTL[protocol.DedupKey, struct{}](protocol.MessageExpiry),
	)
	go seen.Start()

	return &Router{
		localID:   localID,
		localName: localName,
		manager:   manager,
		registry:  reg,
		tracker:   tracker,
		logger:    logger,
		seen:      seen,
		now:       time.Now,
	}
}

// SetMessageHandler registers the observer for messages delivered to the
// local device
func (r *Router) SetMessageHandler(h func(protocol.MeshMessage)) {
	r.onMessage = h
}

// LocalID returns the local device id
func (r *Router) LocalID() uuid.UUID {
	return r.localID
}

// SendText originates a text message. Recipient protocol.BroadcastID sends
// to every reachable device. The returned message carries the assigned
// sequence number and the post-send delivery status.
func (r *Router) SendText(ctx context.Context, recipient uuid.UUID, content string) (protocol.MeshMessage, error) {
	m := protocol.NewTextMessage(r.localID, r.localName, recipient, content).
		WithSequence(r.allocateSequence())

	r.tracker.Track(m.ID)
	r.markSeen(m.Key())

	delivered, err := r.originate(ctx, m)
	if err != nil || delivered == 0 {
		r.tracker.MarkFailed(m.ID)
		if err == nil {
			err = ErrNoConnectedLinks
		}
		return m.WithStatus(protocol.StatusFailed), err
	}

	r.tracker.MarkSent(m.ID)
	return m.WithStatus(protocol.StatusSent), nil
}

// Announce floods a discovery message so devices beyond direct radio range
// learn about the local device
func (r *Router) Announce(ctx context.Context) error {
	m := protocol.NewDiscoveryMessage(r.localID, r.localName).
		WithSequence(r.allocateSequence())

	r.markSeen(m.Key())
	_, err := r.transmit(ctx, m, uuid.Nil)
	return err
}

// RequestRoute floods a route probe toward a device. The target answers
// with a route reply whose hop count measures the mesh distance.
func (r *Router) RequestRoute(ctx context.Context, target uuid.UUID) error {
	m := protocol.NewTextMessage(r.localID, r.localName, target, "").
		WithSequence(r.allocateSequence())
	m.Type = protocol.MessageTypeRouteRequest

	r.markSeen(m.Key())
	_, err := r.transmit(ctx, m, uuid.Nil)
	return err
}

// HandleInbound decodes and routes a payload received from a link. Malformed
// payloads are logged and dropped; a bad frame from one peer never affects
// the rest of the mesh.
func (r *Router) HandleInbound(from uuid.UUID, payload []byte) {
	m, err := protocol.Decode(payload)
	if err != nil {
		r.logger.Warn("dropping malformed message",
			zap.String("from", from.String()),
			zap.Error(err))
		return
	}
	r.route(from, m)
}

// route applies the forwarding decision chain to one inbound message
func (r *Router) route(from uuid.UUID, m protocol.MeshMessage) {
	if m.Expired(r.now()) {
		r.logger.Debug("dropping expired message",
			zap.String("message_id", m.ID.String()))
		return
	}

	// Duplicates are dropped silently, before any delivery or forwarding
	if r.hasSeen(m.Key()) {
		return
	}
	r.markSeen(m.Key())

	// Sender evidence: the message proves the sender exists at this hop
	// distance, even if it was never directly discovered
	if m.SenderID != r.localID {
		r.registry.Observe(m.SenderID, m.SenderName)
		r.registry.SetHopCount(m.SenderID, m.HopCount())
	}

	addressedHere := m.RecipientID == r.localID
	if addressedHere || m.IsBroadcast() {
		r.deliverLocal(m)
	}

	// A message that reached its recipient stops here regardless of TTL
	if addressedHere {
		return
	}

	if m.TTL == 0 {
		return
	}
	newTTL := m.TTL - 1
	if newTTL == 0 {
		return
	}

	if m.HasTraversed(r.localID) {
		r.logger.Debug("dropping looped message",
			zap.String("message_id", m.ID.String()))
		return
	}

	forwarded := m.WithTTL(newTTL).WithHop(r.localID)
	if _, err := r.transmit(context.Background(), forwarded, from); err != nil {
		r.logger.Warn("forward failed",
			zap.String("message_id", m.ID.String()),
			zap.Error(err))
	}
}

// deliverLocal consumes a message addressed to (or broadcast past) the
// local device
func (r *Router) deliverLocal(m protocol.MeshMessage) {
	switch m.Type {
	case protocol.MessageTypeText:
		if r.onMessage != nil {
			r.onMessage(m.WithStatus(protocol.StatusDelivered))
		}
		// Broadcasts are not acknowledged; an ack storm from every
		// receiver would flood the mesh
		if !m.IsBroadcast() {
			r.sendAck(m)
		}

	case protocol.MessageTypeAck:
		acked, err := m.AckedMessageID()
		if err != nil {
			r.logger.Warn("dropping malformed ack",
				zap.String("message_id", m.ID.String()),
				zap.Error(err))
			return
		}
		r.tracker.MarkDelivered(acked)

	case protocol.MessageTypeDiscovery:
		// Observed above; nothing further to do

	case protocol.MessageTypeRouteRequest:
		if m.RecipientID == r.localID {
			r.sendRouteReply(m)
		}

	case protocol.MessageTypeRouteReply:
		if r.onMessage != nil {
			r.onMessage(m)
		}
	}
}

// sendAck answers a directed text message with a delivery acknowledgment
func (r *Router) sendAck(m protocol.MeshMessage) {
	ack := protocol.NewAckMessage(r.localID, r.localName, m.SenderID, m.ID).
		WithSequence(r.allocateSequence())

	r.markSeen(ack.Key())
	if _, err := r.originate(context.Background(), ack); err != nil {
		r.logger.Warn("ack send failed",
			zap.String("acked_message_id", m.ID.String()),
			zap.Error(err))
	}
}

// sendRouteReply answers a route probe. The probe's traversed path, joined
// into the reply content, tells the requester the full route.
func (r *Router) sendRouteReply(request protocol.MeshMessage) {
	hops := make([]string, 0, len(request.RoutePath))
	for _, hop := range request.RoutePath {
		hops = append(hops, hop.String())
	}

	reply := protocol.NewTextMessage(r.localID, r.localName, request.SenderID, strings.Join(hops, ",")).
		WithSequence(r.allocateSequence())
	reply.Type = protocol.MessageTypeRouteReply

	r.markSeen(reply.Key())
	if _, err := r.originate(context.Background(), reply); err != nil {
		r.logger.Warn("route reply failed",
			zap.String("request_id", request.ID.String()),
			zap.Error(err))
	}
}

// originate transmits a locally created message: straight down the direct
// link when the recipient is a connected neighbor, flooded otherwise
func (r *Router) originate(ctx context.Context, m protocol.MeshMessage) (int, error) {
	if !m.IsBroadcast() && r.manager.IsConnected(m.RecipientID) {
		payload, err := protocol.Encode(m)
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		if err := r.manager.Send(ctx, m.RecipientID, payload); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return r.transmit(ctx, m, uuid.Nil)
}

// transmit encodes a message and floods it to every connected link except
// the one it arrived on
func (r *Router) transmit(ctx context.Context, m protocol.MeshMessage, except uuid.UUID) (int, error) {
	payload, err := protocol.Encode(m)
	if err != nil {
		return 0, fmt.Errorf("encode message: %w", err)
	}
	return r.manager.Broadcast(ctx, payload, except)
}

// allocateSequence hands out the next local sequence number, wrapping at 256
func (r *Router) allocateSequence() uint8 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	seq := r.nextSeq
	r.nextSeq++
	return seq
}

func (r *Router) hasSeen(key protocol.DedupKey) bool {
	return r.seen.Has(key)
}

func (r *Router) markSeen(key protocol.DedupKey) {
	r.seen.Set(key, struct{}{}, ttlcache.DefaultTTL)
}

// Stats returns routing statistics
func (r *Router) Stats() map[string]interface{} {
	r.seqMu.Lock()
	seq := r.nextSeq
	r.seqMu.Unlock()

	return map[string]interface{}{
		"device_id":     r.localID.String(),
		"next_sequence": seq,
		"seen_messages": r.seen.Len(),
	}
}

// Close stops the deduplication cache janitor
func (r *Router) Close() {
	r.seen.Stop()
}
