package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewTextMessageDefaults(t *testing.T) {
	sender := uuid.New()
	recipient := uuid.New()

	m := NewTextMessage(sender, "alice", recipient, "hi")

	if m.Type != MessageTypeText {
		t.Errorf("Type = %v, want %v", m.Type, MessageTypeText)
	}
	if m.TTL != DefaultTTL {
		t.Errorf("TTL = %d, want %d", m.TTL, DefaultTTL)
	}
	if m.Status != StatusPending {
		t.Errorf("Status = %v, want %v", m.Status, StatusPending)
	}
	if len(m.RoutePath) != 1 || m.RoutePath[0] != sender {
		t.Errorf("RoutePath = %v, want [%v]", m.RoutePath, sender)
	}
	if m.HopCount() != 0 {
		t.Errorf("HopCount() = %d, want 0", m.HopCount())
	}
	if m.IsBroadcast() {
		t.Error("direct message reported as broadcast")
	}
}

func TestBroadcast(t *testing.T) {
	m := NewTextMessage(uuid.New(), "alice", BroadcastID, "to everyone")
	if !m.IsBroadcast() {
		t.Error("IsBroadcast() = false for zero recipient")
	}
}

func TestAckMessageCarriesAckedID(t *testing.T) {
	acked := GenerateMessageID()
	ack := NewAckMessage(uuid.New(), "bob", uuid.New(), acked)

	if ack.Type != MessageTypeAck {
		t.Errorf("Type = %v, want %v", ack.Type, MessageTypeAck)
	}

	got, err := ack.AckedMessageID()
	if err != nil {
		t.Fatalf("AckedMessageID() error = %v", err)
	}
	if got != acked {
		t.Errorf("AckedMessageID() = %v, want %v", got, acked)
	}
}

func TestWithHopDoesNotMutateOriginal(t *testing.T) {
	sender := uuid.New()
	m := NewTextMessage(sender, "alice", BroadcastID, "hi")

	relayed := m.WithHop(uuid.New()).WithTTL(m.TTL - 1)

	if len(m.RoutePath) != 1 {
		t.Errorf("original RoutePath length = %d, want 1", len(m.RoutePath))
	}
	if m.TTL != DefaultTTL {
		t.Errorf("original TTL = %d, want %d", m.TTL, DefaultTTL)
	}
	if len(relayed.RoutePath) != 2 {
		t.Errorf("relayed RoutePath length = %d, want 2", len(relayed.RoutePath))
	}
	if relayed.HopCount() != 1 {
		t.Errorf("relayed HopCount() = %d, want 1", relayed.HopCount())
	}
}

func TestHasTraversed(t *testing.T) {
	sender := uuid.New()
	relay := uuid.New()
	m := NewTextMessage(sender, "alice", BroadcastID, "hi").WithHop(relay)

	if !m.HasTraversed(sender) {
		t.Error("HasTraversed(sender) = false")
	}
	if !m.HasTraversed(relay) {
		t.Error("HasTraversed(relay) = false")
	}
	if m.HasTraversed(uuid.New()) {
		t.Error("HasTraversed(unknown) = true")
	}
}

func TestExpired(t *testing.T) {
	m := NewTextMessage(uuid.New(), "alice", BroadcastID, "hi")

	if m.Expired(time.Now()) {
		t.Error("fresh message reported expired")
	}
	if !m.Expired(time.Now().Add(MessageExpiry + time.Minute)) {
		t.Error("day-old message not reported expired")
	}
}

func TestDedupKeyIgnoresMessageID(t *testing.T) {
	sender := uuid.New()

	a := NewTextMessage(sender, "alice", BroadcastID, "hi").WithSequence(7)
	b := NewTextMessage(sender, "alice", BroadcastID, "different content").WithSequence(7)

	if a.ID == b.ID {
		t.Fatal("distinct messages share an id")
	}
	if a.Key() != b.Key() {
		t.Error("same (sender, sequence) must produce the same dedup key")
	}

	c := b.WithSequence(8)
	if a.Key() == c.Key() {
		t.Error("different sequence must produce a different dedup key")
	}
}
