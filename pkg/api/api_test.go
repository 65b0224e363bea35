package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/mesh"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
	"github.com/robstar124/BluetoothMeshChat/pkg/storage"
	"github.com/robstar124/BluetoothMeshChat/pkg/transport"
)

type testServer struct {
	server   *Server
	id       uuid.UUID
	trans    *transport.MemoryTransport
	registry *registry.DeviceRegistry
	manager  *mesh.ConnectionManager
}

func newTestServer(t *testing.T, hub *transport.MemoryHub, name string) *testServer {
	t.Helper()

	id := uuid.New()
	tr := transport.NewMemoryTransport(hub, id, name, 512)
	reg := registry.NewDeviceRegistry(5 * time.Minute)

	mcfg := mesh.DefaultManagerConfig()
	mcfg.ChunkDelay = 0
	manager := mesh.NewConnectionManager(mcfg, tr, reg, zap.NewNop())
	tracker := mesh.NewDeliveryTracker()
	router := mesh.NewRouter(id, name, manager, reg, tracker, zap.NewNop())
	manager.SetPayloadHandler(router.HandleInbound)

	store, err := storage.Open(":memory:")
	assert.NoError(t, err)

	assert.NoError(t, manager.Initialize(context.Background()))

	cfg := DefaultConfig()
	cfg.DeviceName = name
	cfg.RateLimit = 0
	server := NewServer(cfg, manager, router, tracker, reg, store, zap.NewNop())

	t.Cleanup(func() {
		router.Close()
		manager.Close()
		store.Close()
	})

	return &testServer{server: server, id: id, trans: tr, registry: reg, manager: manager}
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.engine.ServeHTTP(w, req)
	return w
}

func TestHealthAndNodeInfo(t *testing.T) {
	hub := transport.NewMemoryHub()
	ts := newTestServer(t, hub, "alice")

	w := ts.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do("GET", "/api/v1/node/info", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var info NodeInfoResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, ts.id.String(), info.DeviceID)
	assert.Equal(t, "alice", info.DeviceName)
	assert.Equal(t, 0, info.Connections)
}

func TestDeviceListAndConnect(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newTestServer(t, hub, "alice")
	bob := newTestServer(t, hub, "bob")

	alice.registry.Upsert(bob.id, "bob", bob.trans.Info().Address, -55)

	w := alice.do("GET", "/api/v1/devices", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var listing struct {
		Devices []DeviceResponse `json:"devices"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Devices, 1)
	assert.Equal(t, "bob", listing.Devices[0].Name)
	assert.False(t, listing.Devices[0].Connected)

	w = alice.do("POST", fmt.Sprintf("/api/v1/devices/%s/connect", bob.id), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, alice.manager.ConnectedCount())

	w = alice.do("DELETE", fmt.Sprintf("/api/v1/devices/%s/connect", bob.id), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, alice.manager.ConnectedCount())
}

func TestConnectErrors(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newTestServer(t, hub, "alice")

	w := alice.do("POST", "/api/v1/devices/not-a-uuid/connect", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = alice.do("POST", fmt.Sprintf("/api/v1/devices/%s/connect", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSendMessage(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newTestServer(t, hub, "alice")
	bob := newTestServer(t, hub, "bob")

	alice.registry.Upsert(bob.id, "bob", bob.trans.Info().Address, -55)
	w := alice.do("POST", fmt.Sprintf("/api/v1/devices/%s/connect", bob.id), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = alice.do("POST", "/api/v1/messages", SendMessageRequest{
		RecipientID: bob.id.String(),
		Content:     "hello over http",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp SendMessageResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Status)

	// The outgoing message lands in its conversation
	convID := storage.ConversationID(alice.id.String(), bob.id.String())
	w = alice.do("GET", fmt.Sprintf("/api/v1/conversations/%s/messages", convID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Messages []*storage.StoredMessage `json:"messages"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Messages, 1)
	assert.Equal(t, "hello over http", page.Messages[0].Content)
	assert.True(t, page.Messages[0].IsOutgoing)

	// Delivery status is queryable
	w = alice.do("GET", fmt.Sprintf("/api/v1/messages/%s/status", resp.MessageID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendMessageNoLinks(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newTestServer(t, hub, "alice")

	w := alice.do("POST", "/api/v1/messages", SendMessageRequest{Content: "anyone there"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp SendMessageResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
}

func TestSendMessageValidation(t *testing.T) {
	hub := transport.NewMemoryHub()
	alice := newTestServer(t, hub, "alice")

	w := alice.do("POST", "/api/v1/messages", SendMessageRequest{RecipientID: "garbage", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = alice.do("POST", "/api/v1/messages", map[string]string{"recipientId": uuid.New().String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
