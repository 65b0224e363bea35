package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/api"
	"github.com/robstar124/BluetoothMeshChat/pkg/config"
	"github.com/robstar124/BluetoothMeshChat/pkg/logging"
	"github.com/robstar124/BluetoothMeshChat/pkg/mesh"
	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
	"github.com/robstar124/BluetoothMeshChat/pkg/storage"
	"github.com/robstar124/BluetoothMeshChat/pkg/transport"
)

func main() {
	configFile := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer logger.Sync()

	deviceID, err := loadIdentity(cfg.DBPath + ".id")
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	logger.Info("starting mesh node",
		zap.String("device_id", deviceID.String()),
		zap.String("device_name", cfg.DeviceName))

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := registry.NewDeviceRegistry(cfg.StaleThreshold)
	restoreDevices(store, reg, logger)

	local := transport.DeviceInfo{ID: deviceID, Name: cfg.DeviceName, Address: cfg.ListenAddr}
	trans := transport.NewTCPTransport(local, cfg.ListenAddr, cfg.KnownPeers, cfg.MTU, logger)

	manager := mesh.NewConnectionManager(mesh.ManagerConfig{
		MaxConnections: cfg.MaxConnections,
		ChunkSize:      cfg.MTU,
		ChunkDelay:     cfg.ChunkDelay,
		ConnectTimeout: cfg.ConnectTimeout,
	}, trans, reg, logger)

	tracker := mesh.NewDeliveryTracker()
	router := mesh.NewRouter(deviceID, cfg.DeviceName, manager, reg, tracker, logger)
	defer router.Close()

	manager.SetPayloadHandler(router.HandleInbound)

	router.SetMessageHandler(func(m protocol.MeshMessage) {
		if m.Type != protocol.MessageTypeText {
			return
		}
		if err := store.SaveMessage(inboundRow(m, deviceID)); err != nil {
			logger.Warn("failed to persist inbound message",
				zap.String("message_id", m.ID.String()),
				zap.Error(err))
		}
	})

	tracker.SetChangeHandler(func(id uuid.UUID, status protocol.DeliveryStatus) {
		if err := store.UpdateMessageStatus(id.String(), status.String()); err != nil {
			logger.Warn("failed to persist delivery status",
				zap.String("message_id", id.String()),
				zap.Error(err))
		}
	})

	manager.SetDiscoveryHandler(func(nodes []registry.DeviceNode) {
		persistDevices(store, nodes, logger)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.StartAdvertising(); err != nil {
		return err
	}
	if err := manager.StartScanning(); err != nil {
		return err
	}

	// Periodic discovery announcements reach devices beyond radio range
	go announceLoop(ctx, router, logger)

	server := api.NewServer(api.Config{
		Addr:       cfg.APIAddr,
		DeviceName: cfg.DeviceName,
		EnableCORS: true,
		RateLimit:  300,
	}, manager, router, tracker, reg, store, logger)

	if err := server.Start(ctx); err != nil {
		return err
	}

	logger.Info("mesh node stopped")
	return nil
}

// loadIdentity reads the persisted device id, minting one on first start.
// The id must survive restarts or every reboot would look like a new device
// to the rest of the mesh.
func loadIdentity(path string) (uuid.UUID, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return uuid.ParseBytes(raw)
	}
	if !os.IsNotExist(err) {
		return uuid.Nil, err
	}

	id := uuid.New()
	if err := os.WriteFile(path, []byte(id.String()), 0o600); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func restoreDevices(store *storage.MessageStore, reg *registry.DeviceRegistry, logger *zap.Logger) {
	devices, err := store.GetDevices()
	if err != nil {
		logger.Warn("failed to restore device table", zap.Error(err))
		return
	}

	for _, dev := range devices {
		id, err := uuid.Parse(dev.ID)
		if err != nil {
			continue
		}
		reg.Upsert(id, dev.Name, dev.Address, dev.RSSI)
		reg.SetHopCount(id, dev.HopCount)
	}
	logger.Info("restored device table", zap.Int("devices", len(devices)))
}

func persistDevices(store *storage.MessageStore, nodes []registry.DeviceNode, logger *zap.Logger) {
	for _, node := range nodes {
		err := store.UpsertDevice(&storage.StoredDevice{
			ID:       node.ID.String(),
			Name:     node.Name,
			Address:  node.Address,
			RSSI:     node.RSSI,
			LastSeen: node.LastSeen.Unix(),
			HopCount: node.HopCount,
		})
		if err != nil {
			logger.Warn("failed to persist device",
				zap.String("device_id", node.ID.String()),
				zap.Error(err))
		}
	}
}

func announceLoop(ctx context.Context, router *mesh.Router, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := router.Announce(ctx); err != nil {
				logger.Debug("announce failed", zap.Error(err))
			}
		}
	}
}

// inboundRow maps a delivered message onto its storage row
func inboundRow(m protocol.MeshMessage, localID uuid.UUID) *storage.StoredMessage {
	conversationID := storage.BroadcastConversationID
	if !m.IsBroadcast() {
		conversationID = storage.ConversationID(localID.String(), m.SenderID.String())
	}

	return &storage.StoredMessage{
		MessageID:      m.ID.String(),
		ConversationID: conversationID,
		SenderID:       m.SenderID.String(),
		SenderName:     m.SenderName,
		RecipientID:    m.RecipientID.String(),
		Content:        m.Content,
		Timestamp:      m.Timestamp.Unix(),
		Status:         m.Status.String(),
		IsOutgoing:     false,
		HopCount:       m.HopCount(),
	}
}
