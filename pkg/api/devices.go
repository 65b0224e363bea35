package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/robstar124/BluetoothMeshChat/pkg/mesh"
)

// DeviceResponse describes one known device
type DeviceResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	RSSI      int       `json:"rssi"`
	LastSeen  time.Time `json:"lastSeen"`
	Connected bool      `json:"connected"`
	HopCount  int       `json:"hopCount"`
}

// handleListDevices handles GET /api/v1/devices
func (s *Server) handleListDevices(c *gin.Context) {
	nodes := s.registry.Snapshot()

	devices := make([]DeviceResponse, 0, len(nodes))
	for _, node := range nodes {
		devices = append(devices, DeviceResponse{
			ID:        node.ID.String(),
			Name:      node.Name,
			Address:   node.Address,
			RSSI:      node.RSSI,
			LastSeen:  node.LastSeen,
			Connected: node.Connected,
			HopCount:  node.HopCount,
		})
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// handleConnect handles POST /api/v1/devices/:id/connect
func (s *Server) handleConnect(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}

	err = s.manager.Connect(c.Request.Context(), deviceID)
	var limitErr *mesh.ConnectionLimitError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"connected": true, "deviceId": deviceID.String()})
	case errors.Is(err, mesh.ErrDeviceUnknown):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "device not discovered", Message: err.Error()})
	case errors.As(err, &limitErr):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "connection limit reached", Message: err.Error()})
	default:
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "connect failed", Message: err.Error()})
	}
}

// handleDisconnect handles DELETE /api/v1/devices/:id/connect
func (s *Server) handleDisconnect(c *gin.Context) {
	deviceID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid device id"})
		return
	}

	if err := s.manager.Disconnect(deviceID); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "disconnect failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": false, "deviceId": deviceID.String()})
}
