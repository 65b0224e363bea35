package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NodeInfoResponse describes the local device
type NodeInfoResponse struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	Connections int    `json:"connections"`
	KnownPeers  int    `json:"knownPeers"`
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	c.JSON(http.StatusOK, NodeInfoResponse{
		DeviceID:    s.router.LocalID().String(),
		DeviceName:  s.deviceName,
		Connections: s.manager.ConnectedCount(),
		KnownPeers:  s.registry.Count(),
	})
}

// handleNodeStats handles GET /api/v1/node/stats
func (s *Server) handleNodeStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections": s.manager.Stats(),
		"routing":     s.router.Stats(),
		"storage":     s.store.Stats(),
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.manager.ConnectedCount(),
	})
}
