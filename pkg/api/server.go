// Package api provides the HTTP REST API for a mesh chat node
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/mesh"
	"github.com/robstar124/BluetoothMeshChat/pkg/registry"
	"github.com/robstar124/BluetoothMeshChat/pkg/storage"
)

// Server represents the HTTP API server for a mesh node
type Server struct {
	engine   *gin.Engine
	manager  *mesh.ConnectionManager
	router   *mesh.Router
	tracker  *mesh.DeliveryTracker
	registry *registry.DeviceRegistry
	store    *storage.MessageStore
	logger   *zap.Logger

	deviceName string
	addr       string
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Addr         string
	DeviceName   string
	EnableCORS   bool
	RateLimit    int // requests per minute, 0 disables
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8440",
		EnableCORS:   true,
		RateLimit:    300,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the API server over an assembled mesh node
func NewServer(cfg Config, manager *mesh.ConnectionManager, router *mesh.Router, tracker *mesh.DeliveryTracker, reg *registry.DeviceRegistry, store *storage.MessageStore, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:     engine,
		manager:    manager,
		router:     router,
		tracker:    tracker,
		registry:   reg,
		store:      store,
		logger:     logger,
		deviceName: cfg.DeviceName,
		addr:       cfg.Addr,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(cfg Config) {
	if cfg.EnableCORS {
		s.engine.Use(CORSMiddleware())
	}
	if cfg.RateLimit > 0 {
		s.engine.Use(RateLimitMiddleware(cfg.RateLimit))
	}
	s.engine.Use(LoggingMiddleware(s.logger))
	s.engine.Use(gin.Recovery())
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
			node.GET("/stats", s.handleNodeStats)
		}

		devices := v1.Group("/devices")
		{
			devices.GET("", s.handleListDevices)
			devices.POST("/:id/connect", s.handleConnect)
			devices.DELETE("/:id/connect", s.handleDisconnect)
		}

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", s.handleListConversations)
			conversations.GET("/:id/messages", s.handleConversationMessages)
			conversations.POST("/:id/read", s.handleMarkRead)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSendMessage)
			messages.GET("/:id/status", s.handleMessageStatus)
		}

		v1.GET("/search", s.handleSearchMessages)
	}

	s.engine.GET("/health", s.handleHealth)
}

// Start runs the HTTP server until the context is cancelled, then shuts
// down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop shuts the server down immediately with a short grace period
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
