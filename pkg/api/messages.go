package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robstar124/BluetoothMeshChat/pkg/mesh"
	"github.com/robstar124/BluetoothMeshChat/pkg/protocol"
	"github.com/robstar124/BluetoothMeshChat/pkg/storage"
)

// SendMessageRequest is the body of POST /api/v1/messages. An empty
// recipient (or "broadcast") sends to every reachable device.
type SendMessageRequest struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content" binding:"required"`
}

// SendMessageResponse reports the originated message
type SendMessageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Sequence  uint8  `json:"sequence"`
}

// handleSendMessage handles POST /api/v1/messages
func (s *Server) handleSendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Message: err.Error()})
		return
	}
	if len(req.Content) > protocol.MaxContentLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "content too long"})
		return
	}

	recipient := protocol.BroadcastID
	if req.RecipientID != "" && req.RecipientID != "broadcast" {
		parsed, err := uuid.Parse(req.RecipientID)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid recipient id"})
			return
		}
		recipient = parsed
	}

	sent, err := s.router.SendText(c.Request.Context(), recipient, req.Content)
	if err != nil && !errors.Is(err, mesh.ErrNoConnectedLinks) {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "send failed", Message: err.Error()})
		return
	}

	// Failed sends are persisted too, so the conversation shows them
	if saveErr := s.store.SaveMessage(outgoingRow(sent, s.router.LocalID())); saveErr != nil {
		s.logger.Warn("failed to persist outgoing message", zap.Error(saveErr))
	}

	status := http.StatusOK
	if errors.Is(err, mesh.ErrNoConnectedLinks) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, SendMessageResponse{
		MessageID: sent.ID.String(),
		Status:    sent.Status.String(),
		Sequence:  sent.Sequence,
	})
}

// handleMessageStatus handles GET /api/v1/messages/:id/status
func (s *Server) handleMessageStatus(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid message id"})
		return
	}

	status, ok := s.tracker.Status(messageID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "message not tracked"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messageId": messageID.String(), "status": status.String()})
}

// handleSearchMessages handles GET /api/v1/search?q=...
func (s *Server) handleSearchMessages(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing query parameter q"})
		return
	}

	limit := intQuery(c, "limit", 50)
	hits, err := s.store.SearchMessages(query, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "search failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messageRows(hits)})
}

// handleListConversations handles GET /api/v1/conversations
func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.store.GetConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "list failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// handleConversationMessages handles GET /api/v1/conversations/:id/messages
func (s *Server) handleConversationMessages(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	msgs, err := s.store.GetConversationMessages(c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "load failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messageRows(msgs)})
}

// handleMarkRead handles POST /api/v1/conversations/:id/read
func (s *Server) handleMarkRead(c *gin.Context) {
	if err := s.store.MarkConversationRead(c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "update failed", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// outgoingRow maps a locally originated message onto its storage row
func outgoingRow(m protocol.MeshMessage, localID uuid.UUID) *storage.StoredMessage {
	conversationID := storage.BroadcastConversationID
	if !m.IsBroadcast() {
		conversationID = storage.ConversationID(localID.String(), m.RecipientID.String())
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
		IsOutgoing:     true,
		HopCount:       m.HopCount(),
	}
}

func messageRows(msgs []*storage.StoredMessage) []*storage.StoredMessage {
	if msgs == nil {
		return []*storage.StoredMessage{}
	}
	return msgs
}
