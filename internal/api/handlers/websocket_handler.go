package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/policyguard/backend/internal/pipeline"
	"github.com/policyguard/backend/pkg/logger"
)

type WebSocketHandler struct {
	engine QueryProcessor
}

func NewWebSocketHandler(engine QueryProcessor) *WebSocketHandler {
	return &WebSocketHandler{engine: engine}
}

type wsMessage struct {
	Type string `json:"type"`
	queryRequest
}

type wsStatus struct {
	Type    string `json:"type"`
	QueryID string `json:"query_id"`
	State   string `json:"state"`
}

type wsDecision struct {
	Type string `json:"type"`
	pipeline.Response
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			return
		}

		if msg.Type != "query" {
			continue
		}

		req, err := msg.toPipeline()
		if err != nil {
			h.sendError(c, err.Error())
			continue
		}

		if err := h.stream(c, req); err != nil {
			logger.Warn("Failed to stream decision", zap.Error(err))
			return
		}
	}
}

// stream runs the query to completion even if a status write fails, so the
// audit record is always written.
func (h *WebSocketHandler) stream(c *websocket.Conn, req pipeline.Request) error {
	var writeErr error
	observe := func(ev pipeline.StageEvent) {
		if writeErr != nil {
			return
		}
		writeErr = c.WriteJSON(wsStatus{Type: "status", QueryID: ev.QueryID, State: string(ev.State)})
	}

	resp := h.engine.ProcessStream(context.Background(), req, observe)
	if writeErr != nil {
		return writeErr
	}
	return c.WriteJSON(wsDecision{Type: "decision", Response: resp})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	if err := c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}); err != nil {
		logger.Error("Failed to send WebSocket error", zap.Error(err))
	}
}
