// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"psu-service/internal/model"
	"psu-service/internal/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// clientMessage is an inbound frame; data is decoded per type
type clientMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type topicData struct {
	Topic string `json:"topic"`
}

type voltageData struct {
	Voltage *decimal.Decimal `json:"voltage"`
}

// WebSocketHandler streams supply events to clients and accepts commands
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	psu         PSUService
	eventBus    *EventBus
	events      <-chan model.DeviceEvent
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler. An allowedOrigins entry
// of "*" accepts any origin.
func NewWebSocketHandler(bus *EventBus, psu PSUService, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections: NewConnectionManager(),
		psu:         psu,
		eventBus:    bus,
		events:      bus.SubscribeAll(),
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Start forwards bus events to subscribed clients until ctx is cancelled
func (h *WebSocketHandler) Start(ctx context.Context) {
	defer h.eventBus.Unsubscribe(h.events)
	defer h.connections.CloseAll()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.events:
			h.broadcast(event)
		}
	}
}

// HandleEventConnection upgrades to a WebSocket streaming supply events
// @Summary Event stream
// @Description WebSocket stream of supply events. Clients may send subscribe, unsubscribe, ping, snapshot, set_voltage and reconnect messages.
// @Tags WebSocket
// @Router /ws/events [get]
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := newClient(uuid.New().String(), conn, c.Request.UserAgent(), c.Request.RemoteAddr)
	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_status",
		Data:      h.psu.GetSnapshot(),
		Timestamp: time.Now(),
	})

	go h.handleClientRead(client)
	go h.handleClientWrite(client)
}

func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		client.Connection.Close()
		h.logger.Info("Event WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message clientMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "", "invalid message")
			continue
		}
		h.handleClientMessage(client, &message)
	}
}

func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case <-client.done:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Warn("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) handleClientMessage(client *Client, message *clientMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		var data topicData
		if err := json.Unmarshal(message.Data, &data); err != nil || data.Topic == "" {
			h.sendError(client, message.RequestID, "topic is required")
			return
		}
		topic := model.EventType(data.Topic)
		if message.Type == "subscribe" {
			client.subscriptions.Store(topic, struct{}{})
		} else {
			client.subscriptions.Delete(topic)
		}
		h.reply(client, message, message.Type+"d", gin.H{"topic": data.Topic})

	case "ping":
		h.reply(client, message, "pong", nil)

	case "snapshot":
		h.reply(client, message, "snapshot", h.psu.GetSnapshot())

	case "set_voltage":
		var data voltageData
		if err := json.Unmarshal(message.Data, &data); err != nil || data.Voltage == nil {
			h.sendError(client, message.RequestID, "voltage is required")
			return
		}
		if err := h.psu.SetVoltage(*data.Voltage); err != nil {
			h.sendError(client, message.RequestID, commandError(err))
			return
		}
		h.reply(client, message, "command_accepted", gin.H{"command": "set_voltage", "voltage": data.Voltage.StringFixed(2)})

	case "reconnect":
		if err := h.psu.Reconnect(); err != nil {
			h.sendError(client, message.RequestID, err.Error())
			return
		}
		h.reply(client, message, "command_accepted", gin.H{"command": "reconnect"})

	default:
		h.logger.Debug("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", client.ID),
		)
		h.sendError(client, message.RequestID, "unknown message type: "+message.Type)
	}
}

func commandError(err error) string {
	for _, rule := range setVoltageErrors {
		if rule.Match(err) {
			return strings.ToLower(rule.Message)
		}
	}
	return err.Error()
}

func (h *WebSocketHandler) reply(client *Client, req *clientMessage, typ string, data interface{}) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      typ,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: req.RequestID,
	})
}

func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}
	if !client.enqueue(messageBytes) {
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

func (h *WebSocketHandler) sendError(client *Client, requestID, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      gin.H{"error": errorMsg},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

func (h *WebSocketHandler) broadcast(event model.DeviceEvent) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      "event",
		Data:      event,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.connections.Each(func(client *Client) {
		if client.Wants(event.EventType) {
			client.enqueue(messageBytes)
		}
	})
}

// GetConnectionStats returns connection statistics
// @Summary WebSocket connections
// @Tags WebSocket
// @Produce json
// @Success 200 {object} utils.APIResponse{data=ConnectionStats}
// @Router /api/v1/ws/stats [get]
func (h *WebSocketHandler) GetConnectionStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Connection stats retrieved", h.connections.GetStats())
}
