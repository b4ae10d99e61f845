// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"psu-service/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	// event types the client asked for; empty means all
	subscriptions *xsync.MapOf[model.EventType, struct{}]
	done          chan struct{}
	closeOnce     sync.Once
}

func newClient(id string, conn *websocket.Conn, userAgent, remoteAddr string) *Client {
	return &Client{
		ID:            id,
		Connection:    conn,
		Send:          make(chan []byte, 256),
		UserAgent:     userAgent,
		RemoteAddr:    remoteAddr,
		ConnectedAt:   time.Now(),
		subscriptions: xsync.NewMapOf[model.EventType, struct{}](),
		done:          make(chan struct{}),
	}
}

// Wants reports whether the client should receive events of type t
func (c *Client) Wants(t model.EventType) bool {
	if c.subscriptions.Size() == 0 {
		return true
	}
	_, ok := c.subscriptions.Load(t)
	return ok
}

// enqueue hands a message to the write pump, dropping it when the client is
// slow or gone
func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager tracks connected clients
type ConnectionManager struct {
	clients *xsync.MapOf[string, *Client]
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: xsync.NewMapOf[string, *Client](),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.clients.Store(client.ID, client)
}

// Unregister removes a client and stops its write pump
func (cm *ConnectionManager) Unregister(client *Client) {
	if c, ok := cm.clients.LoadAndDelete(client.ID); ok {
		c.close()
	}
}

// Each calls fn for every connected client
func (cm *ConnectionManager) Each(fn func(*Client)) {
	cm.clients.Range(func(_ string, c *Client) bool {
		fn(c)
		return true
	})
}

// CloseAll unregisters every client
func (cm *ConnectionManager) CloseAll() {
	cm.Each(cm.Unregister)
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	stats := &ConnectionStats{Clients: make([]*Client, 0, cm.clients.Size())}
	cm.Each(func(c *Client) {
		stats.Clients = append(stats.Clients, c)
	})
	stats.TotalConnections = len(stats.Clients)
	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int       `json:"total_connections"`
	Clients          []*Client `json:"clients"`
}
