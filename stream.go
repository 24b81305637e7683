package prognos

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures websocket streaming of predictions and alerts.
type StreamConfig struct {
	// WriteTimeout bounds a single client write. Default: 10s
	WriteTimeout time.Duration

	// PingInterval is the keepalive ping period. Default: 30s
	PingInterval time.Duration

	// SendBuffer is the per-client outbound queue; slow clients are dropped
	// when it fills. Default: 64
	SendBuffer int
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		SendBuffer:   64,
	}
}

// StreamMessage is one event pushed to subscribed clients.
type StreamMessage struct {
	Type      string      `json:"type"` // "prediction" or "alert"
	TenantID  string      `json:"tenant_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type streamClient struct {
	tenant string
	conn   *websocket.Conn
	send   chan []byte
}

// StreamHub fans predictions and alerts out to websocket subscribers scoped
// by tenant. A client only ever receives its own tenant's events.
type StreamHub struct {
	config   StreamConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool
}

// NewStreamHub creates a new streaming hub.
func NewStreamHub(config StreamConfig) *StreamHub {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	return &StreamHub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeWS upgrades an HTTP request to a websocket subscription for the given
// tenant.
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request, tenant string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &streamClient{
		tenant: tenant,
		conn:   conn,
		send:   make(chan []byte, h.config.SendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

// Broadcast pushes an event to every subscriber of a tenant. Slow clients
// are disconnected rather than blocking the pipeline.
func (h *StreamHub) Broadcast(tenant, msgType string, payload interface{}) {
	data, err := json.Marshal(StreamMessage{
		Type:      msgType,
		TenantID:  tenant,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.tenant != tenant {
			continue
		}
		select {
		case client.send <- data:
		default:
			go h.drop(client)
		}
	}
}

// ClientCount returns the number of connected subscribers for a tenant.
func (h *StreamHub) ClientCount(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.clients {
		if client.tenant == tenant {
			n++
		}
	}
	return n
}

// Close disconnects all clients.
func (h *StreamHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *StreamHub) drop(client *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *StreamHub) writePump(client *streamClient) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains client frames so pings are answered; inbound data is
// ignored.
func (h *StreamHub) readPump(client *streamClient) {
	defer h.drop(client)
	client.conn.SetReadLimit(512)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
