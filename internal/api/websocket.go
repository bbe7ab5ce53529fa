package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheSnowHatHero/GrappleHook/internal/device"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/config"
	"github.com/TheSnowHatHero/GrappleHook/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeDevices = "devices"
	WSTypeEvent   = "event"
	WSTypePing    = "ping"
	WSTypePong    = "pong"
	WSTypeError   = "error"
)

const (
	wsSendBufferSize  = 64
	wsEventBufferSize = 256

	defaultWSMaxMessageSize = 8192
	defaultWSPingInterval   = 30 * time.Second
	defaultWSPongTimeout    = 10 * time.Second
)

// WSMessage is one frame on the device feed.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

// Snapshot returns the current device lists.
type Snapshot func() map[device.Domain][]device.Listing

// Hub fans registry changes out to websocket clients. Every event is sent
// as an "event" message; once a burst of events is drained a fresh
// "devices" snapshot follows.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	events  chan device.Event
	dropped atomic.Uint64

	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	snapshot Snapshot
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// CORS middleware already filtered the origin.
		return true
	},
}

// NewHub creates a hub. Pass it to the device manager as an observer.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultWSMaxMessageSize
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		events:  make(chan device.Event, wsEventBufferSize),
		clients: make(map[*wsClient]struct{}),
	}
}

// RecordEvent implements device.Observer. It never blocks; events are
// dropped when the hub falls behind.
func (h *Hub) RecordEvent(ev device.Event) {
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// SetSnapshot sets the source of "devices" messages.
func (h *Hub) SetSnapshot(snapshot Snapshot) {
	h.mu.Lock()
	h.snapshot = snapshot
	h.mu.Unlock()
}

func (h *Hub) currentSnapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// Run broadcasts events until ctx is cancelled, then disconnects clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev := <-h.events:
			h.broadcast(WSTypeEvent, ev)
			if snapshot := h.currentSnapshot(); len(h.events) == 0 && snapshot != nil {
				h.broadcast(WSTypeDevices, snapshot())
			}
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	snapshot := h.snapshot
	h.mu.Unlock()

	if snapshot != nil {
		if data, err := encodeWS(WSTypeDevices, "", snapshot()); err == nil {
			c.trySend(data)
		}
	}
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// unregister removes c. Only the caller that removes it closes its queue.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

func (h *Hub) broadcast(msgType string, payload any) {
	data, err := encodeWS(msgType, "", payload)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
}

func encodeWS(msgType, id string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the connection and subscribes it to the feed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{hub: s.hub, conn: conn, send: make(chan []byte, wsSendBufferSize)}
	s.hub.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) intervals() (ping, pong time.Duration) {
	ping, pong = defaultWSPingInterval, defaultWSPongTimeout
	if h.cfg.PingInterval > 0 {
		ping = time.Duration(h.cfg.PingInterval) * time.Second
	}
	if h.cfg.PongTimeout > 0 {
		pong = time.Duration(h.cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

// readPump answers application pings and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	ping, pong := c.hub.intervals()
	c.conn.SetReadLimit(int64(c.hub.cfg.MaxMessageSize))
	//nolint:errcheck // best-effort deadline
	c.conn.SetReadDeadline(time.Now().Add(ping + pong))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ping + pong))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // best-effort deadline
		c.conn.SetReadDeadline(time.Now().Add(ping + pong))

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(WSTypeError, "", map[string]string{"message": "invalid JSON message"})
			continue
		}
		switch msg.Type {
		case WSTypePing:
			c.reply(WSTypePong, msg.ID, nil)
		default:
			c.reply(WSTypeError, msg.ID, map[string]string{"message": "unknown message type: " + msg.Type})
		}
	}
}

func (c *wsClient) writePump() {
	ping, pong := c.hub.intervals()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // best-effort close frame
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // write error is caught below
			c.conn.SetWriteDeadline(time.Now().Add(pong))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // ping error is caught below
			c.conn.SetWriteDeadline(time.Now().Add(pong))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) reply(msgType, id string, payload any) {
	data, err := encodeWS(msgType, id, payload)
	if err != nil {
		return
	}
	c.trySend(data)
}

// trySend queues data unless the client is slow or already gone.
func (c *wsClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // send on a queue closed by unregister
	}()
	select {
	case c.send <- data:
	default:
	}
}
