package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/questforge/encounter-server/internal/broker"
	"github.com/questforge/encounter-server/internal/config"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxInboundMessage   = 512
)

// StreamMessage is the frame pushed to change-stream clients.
type StreamMessage struct {
	Type  string                   `json:"type"`
	Event *broker.EncounterChanged `json:"event,omitempty"`
}

// Stream message types.
const (
	MessageSubscribed = "subscribed"
	MessageChanged    = "encounter_changed"
)

type client struct {
	conn        *websocket.Conn
	send        chan []byte
	encounterID string
}

// Hub fans broker events out to WebSocket clients watching an encounter.
// Clients whose send queue is full are disconnected; they resynchronize by
// reading state and reconnecting.
type Hub struct {
	broker   *broker.Broker
	upgrader websocket.Upgrader
	cfg      config.WebSocketConfig
	logger   *zap.Logger

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	count      atomic.Int64
	done       chan struct{}
}

// NewHub creates a hub fed by b. Call Run before serving clients.
func NewHub(b *broker.Broker, cfg config.WebSocketConfig, logger *zap.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	h := &Hub{
		broker:     b,
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run subscribes to every encounter and dispatches events until ctx is
// cancelled or the broker closes.
func (h *Hub) Run(ctx context.Context) {
	sub := h.broker.Subscribe("", broker.DefaultBuffer*4)
	defer h.broker.Unsubscribe(sub)
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Add(1)
			h.logger.Debug("stream client registered", zap.String("encounter_id", c.encounterID))

		case c := <-h.unregister:
			h.remove(c)

		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			h.dispatch(evt)
		}
	}
}

func (h *Hub) dispatch(evt broker.EncounterChanged) {
	payload, err := json.Marshal(StreamMessage{Type: MessageChanged, Event: &evt})
	if err != nil {
		h.logger.Error("failed to encode stream event", zap.Error(err))
		return
	}
	for c := range h.clients {
		if c.encounterID != evt.EncounterID {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping slow stream client",
				zap.String("encounter_id", c.encounterID),
			)
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Add(-1)
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Serve upgrades the request and streams encounterID's changes to it. The
// caller must already have authorized the request.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, encounterID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBuffer),
		encounterID: encounterID,
	}
	hello, _ := json.Marshal(StreamMessage{Type: MessageSubscribed})
	c.send <- hello

	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards inbound frames and keeps the read deadline fresh from
// pongs. It unregisters the client when the connection fails.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		_ = c.conn.Close()
	}()

	pongWait := h.cfg.PingInterval * 2
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
