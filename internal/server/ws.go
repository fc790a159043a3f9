package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjrosen/kiln/internal/bus"
	"github.com/zjrosen/kiln/internal/log"
)

const (
	// sendBufferSize bounds each connection's outbound queue. A client
	// that cannot drain it is disconnected rather than stalling the hub.
	sendBufferSize = 64

	// maxMessageSize bounds inbound frames; clients only send small
	// echo-test payloads.
	maxMessageSize = 4096

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The dashboard is served from a different origin during
		// development; the API carries no browser credentials.
		return true
	},
}

// Subscriber provides a filtered feed of bus events. *bus.Bus satisfies
// it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter bus.Filter) (<-chan bus.Event, func())
}

// conn is one websocket client. The send channel is closed exactly once,
// under the hub's write lock, when the client is removed.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to websocket clients. Every client receives
// every event; filtering happens client-side.
type Hub struct {
	source Subscriber

	mu      sync.RWMutex
	clients map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub reading from the given event source.
func NewHub(source Subscriber) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		source:  source,
		clients: make(map[*conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start subscribes to the event source and begins broadcasting.
func (h *Hub) Start() {
	events, _ := h.source.Subscribe(h.ctx, bus.Filter{})
	log.SafeGo("ws-hub", func() {
		defer close(h.done)
		h.run(events)
	})
}

// Stop disconnects all clients and ends the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.ws.Close()
	}
	h.mu.Unlock()

	<-h.done
}

// ConnectionCount reports the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the client to the hub.
// GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn(log.CatWS, "WebSocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Debug(log.CatWS, "WebSocket client connected", "remote", ws.RemoteAddr().String())

	welcome, err := json.Marshal(map[string]any{
		"type":    "connection",
		"status":  "connected",
		"message": "Connected to kiln event stream",
	})
	if err == nil {
		h.trySend(c, welcome)
	}

	log.SafeGo("ws-write", func() { h.writePump(c) })
	log.SafeGo("ws-read", func() { h.readPump(c) })
}

// run broadcasts bus events until the hub stops or the source closes.
func (h *Hub) run(events <-chan bus.Event) {
	for {
		select {
		case <-h.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			frame, err := json.Marshal(event)
			if err != nil {
				log.Error(log.CatWS, "Failed to marshal event", "kind", string(event.Kind), "error", err)
				continue
			}
			h.broadcast(frame)
		}
	}
}

func (h *Hub) broadcast(frame []byte) {
	var stalled []*conn
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		log.Warn(log.CatWS, "Dropping slow websocket client", "remote", c.ws.RemoteAddr().String())
		h.remove(c)
	}
}

// trySend queues a frame for one client. Sends happen under the read
// lock so remove can never close the channel mid-send.
func (h *Hub) trySend(c *conn, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// remove detaches a client. Safe to call more than once.
func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
}

// writePump drains the send channel onto the wire and keeps the
// connection alive with pings.
func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames, echoing text frames back. It owns
// client removal: any read error, including pong timeout, detaches the
// client.
func (h *Hub) readPump(c *conn) {
	defer h.remove(c)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug(log.CatWS, "WebSocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		echo, err := json.Marshal(map[string]any{
			"type": "echo",
			"data": string(msg),
		})
		if err != nil {
			continue
		}
		h.trySend(c, echo)
	}
}
