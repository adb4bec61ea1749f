package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"teamnotify/pkg/bus"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxFrameSize = 8 << 10
	clientQueue  = 64
)

// Message is one frame on the /events socket, in either direction.
type Message struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SocketSend is the payload of a "send-message" frame.
type SocketSend struct {
	OrgID   string `json:"orgId"`
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// SendFunc delivers a socket send request and returns a displayable error.
type SendFunc func(ctx context.Context, req SocketSend) error

// Hub fans session events out to websocket clients and accepts
// "send-message" frames from them.
type Hub struct {
	sessions Sessions
	send     SendFunc
	upgrader websocket.Upgrader

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

func NewHub(sessions Sessions, send SendFunc, allowedOrigins []string) *Hub {
	h := &Hub{
		sessions:   sessions,
		send:       send,
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	}
}

// Start subscribes to session events and runs the hub loop until ctx is
// done or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.done != nil {
		h.mu.Unlock()
		return errors.New("event hub already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	events, err := h.sessions.Subscribe(runCtx)
	if err != nil {
		h.mu.Unlock()
		cancel()
		return err
	}
	h.ctx, h.cancel, h.done = runCtx, cancel, make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go h.run(runCtx, events, done)
	return nil
}

func (h *Hub) Stop() {
	h.mu.RLock()
	cancel, done := h.cancel, h.done
	h.mu.RUnlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (h *Hub) doneCh() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) run(ctx context.Context, events <-chan bus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logger.DebugC("ws", "Client connected")
			h.sendInitialState(c)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			logger.DebugC("ws", "Client disconnected")

		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			h.broadcast(newMessage(string(evt.Type), evt))
		}
	}
}

func newMessage(typ string, data interface{}) Message {
	return Message{Type: typ, Timestamp: time.Now().UTC().Format(time.RFC3339), Data: data}
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.emit(data) {
			// too slow
			c.close()
			delete(h.clients, c)
		}
	}
}

// sendInitialState replays the sessions a late joiner would otherwise miss.
func (h *Hub) sendInitialState(c *wsClient) {
	for _, e := range h.sessions.Snapshot() {
		evt := bus.Event{OrgID: e.OrgID, Kind: string(e.Kind), Time: e.Since}
		switch e.State {
		case session.StateAuthenticated:
			evt.Type = bus.EventReady
		case session.StatePairing:
			if e.Challenge == nil {
				continue
			}
			evt.Type = bus.EventQR
			evt.QR = e.Challenge.Image
			evt.Code = e.Challenge.Code
		default:
			continue
		}
		c.emitMessage(newMessage(string(evt.Type), evt))
	}
}

// HandleWebSocket upgrades the request and attaches the client to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	done := h.doneCh()
	if done == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream is not running")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			logger.FieldError: err.Error(),
		})
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case h.register <- c:
	case <-done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go h.readPump(c, done)
}

func (h *Hub) readPump(c *wsClient, done <-chan struct{}) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(c, data)
	}
}

func (h *Hub) handleFrame(c *wsClient, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		c.emitMessage(newMessage("error", "invalid frame"))
		return
	}

	switch in.Type {
	case "send-message":
		var req SocketSend
		if err := json.Unmarshal(in.Data, &req); err != nil {
			c.emitMessage(newMessage("error", "invalid send-message payload"))
			return
		}
		if h.send == nil {
			c.emitMessage(newMessage("error", "sending is not available"))
			return
		}
		if err := h.send(h.ctx, req); err != nil {
			c.emitMessage(newMessage("error", err.Error()))
			return
		}
		c.emitMessage(newMessage("message-sent", map[string]string{"phone": req.Phone}))
	default:
		c.emitMessage(newMessage("error", "unknown event "+in.Type))
	}
}

func (c *wsClient) emitMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.emit(data)
}

// emit queues data without blocking. It reports false when the queue is full.
func (c *wsClient) emit(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
