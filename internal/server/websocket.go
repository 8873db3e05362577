// Package server implements the hermes transport: the websocket endpoint,
// the HTTP routes around it, and server startup.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/zot/hermes/internal/config"
	"github.com/zot/hermes/internal/dispatch"
	"github.com/zot/hermes/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // observers are not authenticated
	},
}

// WebSocketEndpoint accepts observer connections and feeds their frames to the hub.
type WebSocketEndpoint struct {
	config      *config.Config
	hub         *dispatch.Hub
	ctx         context.Context
	connections map[string]*wsConn // connectionID -> conn
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// wsConn is the Sender for one socket. Writes are serialized by writeMu.
type wsConn struct {
	id       string
	conn     *websocket.Conn
	endpoint *WebSocketEndpoint
	writeMu  sync.Mutex
	done     chan struct{}
}

// NewWebSocketEndpoint creates a new WebSocket endpoint. ctx bounds request handling.
func NewWebSocketEndpoint(ctx context.Context, cfg *config.Config, hub *dispatch.Hub) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		hub:         hub,
		ctx:         ctx,
		connections: make(map[string]*wsConn),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket upgrades the request, sends the greeting and starts the read pump.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	connectionID := generateConnectionID()
	wc := &wsConn{id: connectionID, conn: conn, endpoint: ws, done: make(chan struct{})}

	ws.mu.Lock()
	ws.connections[connectionID] = wc
	ws.mu.Unlock()

	ws.Log(1, "WebSocket connected: conn=%s remote=%s", connectionID, r.RemoteAddr)

	dc := ws.hub.Connect(connectionID, wc)
	if err := wc.write([]byte(ws.config.Server.Greeting)); err != nil {
		ws.Log(1, "Greeting to %s failed: %v", connectionID, err)
	}

	ws.wg.Add(2)
	go ws.readPump(wc, dc)
	go ws.pingPump(wc)
}

// readPump reads frames from a connection and handles them in arrival order.
func (ws *WebSocketEndpoint) readPump(wc *wsConn, dc *dispatch.Conn) {
	defer ws.wg.Done()
	defer func() {
		close(wc.done)
		dc.Close()
		ws.onDisconnect(wc.id)
		wc.conn.Close()
	}()

	wc.conn.SetReadDeadline(time.Now().Add(pongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		ws.Log(4, "[IN] conn=%s data=%s", wc.id, message)
		dc.Handle(ws.ctx, message)
	}
}

// pingPump keeps idle connections alive until the socket closes.
func (ws *WebSocketEndpoint) pingPump(wc *wsConn) {
	defer ws.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-wc.done:
			return
		}
	}
}

// onDisconnect handles connection close.
func (ws *WebSocketEndpoint) onDisconnect(connectionID string) {
	ws.mu.Lock()
	delete(ws.connections, connectionID)
	ws.mu.Unlock()
	ws.Log(1, "WebSocket disconnected: conn=%s", connectionID)
}

// Send encodes and writes one reply.
func (c *wsConn) Send(reply protocol.Reply) error {
	data, err := protocol.EncodeReply(reply)
	if err != nil {
		return err
	}
	if c.endpoint.config.Verbosity() >= 4 {
		c.endpoint.Log(4, "[OUT] %s: to=%s data=%s", reply.ReplyType(), c.id, data)
	} else {
		c.endpoint.Log(2, "[OUT] %s: to=%s", reply.ReplyType(), c.id)
	}
	return c.write(data)
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Count returns the number of open sockets.
func (ws *WebSocketEndpoint) Count() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// CloseAll closes every socket and waits for their pumps to exit.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	for _, c := range ws.connections {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	ws.mu.RUnlock()
	ws.wg.Wait()
}

// generateConnectionID creates a sortable unique connection ID.
func generateConnectionID() string {
	return ulid.Make().String()
}
