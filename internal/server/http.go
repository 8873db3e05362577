package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zot/hermes/internal/dispatch"
)

// Status is the body of GET /status.
type Status struct {
	Connections int       `json:"connections"`
	Sockets     int       `json:"sockets"`
	Watches     int       `json:"watches"`
	Started     time.Time `json:"started"`
}

// HTTPEndpoint routes the websocket path, the status endpoint and the optional MCP mount.
type HTTPEndpoint struct {
	path       string
	hub        *dispatch.Hub
	wsEndpoint *WebSocketEndpoint
	started    time.Time
	mux        *http.ServeMux
}

// NewHTTPEndpoint creates a new HTTP endpoint serving websockets at path.
func NewHTTPEndpoint(path string, hub *dispatch.Hub, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		path:       path,
		hub:        hub,
		wsEndpoint: wsEndpoint,
		started:    time.Now(),
		mux:        http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc(h.path, h.handleWebSocket)
	h.mux.HandleFunc("/status", h.handleStatus)
}

// Mount adds a handler under prefix, such as the MCP endpoint.
func (h *HTTPEndpoint) Mount(prefix string, handler http.Handler) {
	h.mux.Handle(prefix, handler)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleWebSocket handles WebSocket upgrade requests.
func (h *HTTPEndpoint) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsEndpoint.HandleWebSocket(w, r)
}

func (h *HTTPEndpoint) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conns, watches := h.hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Status{
		Connections: conns,
		Sockets:     h.wsEndpoint.Count(),
		Watches:     watches,
		Started:     h.started,
	})
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
