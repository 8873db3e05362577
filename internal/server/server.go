package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zot/hermes/internal/config"
	"github.com/zot/hermes/internal/dispatch"
	"github.com/zot/hermes/internal/mcp"
	"github.com/zot/hermes/internal/storage"
)

// Server is the hermes server: one hub over the store, served over HTTP.
type Server struct {
	config       *config.Config
	source       storage.Source
	hub          *dispatch.Hub
	httpServer   *http.Server
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
	mcpServer    *mcp.Server
	reloader     *config.Reloader
	cancel       context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg *config.Config, source storage.Source) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	hub := dispatch.NewHub(cfg, source)
	s := &Server{
		config:     cfg,
		source:     source,
		hub:        hub,
		wsEndpoint: NewWebSocketEndpoint(ctx, cfg, hub),
		cancel:     cancel,
	}
	s.httpEndpoint = NewHTTPEndpoint(cfg.Server.Path, hub, s.wsEndpoint)

	if cfg.MCP.Enabled {
		s.mcpServer = mcp.NewServer(cfg, hub)
		s.httpEndpoint.Mount("/mcp", s.mcpServer.Handler())
		s.config.Log(0, "MCP server initialized at /mcp")
	}
	return s
}

// Start opens the change feed and starts the HTTP server.
// It returns the websocket URL observers connect to.
func (s *Server) Start(ctx context.Context) (string, error) {
	if err := s.hub.Start(ctx); err != nil {
		return "", fmt.Errorf("failed to open change feed: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpEndpoint,
	}

	// We need to capture the actual port if 0 was passed
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.hub.Stop()
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.Server.Port == 0 {
		_, portStr, _ := net.SplitHostPort(listener.Addr().String())
		s.config.Server.Port, _ = strconv.Atoi(portStr)
	}

	if s.config.File != "" {
		s.startReloader()
	}

	go func() {
		s.config.Log(0, "HTTP server listening on %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.config.Errorf("HTTP server error: %v", err)
		}
	}()

	host := s.config.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d%s", host, s.config.Server.Port, s.config.Server.Path), nil
}

// startReloader applies whitelist edits to watches subscribed after the edit.
func (s *Server) startReloader() {
	r, err := config.NewReloader(s.config, func() {
		s.config.Log(0, "Whitelist reloaded from %s", s.config.File)
	})
	if err == nil {
		if err = r.Start(); err != nil {
			r.Stop()
		}
	}
	if err != nil {
		s.config.Log(0, "Config reloading disabled: %v", err)
		return
	}
	s.reloader = r
}

// Shutdown stops accepting connections, closes every socket and the feed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.reloader != nil {
		s.reloader.Stop()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wsEndpoint.CloseAll()
	s.hub.Stop()
	s.cancel()
	return err
}

// Hub returns the dispatch hub.
func (s *Server) Hub() *dispatch.Hub {
	return s.hub
}

// Handler returns the HTTP handler, for tests that serve it themselves.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}
