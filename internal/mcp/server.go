// Package mcp exposes a read-only inspection surface over the dispatch core.
// It is served over streamable HTTP at /mcp when enabled.
package mcp

import (
	"context"
	"net/http"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/zot/hermes/internal/config"
	"github.com/zot/hermes/internal/dispatch"
	"github.com/zot/hermes/internal/storage"
)

// Version is reported in the MCP server info.
const Version = "0.1.0"

// Inspector is the view of the dispatch core the tools read.
type Inspector interface {
	Connections() []dispatch.ConnInfo
	Watches(collection string) []dispatch.WatchInfo
	Collections(ctx context.Context) ([]string, error)
	Snapshot(ctx context.Context, collection string, pipeline storage.Pipeline) ([]storage.Document, error)
	Stats() (connections, watches int)
}

// Server wraps an MCP server with the hermes tools and resources registered.
type Server struct {
	config    *config.Config
	inspector Inspector
	mcp       *mcpserver.MCPServer
	http      *mcpserver.StreamableHTTPServer
}

// NewServer creates the inspection server.
func NewServer(cfg *config.Config, inspector Inspector) *Server {
	s := &Server{
		config:    cfg,
		inspector: inspector,
		mcp: mcpserver.NewMCPServer("hermes", Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
		),
	}
	s.registerTools()
	s.registerResources()
	s.http = mcpserver.NewStreamableHTTPServer(s.mcp)
	return s
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http
}

// Log logs a message via the config.
func (s *Server) Log(level int, format string, args ...interface{}) {
	s.config.Log(level, format, args...)
}
