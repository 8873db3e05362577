package mcp

import (
	"context"
	"encoding/json"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// StatusURI is the resource reporting connection and watch counts.
const StatusURI = "hermes://status"

// Status is the content of the status resource.
type Status struct {
	Connections int `json:"connections"`
	Watches     int `json:"watches"`
}

func (s *Server) registerResources() {
	s.mcp.AddResource(mcpgo.NewResource(StatusURI, "Status",
		mcpgo.WithResourceDescription("Open connections and attached watches"),
		mcpgo.WithMIMEType("application/json"),
	), s.readStatus)
}

func (s *Server) status() Status {
	conns, watches := s.inspector.Stats()
	return Status{Connections: conns, Watches: watches}
}

func (s *Server) readStatus(ctx context.Context, req mcpgo.ReadResourceRequest) ([]mcpgo.ResourceContents, error) {
	data, err := json.Marshal(s.status())
	if err != nil {
		return nil, err
	}
	return []mcpgo.ResourceContents{
		mcpgo.TextResourceContents{
			URI:      StatusURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
