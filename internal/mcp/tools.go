package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/hermes/internal/dispatch"
	"github.com/zot/hermes/internal/storage"
)

func (s *Server) registerTools() {
	s.mcp.AddTool(mcpgo.NewTool("list_connections",
		mcpgo.WithDescription("List open observer connections with their identified uid and watch count"),
	), s.listConnections)

	s.mcp.AddTool(mcpgo.NewTool("list_watches",
		mcpgo.WithDescription("List attached watches with their registration id and query pipeline"),
		mcpgo.WithString("collection", mcpgo.Description("Only list watches on this collection")),
	), s.listWatches)

	s.mcp.AddTool(mcpgo.NewTool("list_collections",
		mcpgo.WithDescription("List the collections known to the document store"),
	), s.listCollections)

	s.mcp.AddTool(mcpgo.NewTool("snapshot",
		mcpgo.WithDescription("Run a query pipeline against a collection's current state"),
		mcpgo.WithString("collection", mcpgo.Required(), mcpgo.Description("Collection name")),
		mcpgo.WithString("pipeline", mcpgo.Description("JSON array of pipeline stages, e.g. [{\"$match\":{\"status\":\"active\"}}]")),
	), s.snapshot)
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func (s *Server) listConnections(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	s.Log(2, "MCP list_connections")
	return jsonResult(s.inspector.Connections())
}

func (s *Server) listWatches(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	collection := req.GetString("collection", "")
	s.Log(2, "MCP list_watches collection=%q", collection)
	watches := s.inspector.Watches(collection)
	if watches == nil {
		watches = []dispatch.WatchInfo{}
	}
	return jsonResult(watches)
}

func (s *Server) listCollections(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	s.Log(2, "MCP list_collections")
	names, err := s.inspector.Collections(ctx)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("listing collections: %v", err)), nil
	}
	if names == nil {
		names = []string{}
	}
	return jsonResult(names)
}

func (s *Server) snapshot(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	collection, err := req.RequireString("collection")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	var pipeline storage.Pipeline
	if raw := req.GetString("pipeline", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &pipeline); err != nil {
			return mcpgo.NewToolResultError(fmt.Sprintf("pipeline must be a JSON array of stages: %v", err)), nil
		}
	}
	s.Log(2, "MCP snapshot %s (%d stages)", collection, len(pipeline))
	docs, err := s.inspector.Snapshot(ctx, collection, pipeline)
	if err != nil {
		return mcpgo.NewToolResultError(fmt.Sprintf("snapshot failed: %v", err)), nil
	}
	if docs == nil {
		docs = []storage.Document{}
	}
	return jsonResult(docs)
}
