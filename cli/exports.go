// Package cli provides the command-line interface for hermes.
// This file re-exports internal packages for embedding hermes in other programs.
package cli

import (
	"github.com/zot/hermes/internal/dispatch"
	"github.com/zot/hermes/internal/server"
	"github.com/zot/hermes/internal/storage"
)

// Re-export server types for embedding
type (
	Server = server.Server
	Hub    = dispatch.Hub
	Status = server.Status
	// Storage types for supplying a custom document store
	Source   = storage.Source
	Store    = storage.Store
	Document = storage.Document
	Mutation = storage.Mutation
	// Inspection types
	ConnInfo  = dispatch.ConnInfo
	WatchInfo = dispatch.WatchInfo
)

// Re-export constructors
var (
	NewServer        = server.New
	OpenStorage      = storage.Open
	NewMemoryStorage = storage.NewMemoryStorage
)
