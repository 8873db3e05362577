// Package cli provides the command-line interface for hermes.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/hermes/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	ServerConfig  = config.ServerConfig
	StorageConfig = config.StorageConfig
	FeedConfig    = config.FeedConfig
	ClientConfig  = config.ClientConfig
	MCPConfig     = config.MCPConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
)
