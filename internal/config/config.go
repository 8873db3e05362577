// Package config handles configuration loading from CLI flags, environment variables, and TOML/YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when --config is not given. A missing file is not an error.
const DefaultConfigPath = "config/config.toml"

// Config holds all configuration settings for the hermes server and its observers.
type Config struct {
	Server    ServerConfig        `toml:"server" yaml:"server"`
	Storage   StorageConfig       `toml:"storage" yaml:"storage"`
	Feed      FeedConfig          `toml:"feed" yaml:"feed"`
	Whitelist map[string][]string `toml:"whitelist" yaml:"whitelist"`
	Client    ClientConfig        `toml:"client" yaml:"client"`
	MCP       MCPConfig           `toml:"mcp" yaml:"mcp"`
	Logging   LoggingConfig       `toml:"logging" yaml:"logging"`

	// Args holds positional arguments left after flag parsing.
	Args []string `toml:"-" yaml:"-"`
	// File is the config file that was loaded, empty when none was found.
	File string `toml:"-" yaml:"-"`

	whitelistMu sync.RWMutex

	logger     *zap.SugaredLogger
	loggerOnce sync.Once
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Path     string `toml:"path" yaml:"path"`         // websocket endpoint path
	Greeting string `toml:"greeting" yaml:"greeting"` // sentinel frame sent before identify
}

// StorageConfig selects the document store the change feed is read from.
type StorageConfig struct {
	Type     string `toml:"type" yaml:"type"`         // "memory", "sqlite", "postgresql", "mongodb"
	Path     string `toml:"path" yaml:"path"`         // SQLite file path
	URL      string `toml:"url" yaml:"url"`           // PostgreSQL or MongoDB connection URL
	Database string `toml:"database" yaml:"database"` // MongoDB database name
}

// FeedConfig scopes the shared upstream change feed.
type FeedConfig struct {
	Operations []string `toml:"operations" yaml:"operations"`
}

// ClientConfig holds observer-side settings used by the tail command.
type ClientConfig struct {
	URL       string   `toml:"url" yaml:"url"`
	Reconnect Duration `toml:"reconnect" yaml:"reconnect"`
}

// MCPConfig toggles the inspection endpoint.
type MCPConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level" yaml:"level"`         // "debug", "info", "warn", "error"
	Format    string `toml:"format" yaml:"format"`       // "console" or "json"
	Verbosity int    `toml:"verbosity" yaml:"verbosity"` // 0=lifecycle, 1=connections, 2=messages, 3=watches, 4=payloads
}

// Duration is a time.Duration that can be unmarshaled from TOML and YAML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// UnmarshalYAML decodes a duration string such as "5s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     9000,
			Path:     "/ws",
			Greeting: "hermes",
		},
		Storage: StorageConfig{
			Type:     "memory",
			Path:     "hermes.db",
			Database: "hermes",
		},
		Feed: FeedConfig{
			Operations: []string{"insert", "update", "delete", "replace"},
		},
		Whitelist: map[string][]string{},
		Client: ClientConfig{
			URL:       "ws://localhost:9000/ws",
			Reconnect: Duration(5 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from CLI flags, environment variables, and the config file.
// Priority: CLI flags > env vars > config file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := pflag.NewFlagSet("hermes", pflag.ContinueOnError)
	configPath := fs.String("config", "", "Config file (.toml, .yaml or .yml)")

	host := fs.String("host", "", "Listen address")
	port := fs.Int("port", 0, "Listen port")
	path := fs.String("path", "", "Websocket endpoint path")

	storage := fs.String("storage", "", "Storage type: memory, sqlite, postgresql, mongodb")
	storagePath := fs.String("storage-path", "", "SQLite database path")
	storageURL := fs.String("storage-url", "", "PostgreSQL or MongoDB connection URL")
	database := fs.String("database", "", "MongoDB database name")

	url := fs.String("url", "", "Server websocket URL (tail)")
	reconnect := fs.Duration("reconnect", 0, "Delay before reconnecting (tail)")

	mcpEnabled := fs.Bool("mcp", false, "Serve the inspection endpoint at /mcp")

	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: console, json")
	verbosity := fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	file := *configPath
	if file == "" {
		file = DefaultConfigPath
	}
	if err := cfg.loadFile(file); err != nil {
		if !os.IsNotExist(err) || *configPath != "" {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
	} else {
		cfg.File = file
	}

	cfg.applyEnv()

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *path != "" {
		cfg.Server.Path = *path
	}
	if *storage != "" {
		cfg.Storage.Type = *storage
	}
	if *storagePath != "" {
		cfg.Storage.Path = *storagePath
	}
	if *storageURL != "" {
		cfg.Storage.URL = *storageURL
	}
	if *database != "" {
		cfg.Storage.Database = *database
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	if *reconnect != 0 {
		cfg.Client.Reconnect = Duration(*reconnect)
	}
	if fs.Changed("mcp") {
		cfg.MCP.Enabled = *mcpEnabled
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *verbosity > 0 {
		cfg.Logging.Verbosity = *verbosity
	}

	cfg.Args = fs.Args()

	return cfg, cfg.Validate()
}

// loadFile decodes a TOML or YAML file over the current values.
func (c *Config) loadFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, c)
	default:
		_, err := toml.DecodeFile(path, c)
		return err
	}
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("HERMES_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("HERMES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("HERMES_PATH"); v != "" {
		c.Server.Path = v
	}
	if v := os.Getenv("HERMES_STORAGE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("HERMES_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("HERMES_STORAGE_URL"); v != "" {
		c.Storage.URL = v
	}
	if v := os.Getenv("HERMES_DATABASE"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("HERMES_URL"); v != "" {
		c.Client.URL = v
	}
	if v := os.Getenv("HERMES_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HERMES_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite", "postgresql", "mongodb":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if (c.Storage.Type == "postgresql" || c.Storage.Type == "mongodb") && c.Storage.URL == "" {
		return fmt.Errorf("storage type %s requires a url", c.Storage.Type)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server path must start with '/': %q", c.Server.Path)
	}
	if c.Server.Greeting == "" || strings.HasPrefix(strings.TrimSpace(c.Server.Greeting), "{") {
		return fmt.Errorf("greeting must be a non-JSON sentinel: %q", c.Server.Greeting)
	}
	return nil
}

// Verbosity returns the configured verbosity level (0-4).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}

// Whitelisted returns the allowed field paths for a collection, or nil when unrestricted.
func (c *Config) Whitelisted(collection string) []string {
	c.whitelistMu.RLock()
	defer c.whitelistMu.RUnlock()
	return c.Whitelist[collection]
}

// SetWhitelist replaces every collection's whitelist. Watches created
// afterwards use the new paths.
func (c *Config) SetWhitelist(w map[string][]string) {
	if w == nil {
		w = map[string][]string{}
	}
	c.whitelistMu.Lock()
	c.Whitelist = w
	c.whitelistMu.Unlock()
}
