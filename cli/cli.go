// Package cli provides the command-line interface for hermes.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/zot/hermes/internal/config"
	"github.com/zot/hermes/internal/server"
	"github.com/zot/hermes/internal/storage"
	hermesclient "github.com/zot/hermes/lib/go"
)

// Version is the hermes release.
const Version = "0.1.0"

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		return runServe(args)
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "serve":
		return runServe(cmdArgs)
	case "tail":
		return runTail(cmdArgs)
	case "help", "-h", "--help":
		printHelp(hooks)
		return 0
	case "version", "--version":
		printVersion(hooks)
		return 0
	default:
		// Check if it's a flag (starts with -)
		if len(command) > 0 && command[0] == '-' {
			return runServe(args)
		}
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printHelp(hooks)
		return 1
	}
}

func shutdownSignal() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

func runServe(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		cfg.Errorf("Failed to open %s storage: %v", cfg.Storage.Type, err)
		return 1
	}
	defer store.Close()

	srv := server.New(cfg, store)
	url, err := srv.Start(ctx)
	if err != nil {
		cfg.Errorf("Failed to start server: %v", err)
		return 1
	}
	cfg.Log(0, "Observers connect at %s (storage: %s)", url, cfg.Storage.Type)

	<-shutdownSignal()
	cfg.Log(0, "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		cfg.Errorf("Shutdown error: %v", err)
	}
	return 0
}

// runTail registers one live query and prints the matching documents as a
// JSON array every time they change.
func runTail(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if len(cfg.Args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: hermes tail [options] COLLECTION [QUERY]")
		return 1
	}
	collection := cfg.Args[0]
	var query any
	if len(cfg.Args) > 1 {
		query = cfg.Args[1]
	}

	client := hermesclient.New(cfg.Client.URL,
		hermesclient.WithLogger(cfg.Logger()),
		hermesclient.WithReconnectDelay(cfg.Client.Reconnect.Duration()),
		hermesclient.WithGreeting(cfg.Server.Greeting),
	)
	var mu sync.Mutex
	var handle hermesclient.Handle
	out := json.NewEncoder(os.Stdout)
	client.OnChange(func(changed string) {
		mu.Lock()
		defer mu.Unlock()
		if changed == collection && !handle.IsZero() {
			out.Encode(client.Get(collection, handle))
		}
	})
	client.Start()
	defer client.Close()

	sigChan := shutdownSignal()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			return 0
		case <-ticker.C:
		}
		if !client.Connected() {
			continue
		}
		h, err := client.Register(collection, query)
		if errors.Is(err, hermesclient.ErrNotConnected) {
			continue
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register: %v\n", err)
			return 1
		}
		mu.Lock()
		handle = h
		mu.Unlock()
		cfg.Log(0, "Tailing %s as %s", collection, client.ClientID())
		break
	}

	<-sigChan
	return 0
}

func printHelp(hooks *Hooks) {
	fmt.Println(`hermes: live query-scoped sync of a document store

Usage: hermes [command] [options]

Commands:
  serve           Start the hermes server (default)
  tail            Print the live view of a collection
  help            Show this help
  version         Show the version

Options:
  --config        Config file (.toml, .yaml or .yml; default config/config.toml)
  --host          Listen address (default: 0.0.0.0)
  --port          Listen port (default: 9000)
  --path          Websocket endpoint path (default: /ws)
  --storage       Storage type: memory, sqlite, postgresql, mongodb
  --storage-path  SQLite database path
  --storage-url   PostgreSQL or MongoDB connection URL
  --database      MongoDB database name
  --mcp           Serve the inspection endpoint at /mcp
  --url           Server websocket URL (tail)
  --reconnect     Delay before reconnecting (tail, default: 5s)
  --log-level     Log level: debug, info, warn, error
  --log-format    Log format: console, json
  -v, --verbose   Verbosity (-v connections, -vv messages, -vvv watches, -vvvv payloads)

Examples:
  hermes serve --storage sqlite --storage-path hermes.db -vv
  hermes serve --storage mongodb --storage-url mongodb://localhost:27017 --database app
  hermes tail users
  hermes tail users '[{"$match":{"status":"active"}},{"$sort":{"name":1}}]'`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Println("hermes v" + Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}
