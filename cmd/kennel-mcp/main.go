// cmd/kennel-mcp is the entry point for the Kennel MCP (Model Context
// Protocol) server. It wires the configured storage backend and embedding
// provider into the memory engine and exposes the engine's operations as
// MCP tools over stdin/stdout.
//
// Startup sequence:
//  1. Load configuration (defaults, optional YAML file, KENNEL_ env vars).
//  2. Open the storage backend (sqlite or postgres) and apply the schema.
//  3. Build the embedding provider; "none" runs lexical-only.
//  4. Assemble the engine with a file-based event notifier.
//  5. Serve JSON-RPC 2.0 requests from stdin, writing responses to stdout.
//
// CRITICAL: ALL logging MUST go to stderr. Any bytes written to stdout
// that are not valid JSON-RPC 2.0 response frames will corrupt the
// protocol.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kennelworks/kennel/internal/api/mcp"
	"github.com/kennelworks/kennel/internal/config"
	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/engine"
	"github.com/kennelworks/kennel/internal/notify"
	"github.com/kennelworks/kennel/internal/storage/postgres"
	"github.com/kennelworks/kennel/internal/storage/sqlite"
)

var configPath = flag.String("config", "", "Path to config file (optional, also honors KENNEL_CONFIG)")

func main() {
	flag.Parse()

	// Redirect the default logger to stderr so that any incidental log
	// calls from imported packages never pollute the stdout JSON-RPC
	// stream.
	log.SetOutput(os.Stderr)
	log.SetPrefix("kennel-mcp: ")
	log.SetFlags(log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
		log.Fatalf("failed to create data directory %q: %v", cfg.Storage.DataPath, err)
	}

	deps, cleanup, err := buildDeps(cfg)
	if err != nil {
		log.Fatalf("failed to initialize storage: %v", err)
	}
	defer cleanup()

	eng, err := engine.New(deps, cfg.Engine.Resolve())
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	// Root context cancelled on SIGINT / SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	// KENNEL_DEFAULT_OWNER pins the owner used when a tool call carries no
	// owner_id. Useful for single-user installs.
	var srvOpts []mcp.ServerOption
	if owner := os.Getenv("KENNEL_DEFAULT_OWNER"); owner != "" {
		log.Printf("default owner: %s", owner)
		srvOpts = append(srvOpts, mcp.WithDefaultOwner(owner))
	}
	srv := mcp.NewServer(eng, srvOpts...)

	transport := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout)

	log.Printf("ready, serving JSON-RPC 2.0 on stdin/stdout (storage=%s, embedding=%s)",
		cfg.Storage.Engine, cfg.Embedding.Provider)

	if err := transport.Serve(ctx); err != nil {
		// Context cancellation or a fatal stdin/stdout problem. Either way
		// it is informational only at this point.
		log.Printf("transport stopped: %v", err)
	}
}

// buildDeps opens the configured storage backend and embedding provider
// and assembles the engine's dependencies. The returned cleanup closes
// the underlying store.
func buildDeps(cfg *config.Config) (engine.Deps, func(), error) {
	deps := engine.Deps{
		Notifier: notify.NewEventWriter(cfg.Storage.DataPath),
	}

	var cleanup func()
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return engine.Deps{}, nil, err
		}
		deps.Memories = store.Memories()
		deps.Decisions = store.Decisions()
		deps.Lessons = store.Lessons()
		deps.Trajectories = store.Trajectories()
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Printf("store close error: %v", err)
			}
		}
	default:
		dbPath := filepath.Join(cfg.Storage.DataPath, "kennel.db")
		store, err := sqlite.Open(dbPath)
		if err != nil {
			return engine.Deps{}, nil, err
		}
		deps.Memories = store.Memories()
		deps.Decisions = store.Decisions()
		deps.Lessons = store.Lessons()
		deps.Trajectories = store.Trajectories()
		cleanup = func() {
			if err := store.Close(); err != nil {
				log.Printf("store close error: %v", err)
			}
		}
	}

	embedder, err := embedding.New(embedding.FactoryConfig{
		Provider:          cfg.Embedding.Provider,
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		APIKey:            cfg.Embedding.APIKey,
		Timeout:           time.Duration(cfg.Embedding.TimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	})
	if err != nil {
		cleanup()
		return engine.Deps{}, nil, err
	}
	if embedder == nil {
		log.Println("no embedding provider configured, running lexical-only")
	}
	deps.Embedder = embedder

	return deps, cleanup, nil
}
