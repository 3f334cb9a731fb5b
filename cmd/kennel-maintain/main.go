// cmd/kennel-maintain runs the memory consolidation service: the
// decay, merge, and prune lifecycle over one or more owners, either as a
// one-shot pass or on an interval loop.
//
// Consolidation runs are serialized per owner by this process; run a
// single kennel-maintain instance against a given database.
//
// In loop mode the service watches the event files written by kennel-mcp
// and skips a tick when no memory or trajectory activity arrived since
// the previous run.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kennelworks/kennel/internal/config"
	"github.com/kennelworks/kennel/internal/embedding"
	"github.com/kennelworks/kennel/internal/engine"
	"github.com/kennelworks/kennel/internal/notify"
	"github.com/kennelworks/kennel/internal/storage/postgres"
	"github.com/kennelworks/kennel/internal/storage/sqlite"
)

var (
	configPath = flag.String("config", "", "Path to config file (optional, also honors KENNEL_CONFIG)")
	owners     = flag.String("owners", "", "Comma-separated owner IDs to consolidate (default: KENNEL_DEFAULT_OWNER or \"default\")")
	interval   = flag.Duration("interval", 0, "Run interval (overrides config)")
	once       = flag.Bool("once", false, "Run a single consolidation pass and exit")
	dryRun     = flag.Bool("dry-run", false, "Report what a run would do without mutating anything")
)

func main() {
	flag.Parse()

	log.SetOutput(os.Stderr)
	log.SetPrefix("kennel-maintain: ")
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

	eng, cleanup, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("failed to initialize: %v", err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	ownerList := resolveOwners(*owners)
	dry := *dryRun || cfg.Maintenance.DryRun

	if *once {
		runPass(ctx, eng, ownerList, dry)
		return
	}

	tick := cfg.Maintenance.Interval
	if *interval > 0 {
		tick = *interval
	}

	// Activity gate: loop ticks are skipped while the server is quiet.
	// Starts true so the first tick always runs.
	var active atomic.Bool
	active.Store(true)

	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, func(eventType, subjectID string) {
		switch eventType {
		case "memory_created", "trajectory_completed":
			active.Store(true)
		}
	})
	if err := watcher.Start(); err != nil {
		// Without the watcher every tick runs unconditionally.
		log.Printf("event watcher unavailable, consolidating every tick: %v", err)
		active.Store(true)
		watcher = nil
	} else {
		defer watcher.Stop()
	}

	log.Printf("consolidating %v every %s (dry_run=%v)", ownerList, tick, dry)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("stopped")
			return
		case <-ticker.C:
			if watcher != nil && !active.Swap(false) {
				log.Println("no activity since last run, skipping")
				continue
			}
			runPass(ctx, eng, ownerList, dry)
		}
	}
}

// runPass consolidates each owner in turn and logs the per-owner result.
func runPass(ctx context.Context, eng *engine.Engine, ownerList []string, dry bool) {
	for _, owner := range ownerList {
		if ctx.Err() != nil {
			return
		}
		result := eng.Consolidate(ctx, engine.ConsolidateOptions{
			OwnerID: owner,
			DryRun:  dry,
		})
		log.Printf("owner=%s dry_run=%v decayed=%d merged=%d pruned=%d merge_skipped=%v took=%s",
			result.OwnerID, result.DryRun, result.Decayed, result.Merged, result.Pruned,
			result.MergeSkipped, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
		for _, msg := range result.Errors {
			log.Printf("owner=%s phase error: %s", owner, msg)
		}

		health, err := eng.MemoryHealth(ctx, owner)
		if err != nil {
			log.Printf("owner=%s health check failed: %v", owner, err)
			continue
		}
		log.Printf("owner=%s total=%d low_value=%d stale=%d avg_importance=%.3f health=%.3f",
			owner, health.Total, health.LowValue, health.Stale, health.AvgImportance, health.HealthScore)
	}
}

// resolveOwners parses the -owners flag, falling back to
// KENNEL_DEFAULT_OWNER and then "default".
func resolveOwners(raw string) []string {
	if raw == "" {
		raw = os.Getenv("KENNEL_DEFAULT_OWNER")
	}
	if raw == "" {
		raw = "default"
	}
	var list []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	return list
}

// buildEngine opens the configured storage backend and embedding provider
// and assembles the engine. The returned cleanup closes the store.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	deps := engine.Deps{
		Notifier: notify.NewEventWriter(cfg.Storage.DataPath),
	}

	var cleanup func()
	switch cfg.Storage.Engine {
	case "postgres":
		store, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
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
			return nil, nil, err
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
		return nil, nil, err
	}
	if embedder == nil {
		log.Println("no embedding provider configured, merge phase disabled")
	}
	deps.Embedder = embedder

	eng, err := engine.New(deps, cfg.Engine.Resolve())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}
