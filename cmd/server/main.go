package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notesync/internal/api"
	"notesync/internal/bridge"
	"notesync/internal/clock"
	"notesync/internal/config"
	"notesync/internal/db"
	"notesync/internal/persistence"
	"notesync/internal/repository"
	"notesync/internal/services/collaboration"
	"notesync/internal/telemetry"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN

Startup wires storage → persister → bridge → registry → HTTP.
Shutdown runs the other way, all inside SHUTDOWN_TIMEOUT:
1. Stop accepting new connections
2. Close every session with "going away" so clients reconnect elsewhere
3. Flush pending snapshot saves
4. Close the replication bridge
*/

func main() {
	log.Println("🚀 Starting notesync collaboration server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	if cfg.TracingEnabled {
		jaegerShutdown, err := telemetry.InitJaeger("notesync", cfg.JaegerEndpoint, cfg.TracingSampleRatio)
		if err != nil {
			log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
				}
			}()
		}
	}

	store, closeDB, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open snapshot store: %v", err)
	}
	defer closeDB()

	// Learning: saves run on a worker pool so edits never wait on storage
	persister := persistence.NewPersister(store, clock.Real(), persistence.PersisterConfig{
		Debounce: cfg.PersistDebounce,
		Workers:  cfg.PersistWorkers,
	})
	persister.Start()

	repl := openBridge(cfg)

	registry := collaboration.NewRegistry(collaboration.Options{
		GracePeriod:      cfg.RoomGracePeriod,
		AwarenessTimeout: cfg.AwarenessTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Clock:            clock.Real(),
		Persister:        persister,
		Bridge:           repl,
	})
	if err := registry.Start(); err != nil {
		log.Fatalf("❌ Failed to start room registry: %v", err)
	}

	wsHandler := collaboration.NewWebSocketHandler(registry)
	handler := api.NewHandler(registry, persister, repl, wsHandler)
	router := api.SetupRoutes(handler)

	addr := cfg.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /health                  - Liveness and counts")
		log.Printf("   GET    /metrics                 - Prometheus metrics")
		log.Printf("   GET    /api/rooms               - List open rooms")
		log.Printf("   GET    /api/rooms/:room         - Render a room's document")
		log.Printf("   WS     /ws/:room, /ws?room=     - Collaboration socket")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Hard stop if a step hangs past the budget.
	hardStop := time.AfterFunc(cfg.ShutdownTimeout+time.Second, func() {
		log.Println("❌ Shutdown timed out, exiting")
		os.Exit(1)
	})
	defer hardStop.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by the HTTP server,
	// so this only stops the listener and finishes plain requests.
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	if err := registry.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Sessions did not close in time: %v", err)
	}
	if err := persister.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Snapshot flush incomplete: %v", err)
	}
	if err := repl.Close(); err != nil {
		log.Printf("⚠️  Failed to close replication bridge: %v", err)
	}

	log.Println("✓ Server shutdown complete")
}

// openStore builds the configured snapshot backend. The returned cleanup
// closes anything the store does not own.
func openStore(cfg *config.Config) (persistence.Store, func(), error) {
	var (
		store   persistence.Store
		cleanup = func() {}
	)

	switch cfg.StorageBackend {
	case config.BackendPostgres:
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, err
		}
		store = repository.NewSnapshotRepository(database.DB)
		cleanup = func() {
			if err := database.Close(); err != nil {
				log.Printf("⚠️  Failed to close database: %v", err)
			}
		}
	case config.BackendBolt:
		bs, err := persistence.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		store = bs
	case config.BackendMemory:
		log.Println("⚠️  Using in-memory snapshots; documents are lost on restart")
		store = persistence.NewMemoryStore()
	default:
		return nil, nil, errors.New("unknown storage backend " + cfg.StorageBackend)
	}

	if cfg.SnapshotCompression {
		compressed, err := persistence.NewCompressed(store)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		store = compressed
	}
	log.Printf("✓ Snapshot store ready (%s, compression %v)", cfg.StorageBackend, cfg.SnapshotCompression)
	return store, cleanup, nil
}

// openBridge connects the Redis replication bridge, or returns a no-op
// bridge when replication is off. An unreachable Redis is not fatal; the
// subscriber keeps retrying in the background.
func openBridge(cfg *config.Config) bridge.Bridge {
	if !cfg.BridgeEnabled {
		log.Println("  Replication bridge disabled (single instance)")
		return bridge.Noop{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("⚠️  Redis at %s unreachable: %v (will keep retrying)", cfg.RedisAddr, err)
	} else {
		log.Printf("✓ Connected to Redis at %s", cfg.RedisAddr)
	}
	return bridge.NewRedis(client, cfg.BridgeChannelPrefix, 1024)
}
