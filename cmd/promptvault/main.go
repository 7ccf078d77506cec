package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/config"
	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
	"github.com/promptvault/promptvault/internal/events/streaming"
	"github.com/promptvault/promptvault/internal/storage/api"
	"github.com/promptvault/promptvault/internal/storage/backend"
	"github.com/promptvault/promptvault/internal/storage/service"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting promptvault service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the backing store
	store, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to open backing store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Opened backing store", zap.String("backend", cfg.Storage.Backend))

	// 5. Connect the event bus. An empty NATS URL means in-process delivery.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 6. Initialize the storage facade
	svc := service.New(store, eventBus, log, service.Options{
		MaxRetries: cfg.Storage.MaxRetries,
		BaseDelay:  cfg.Storage.BaseDelay(),
		MaxDelay:   cfg.Storage.MaxDelay(),
	})

	// 7. Initialize the WebSocket hub
	hub := streaming.NewHub(log)
	if err := hub.AttachBus(eventBus); err != nil {
		log.Fatal("Failed to subscribe hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// 8. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	// 9. Register API routes
	handler := api.NewHandler(svc, hub, log)
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, handler)

	router.GET("/ws", handler.HandleWebSocket)
	router.GET("/health", handler.Health)

	// 10. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 11. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down promptvault service...")

	// 13. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain queued writes before closing the facade
	if err := svc.Flush(shutdownCtx); err != nil {
		log.Error("Write queue flush error", zap.Error(err))
	}
	svc.Close()

	cancel()

	log.Info("promptvault service stopped")
}

// openBackend constructs the backing store selected by storage.backend.
func openBackend(ctx context.Context, cfg *config.Config) (backend.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return backend.NewMemoryStore(), nil
	case config.BackendFile:
		return backend.NewFileStore(cfg.Storage.Path)
	case config.BackendSQLite:
		return backend.NewSQLiteStore(cfg.Storage.Path)
	case config.BackendPostgres:
		return backend.NewPostgresStore(ctx, cfg.Database)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
