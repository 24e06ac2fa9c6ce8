// Package main provides the broker server executable with HTTP API and
// background dispatcher.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/coregx/broker"
	"github.com/coregx/broker/adapters/relica"
	"github.com/coregx/broker/cmd/broker-server/internal/api"
	"github.com/coregx/broker/cmd/broker-server/internal/config"
	"github.com/coregx/broker/model"
)

// SimpleLogger implements broker.Logger for standard logging.
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[DEBUG] "+format, args...)
}
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("[INFO] "+format, args...)
}
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[WARN] "+format, args...)
}
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[ERROR] "+format, args...)
}
func (l *SimpleLogger) Info(message string) {
	log.Printf("[INFO] %s", message)
}

func main() {
	log.Println("🚀 Starting Broker Server v0.1.0...")

	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("📝 Configuration loaded:")
	log.Printf("   Server: %s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("   Queue capacity: %d", cfg.Broker.QueueCapacity)
	log.Printf("   History depth: %d", cfg.Broker.MaxHistoryEntries)
	log.Printf("   Dispatch interval: %dms", cfg.Broker.DispatchIntervalMs)
	log.Printf("   Persistence: %v", cfg.Broker.EnablePersistence)

	logger := &SimpleLogger{}

	// Assemble broker options
	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithQueueCapacity(cfg.Broker.QueueCapacity),
		broker.WithDefaultTopicConfig(model.TopicConfig{
			MaxHistoryEntries: cfg.Broker.MaxHistoryEntries,
			DestroyDelay:      time.Duration(cfg.Broker.DestroyDelaySeconds) * time.Second,
		}),
	}
	if cfg.Broker.EnableNotifications {
		opts = append(opts, broker.WithNotifications(broker.NewLoggingNotificationService(logger)))
	}

	// Connect to database when persistence is enabled
	if cfg.Broker.EnablePersistence {
		db, err := sql.Open(cfg.Database.Driver, cfg.Database.GetDSN())
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Printf("Failed to close database: %v", closeErr)
			}
		}()
		if err := db.Ping(); err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		log.Println("✅ Database connection established")

		opts = append(opts, broker.WithPersistentStore(
			relica.NewPersistentStoreWithPrefix(db, cfg.Database.Driver, cfg.Database.Prefix)))
	}

	// Create the broker
	b, err := broker.New(opts...)
	if err != nil {
		log.Fatalf("Failed to create broker: %v", err)
	}
	log.Println("✅ Broker created")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recover durable topics
	if cfg.Broker.EnablePersistence {
		recovered, err := b.RecoverPersistentTopics(ctx)
		if err != nil {
			log.Fatalf("Failed to recover persistent topics: %v", err)
		}
		log.Printf("✅ Recovered %d persistent topics", recovered)
	}

	// Create the webhook gateway and dispatcher
	gateway := api.NewWebhookGateway()
	dispatcher, err := broker.NewDispatcher(
		broker.WithDispatcherBroker(b),
		broker.WithDispatcherGateway(gateway),
		broker.WithDispatcherLogger(logger),
		broker.WithDispatcherInterval(time.Duration(cfg.Broker.DispatchIntervalMs)*time.Millisecond),
	)
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	go func() {
		log.Printf("🔄 Starting dispatcher (interval: %dms)...", cfg.Broker.DispatchIntervalMs)
		dispatcher.Run(ctx)
	}()

	// Create API handler
	handler := api.NewHandler(b, gateway, logger)

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/publish", handler.HandlePublish)
	mux.HandleFunc("/api/v1/subscribe", handler.HandleSubscribe)
	mux.HandleFunc("/api/v1/subscriptions/", handler.HandleUnsubscribe) // Note trailing slash for :id
	mux.HandleFunc("/api/v1/messages", handler.HandleGet)
	mux.HandleFunc("/api/v1/erase", handler.HandleErase)
	mux.HandleFunc("/api/v1/disconnect", handler.HandleDisconnect)
	mux.HandleFunc("/api/v1/admin/dump", handler.HandleDump)
	mux.HandleFunc("/api/v1/health", handler.HandleHealth)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("🌐 HTTP server listening on %s", addr)
		log.Println("📡 API Endpoints:")
		log.Println("   POST   /api/v1/publish")
		log.Println("   POST   /api/v1/subscribe")
		log.Println("   DELETE /api/v1/subscriptions/:id")
		log.Println("   GET    /api/v1/messages")
		log.Println("   POST   /api/v1/erase")
		log.Println("   POST   /api/v1/disconnect")
		log.Println("   GET    /api/v1/admin/dump")
		log.Println("   GET    /api/v1/health")
		log.Println()
		log.Println("✅ Broker Server is ready!")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	cancel() // Stop dispatcher
	if err := b.Close(shutdownCtx); err != nil {
		log.Printf("Broker close failed: %v", err)
	}
	log.Println("✅ Server stopped gracefully")
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler, logger broker.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Infof("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s - %v", r.Method, r.URL.Path, time.Since(start))
	})
}
