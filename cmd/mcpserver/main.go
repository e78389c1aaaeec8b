package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/mcprunner/internal/config"
	"github.com/xiaot623/mcprunner/internal/dispatch"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/repository"
	"github.com/xiaot623/mcprunner/internal/runner"
	"github.com/xiaot623/mcprunner/internal/service"
	httpserver "github.com/xiaot623/mcprunner/internal/transport/http"
	"github.com/xiaot623/mcprunner/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting mcpserver...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	if cfg.RunTimeout > 0 {
		log.Printf("Run timeout: %s", cfg.RunTimeout)
	}

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize runner
	ctx := context.Background()
	verdict, err := runner.LoadVerdict(ctx, cfg.VerdictPolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize verdict policy: %v", err)
	}
	r := runner.NewHTTPRunner(cfg.RequestTimeout, verdict)

	// Initialize hub and service
	h := hub.NewHub(cfg.SendBuffer)
	svc := service.New(db, r, h, cfg)

	recovered, err := svc.RecoverInterruptedRuns(ctx)
	if err != nil {
		log.Fatalf("Failed to recover interrupted runs: %v", err)
	}
	if recovered > 0 {
		log.Printf("Marked %d interrupted runs as failed", recovered)
	}

	// Initialize dispatcher
	d := dispatch.New(h)
	ws.RegisterActions(d, svc)
	log.Printf("Registered actions: %v", d.Actions())

	wsServer := ws.NewServer(cfg, h, d)
	e := httpserver.NewServer(svc, h, d, wsServer)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		var err error
		if cfg.TLSEnabled() {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	scheme := "ws"
	if cfg.TLSEnabled() {
		scheme = "wss"
	}
	log.Printf("Server started on port %d (%s://localhost:%d/ws)", cfg.HTTPPort, scheme, cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down mcpserver...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}
	wsServer.Close()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: runs still in flight at shutdown: %v", err)
	}

	log.Println("mcpserver stopped")
}
