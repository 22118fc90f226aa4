package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"loom/collab/internal/config"
	"loom/collab/internal/relay"
)

func main() {
	cfg := config.Load()

	var bridge *relay.Bridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis fan-out across relay instances")
		b, err := relay.NewBridge(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer b.Close()
		bridge = b
	}

	srv := relay.NewServer(relay.Options{
		JWTSecret: []byte(cfg.JWTSecret),
		Bridge:    bridge,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Loom relay listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
