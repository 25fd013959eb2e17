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

	"draftroom/collab/db/migrations"
	"draftroom/collab/internal/app"
	"draftroom/collab/internal/config"
	"draftroom/collab/internal/notify"
	"draftroom/collab/internal/realtime"
	"draftroom/collab/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, migrations.Files); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var bus *notify.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err = notify.NewBus(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer bus.Close()
		log.Printf("Publishing page updates via Redis")
	} else {
		log.Printf("Redis not configured; page update notifications disabled")
	}

	hub := realtime.NewHub(cfg.RoomPrefix, dataStore)
	service := app.New(cfg, dataStore, bus, hub)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	mux := http.NewServeMux()
	mux.Handle("/socket", hub)
	mux.Handle("/", httpServer.Handler())

	// No global read/write timeouts: /socket holds long-lived websocket
	// connections.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Collab API listening on %s", cfg.Addr)
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
