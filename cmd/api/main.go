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

	"coscribe/api/internal/app"
	"coscribe/api/internal/archive"
	"coscribe/api/internal/catalog"
	"coscribe/api/internal/config"
	"coscribe/api/internal/realtime"
	"coscribe/api/internal/session"
	"coscribe/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: cfg.DBMaxConns})
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
		log.Fatalf("failed to create archive dir: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	archiveService := archive.New(cfg.ArchiveDir)
	catalogProvider := catalog.NewPostgres(dataStore)

	var sessions session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for session storage")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		log.Printf("Using PostgreSQL for session storage")
		sessions = dataStore
	}

	registry := realtime.NewRegistry(dataStore, catalogProvider, archiveService, realtime.Options{
		SaveTimeout:  cfg.SaveTimeout,
		WriteTimeout: cfg.WriteTimeout,
		CORSOrigin:   cfg.CORSOrigin,
	})

	httpServer := app.NewHTTPServer(registry, sessions, dataStore, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Coscribe sync API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// Open documents hold unsaved diffs; persist everything before exit.
	if err := registry.FlushAll(shutdownCtx); err != nil {
		log.Printf("flush error: %v", err)
	}
}
