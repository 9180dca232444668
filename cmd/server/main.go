package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coedit/server/internal/app"
	"coedit/server/internal/config"
	"coedit/server/internal/doc"
	"coedit/server/internal/relay"
	"coedit/server/internal/session"
	"coedit/server/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration invalid: %v", err)
	}
	ctx := context.Background()

	var st store.Store
	if cfg.DatabaseURL != "" {
		log.Printf("Using Postgres for document storage")
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL, cfg.SnapshotKeep)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
	} else {
		log.Printf("Using %s for document storage", cfg.DataDir)
		st, err = store.NewFileStore(cfg.DataDir, cfg.SnapshotKeep)
		if err != nil {
			log.Fatalf("data dir unusable: %v", err)
		}
	}
	defer st.Close()

	var rl doc.Relay
	if cfg.RedisURL != "" {
		r, err := relay.New(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer r.Close()
		log.Printf("Relaying updates through redis as instance %s", r.Instance())
		rl = r
	}

	service := app.New(cfg, st, rl)
	registry := session.NewRegistry(service, cfg.ProbeInterval)
	registry.Start()

	httpServer := app.NewHTTPServer(service, registry)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("coedit server listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Force exit if the flush stalls past the grace period.
	forced := time.AfterFunc(cfg.ShutdownGrace+5*time.Second, func() {
		log.Printf("shutdown stalled, forcing exit")
		os.Exit(1)
	})
	defer forced.Stop()

	registry.Stop()
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown flush error: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
