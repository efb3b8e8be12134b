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

	"github.com/joho/godotenv"

	"syncroom/internal/ability"
	"syncroom/internal/app"
	"syncroom/internal/config"
	"syncroom/internal/presence"
	"syncroom/internal/store"
)

const compactInterval = 10 * time.Minute
const compactThreshold = 500

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARNING: could not read .env: %v", err)
	}
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	var archive *store.Archive
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archive, err = store.NewArchive(cfg.ArchiveEndpoint, cfg.ArchiveAccessKey, cfg.ArchiveSecretKey, cfg.ArchiveBucket, cfg.ArchiveUseSSL)
		if err != nil {
			log.Fatalf("snapshot archive init failed: %v", err)
		}
		log.Printf("Archiving snapshots to %s/%s", cfg.ArchiveEndpoint, cfg.ArchiveBucket)
	} else {
		log.Printf("Snapshot archival disabled (no archive endpoint configured)")
	}
	docs := store.NewDocuments(db, archive)

	pres, err := presence.NewStore(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer pres.Close()

	abilities := ability.NewClient(cfg.AbilityBaseURL, cfg.AbilityTimeout)

	service := app.New(cfg, docs, pres, abilities)
	if err := service.Ping(ctx); err != nil {
		log.Printf("WARNING: backing services not ready (will report via /api/ready): %v", err)
	}

	// Fold committed update logs back into snapshots in the background.
	compactCtx, stopCompact := context.WithCancel(ctx)
	defer stopCompact()
	go func() {
		ticker := time.NewTicker(compactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-compactCtx.Done():
				return
			case <-ticker.C:
				n, err := docs.Compact(compactCtx, compactThreshold)
				if err != nil {
					log.Printf("WARNING: compaction error: %v", err)
				} else if n > 0 {
					log.Printf("Compacted %d document update logs", n)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Live sessions and event streams outlive any sane write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Syncroom listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
