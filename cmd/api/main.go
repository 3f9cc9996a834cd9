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

	"github.com/noa10/mataresit-app-sub010/internal/app"
	"github.com/noa10/mataresit-app-sub010/internal/background"
	"github.com/noa10/mataresit-app-sub010/internal/config"
	"github.com/noa10/mataresit-app-sub010/internal/export"
	"github.com/noa10/mataresit-app-sub010/internal/imagestore"
	"github.com/noa10/mataresit-app-sub010/internal/search"
	"github.com/noa10/mataresit-app-sub010/internal/searchcache"
	"github.com/noa10/mataresit-app-sub010/internal/store"
)

func main() {
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

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	searchService.ReindexAllFromPG(ctx)

	cache, err := searchcache.New(cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer cache.Close()

	var images *imagestore.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		images, err = imagestore.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	} else {
		log.Printf("MinIO not configured, receipt images disabled")
	}

	orchestrator := background.New(background.Config{
		MaxConcurrent:      cfg.MaxConcurrentSearches,
		MaxQueueSize:       cfg.MaxQueueSize,
		SearchTimeout:      cfg.SearchTimeout,
		RetryDelay:         cfg.RetryDelay,
		MaxRetries:         cfg.MaxRetries,
		PriorityBoostAfter: cfg.PriorityBoostAfter,
	}, cache, searchService)
	defer orchestrator.Close()

	exporter := export.NewService(dataStore)

	var service *app.Service
	if images != nil {
		service = app.NewService(dataStore, images, searchService, cache, exporter, orchestrator)
	} else {
		service = app.NewService(dataStore, nil, searchService, cache, exporter, orchestrator)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Mataresit API listening on %s", cfg.Addr)
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
