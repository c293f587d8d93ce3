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

	"go.uber.org/zap"

	"habitquest/api/internal/app"
	"habitquest/api/internal/config"
	"habitquest/api/internal/evidence"
	"habitquest/api/internal/locker"
	"habitquest/api/internal/oracle"
	"habitquest/api/internal/proof"
	"habitquest/api/internal/search"
	"habitquest/api/internal/store"
	"habitquest/api/internal/verdict"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var evidenceStore evidence.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using MinIO for evidence storage")
		evidenceStore, err = evidence.NewMinio(ctx, evidence.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	} else {
		log.Printf("Using local disk for evidence storage")
		evidenceStore, err = evidence.NewLocal(cfg.UploadsDir)
		if err != nil {
			log.Fatalf("failed to create uploads dir: %v", err)
		}
	}

	var attemptLocker locker.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for habit locking")
		redisLocker, err := locker.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		attemptLocker = redisLocker
	} else {
		log.Printf("Using in-process habit locking")
		attemptLocker = locker.NewLocal()
	}
	defer attemptLocker.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	var judge oracle.Oracle
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		judge, err = oracle.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.OracleTimeout)
		if err != nil {
			log.Fatalf("gemini client init failed: %v", err)
		}
	} else {
		log.Printf("WARNING: GEMINI_API_KEY not set, all verification attempts will fail safely")
		judge = oracle.Disabled{}
	}

	normalizer := proof.NewNormalizer(evidenceStore)
	interpreter := verdict.NewInterpreter(judge, logger)
	service := app.NewService(dataStore, evidenceStore, normalizer, interpreter, attemptLocker, searchService, logger)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("HabitQuest API listening on %s", cfg.Addr)
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
