// Command api starts the central sync backend.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"central/api/internal/app"
	"central/api/internal/config"
	"central/api/internal/limiter"
	"central/api/internal/migrate"
	"central/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := migrate.Up(ctx, cfg.DatabaseURL); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)
	service := app.New(cfg, dataStore, logger)

	var lim limiter.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := limiter.NewRedis(cfg.RedisURL, cfg.SyncRateLimit, time.Minute)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisLimiter.Close()
		lim = redisLimiter
		logger.Info("rate limiting enabled", zap.Int("per_minute", cfg.SyncRateLimit))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, lim, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("central API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
