package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classbridge/api/internal/app"
	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/config"
	"classbridge/api/internal/logger"
	"classbridge/api/internal/snapcache"
	"classbridge/api/internal/store"
)

func fatal(msg string, err error) {
	logger.Log.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogJSON)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.Pool{MaxOpen: cfg.DBMaxOpen, MaxIdle: cfg.DBMaxIdle})
	if err != nil {
		fatal("database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal("migrations failed", err)
	}
	dataStore := store.NewPostgresStore(db)

	feed, err := changefeed.NewFeedFromURL(cfg.RedisURL, cfg.SubscribeTimeout)
	if err != nil {
		fatal("redis connection failed", err)
	}
	defer feed.Close()
	if err := feed.Ping(ctx); err != nil {
		logger.Log.Warn("redis not reachable, sessions will retry", "error", err)
	}

	// Snapshots share the change feed's connection pool.
	cache := snapcache.NewRedisStoreWithClient(feed.Client(), cfg.SnapshotTTL)

	service := app.New(cfg, dataStore, feed, cache)
	defer service.Close()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Log.Info("classbridge api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("shutdown error", "error", err)
	}
}
