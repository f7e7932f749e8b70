package main

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scriptdesk/api/db"
	"scriptdesk/api/internal/app"
	"scriptdesk/api/internal/config"
	"scriptdesk/api/internal/drafts"
	"scriptdesk/api/internal/export"
	"scriptdesk/api/internal/logger"
	"scriptdesk/api/internal/script"
	"scriptdesk/api/internal/search"
	"scriptdesk/api/internal/snapshot"
	"scriptdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	opts := app.Options{
		Logger:    log,
		Debounce:  cfg.SaveDebounce,
		UndoLimit: cfg.UndoLimit,
	}

	var remote script.Remote
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		conn, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("database connection failed", "err", err)
		}
		defer conn.Close()

		var migrations fs.FS = db.Migrations
		dir := "migrations"
		if strings.TrimSpace(cfg.MigrationsDir) != "" {
			migrations, dir = os.DirFS(cfg.MigrationsDir), "."
		}
		if err := store.ApplyMigrations(ctx, conn, migrations, dir); err != nil {
			log.Fatal("migrations failed", "err", err)
		}
		remote = store.NewPostgresStore(conn)
		opts.PgFTS = search.NewPgFTS(conn)
	} else {
		log.Warn("DATABASE_URL is not set; using the in-memory store")
		remote = store.NewMemoryStore()
	}
	opts.Remote = remote

	if strings.TrimSpace(cfg.RedisURL) != "" {
		draftStore, err := drafts.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", "err", err)
		}
		defer draftStore.Close()
		opts.Drafts = draftStore
		log.Info("mirroring unsaved edits to redis")
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meili.Close()
		opts.Meili = meili
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := export.NewMinioStore(ctx, export.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal("object storage connection failed", "err", err)
		}
		opts.Exports = export.NewService(objects, log)
	}

	if strings.TrimSpace(cfg.ReposDir) != "" {
		if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
			log.Fatal("failed to create repos dir", "err", err)
		}
		opts.Snapshots = snapshot.New(cfg.ReposDir)
	}

	service := app.New(opts)
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
		log.Info("ScriptDesk API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Error("unsaved edits remained at shutdown", "err", err)
	}
}
