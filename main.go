package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"medchat/internal/api"
	"medchat/internal/auth"
	"medchat/internal/config"
	"medchat/internal/redis"
	"medchat/internal/service/ai"
	"medchat/internal/service/assistant"
	"medchat/internal/service/chat"
	"medchat/internal/storage"
	"medchat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	if gin.Mode() == gin.ReleaseMode {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	}

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	dbType := os.Getenv("MEDCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	if dbCfg, ok := cfg.Databases[dbType]; ok && dbType == "sqlite3" && dbCfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbCfg.DSN), 0o755); err != nil {
			slog.Error("create database directory", "err", err)
			os.Exit(1)
		}
	}
	slog.Info("opening database", "type", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		slog.Error("migrate database", "err", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			slog.Warn("redis unavailable, continuing without it", "err", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := ai.NewProvider(ctx, cfg.Provider, slog.Default())
	if !ai.Available(provider) {
		slog.Warn("AI model unavailable, chats will receive the unavailable marker", "provider", cfg.Provider.Name)
	}

	messages := storage.NewMessageStore(db)
	assistantService := assistant.NewService(db, messages, slog.Default())
	assistantService.StartUploadCleaner(ctx, cfg.UploadRetention(), assistant.DefaultUploadCleanupInterval)

	var (
		reporter chat.Reporter = chat.NewLogReporter(slog.Default())
		cache    chat.HistoryCache
		revoked  auth.RevocationStore
		limiter  gin.HandlerFunc
	)
	if rdb != nil {
		reporter = chat.MultiReporter{reporter, chat.NewPublishReporter(rdb, slog.Default())}
		cache = redis.NewHistoryCache(rdb, cfg.CacheTTL(), slog.Default())
		revoked = rdb
		limiter = api.RateLimit(rdb, cfg.BasicConfig.RateLimitQPS, slog.Default())
	}

	chatService := chat.NewService(messages, ai.NewStreamAdapter(provider, slog.Default()), chat.Options{
		HistoryLimit:     cfg.BasicConfig.HistoryLimit,
		MaxResponseBytes: cfg.BasicConfig.MaxResponseBytes,
		StreamTimeout:    cfg.StreamTimeout(),
		Cache:            cache,
		Reporter:         reporter,
		Titles:           assistant.NewTitleGenerator(provider, slog.Default()),
		TitleStore:       assistantService,
		Logger:           slog.Default(),
	})
	manager := worker.NewManager(chatService, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.WorkerIdleTimeout(),
	}, slog.Default())

	authService := auth.NewService(cfg.BasicConfig.JWTSecret, cfg.TokenTTL(), revoked, slog.Default())
	handlers := api.NewHandler(assistantService, authService, chatService, manager, limiter, cfg.BasicConfig.UploadDir, slog.Default())
	router := api.NewRouter(handlers, cfg.BasicConfig.FrontendURL)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":5001"
	}
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	manager.Close()
	chatService.Close()
}
