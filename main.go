package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"slackrelay/internal/access"
	"slackrelay/internal/api"
	"slackrelay/internal/config"
	"slackrelay/internal/conversation"
	"slackrelay/internal/dedupe"
	"slackrelay/internal/notify"
	"slackrelay/internal/provider"
	"slackrelay/internal/redis"
	"slackrelay/internal/session"
	"slackrelay/internal/storage"
	"slackrelay/internal/transcript"
	"slackrelay/internal/webhook"
	"slackrelay/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfgPath := os.Getenv("RELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.BasicConfig.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seen, closeSeen, err := newMarker(cfg)
	if err != nil {
		return err
	}
	defer closeSeen()

	var archive transcript.Recorder
	if cfg.Archive.Driver != "" {
		db, err := openArchive(cfg.Archive)
		if err != nil {
			return err
		}
		defer db.Close()
		archive = transcript.NewArchive(db)
	}

	store := session.NewStore()
	environments := make(map[string]*conversation.Environment, len(cfg.Environments))
	for _, name := range cfg.EnvironmentNames() {
		env, closeEnv, err := buildEnvironment(ctx, cfg, name, archive)
		if err != nil {
			return err
		}
		defer closeEnv()
		environments[name] = env
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.WorkerIdleTimeout(),
	}, logger)
	defer dispatcher.Close()

	handlers := api.NewHandler(
		webhook.NewGate(seen, logger),
		conversation.New(store, cfg.BasicConfig.FlushThreshold, logger),
		dispatcher,
		store,
		environments,
		cfg.BasicConfig.DefaultEnvironment,
		logger,
	)

	if cfg.BasicConfig.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relay",
			"addr", server.Addr,
			"environments", cfg.EnvironmentNames(),
			"default_environment", cfg.BasicConfig.DefaultEnvironment,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildEnvironment(ctx context.Context, cfg *config.Config, name string, archive transcript.Recorder) (*conversation.Environment, func(), error) {
	settings, err := cfg.Resolve(name)
	if err != nil {
		return nil, nil, err
	}
	if settings.PlatformAPIKey == "" {
		slog.Warn("slack token is empty", "env", name)
	}

	chatModel, err := provider.NewChatModel(ctx, settings.Provider, settings.ProviderConfig, settings.ModelAPIKey, settings.Model)
	if err != nil {
		return nil, nil, err
	}

	fileLog, err := transcript.OpenFileLog(settings.LoggingPath)
	if err != nil {
		return nil, nil, err
	}
	var recorder transcript.Recorder = fileLog
	if archive != nil {
		recorder = transcript.Multi{fileLog, archive}
	}

	env := &conversation.Environment{
		Name:     name,
		Mindset:  settings.Mindset,
		Access:   access.NewGate(settings.Users, settings.BotID),
		Sink:     notify.NewSlackSink(settings.PlatformAPIKey),
		Model:    provider.NewClient(chatModel, settings.ProviderConfig.Timeout()),
		Recorder: recorder,
	}
	return env, func() { fileLog.Close() }, nil
}

func newMarker(cfg *config.Config) (dedupe.Marker, func(), error) {
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return dedupe.NewRedisMarker(rdb, cfg.DedupeTTL()), func() { rdb.Close() }, nil
	}
	cache := dedupe.New(cfg.DedupeTTL(), cfg.BasicConfig.DedupeSize)
	return cache, cache.Close, nil
}

func openArchive(cfg config.ArchiveConfig) (*sql.DB, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setupLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
