package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lodgefeed/export-tracker/internal/config"
	"github.com/lodgefeed/export-tracker/internal/exportapi"
	httpserver "github.com/lodgefeed/export-tracker/internal/http"
	"github.com/lodgefeed/export-tracker/internal/http/handlers"
	"github.com/lodgefeed/export-tracker/internal/kv"
	"github.com/lodgefeed/export-tracker/internal/notify"
	"github.com/lodgefeed/export-tracker/internal/observability"
	"github.com/lodgefeed/export-tracker/internal/poller"
	"github.com/lodgefeed/export-tracker/internal/service"
	"github.com/lodgefeed/export-tracker/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "[export-tracker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retention := time.Duration(cfg.JobRetentionHours) * time.Hour
	jobs, kvStore, storeCloser := setupStorage(ctx, cfg, retention, logger)
	defer storeCloser()

	apiClient := exportapi.NewClient(exportapi.ClientConfig{
		APIKey:     cfg.ExportAPIKey,
		BaseURL:    cfg.ExportAPIBaseURL,
		Timeout:    time.Duration(cfg.ExportAPITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.ExportAPIMaxRetries,
		RateLimit:  cfg.ExportAPIRateRPS,
		RateBurst:  cfg.ExportAPIRateBurst,
	})
	if !apiClient.Available() {
		logger.Printf("EXPORT_API_KEY not configured, export creation will be rejected")
	}

	dispatcher := notify.NewDispatcher(ctx, notify.Config{
		Sink:                  notify.NewLogSink(logger),
		Store:                 kvStore,
		Logger:                logger,
		CompletedDismissAfter: time.Duration(cfg.NotifyDismissMS) * time.Millisecond,
		OnDownload: func(jobID string) {
			logger.Printf("download requested job_id=%s", jobID)
		},
	})

	exports := service.NewExportsService(service.ExportsDependencies{
		API:        apiClient,
		Store:      jobs,
		Dispatcher: dispatcher,
		Logger:     logger,
		Poller: poller.Config{
			BaseInterval:  time.Duration(cfg.PollIntervalMS) * time.Millisecond,
			CacheTTL:      time.Duration(cfg.PollCacheTTLMS) * time.Millisecond,
			MaxConcurrent: cfg.PollMaxConcurrent,
			MaxFailures:   cfg.PollMaxFailures,
		},
	})
	exports.Start(ctx)
	defer exports.Close()

	observability.StartMetricsServer(cfg.MetricsAddr, logger)

	api := handlers.NewAPI(exports)
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

// setupStorage picks the job store backend: Postgres when DATABASE_URL is
// set, otherwise Redis, otherwise local SQLite, with memory as the last
// resort. The returned kv store also holds the notified-event sets.
func setupStorage(
	ctx context.Context,
	cfg config.Config,
	retention time.Duration,
	logger *log.Logger,
) (store.Jobs, kv.Store, func()) {
	kvStore, kvCloser := setupKV(ctx, cfg, logger)

	if cfg.DatabaseURL != "" {
		pgJobs, err := store.NewPostgresJobs(ctx, cfg.DatabaseURL, retention, logger)
		if err == nil {
			logger.Printf("postgres job store initialized")
			return pgJobs, kvStore, func() {
				pgJobs.Close()
				kvCloser()
			}
		}
		logger.Printf("failed to initialize postgres job store, fallback to kv: %v", err)
	}

	return store.NewKVJobs(kvStore, retention, logger), kvStore, kvCloser
}

func setupKV(ctx context.Context, cfg config.Config, logger *log.Logger) (kv.Store, func()) {
	if cfg.RedisAddr != "" {
		redisStore, err := kv.NewRedisStore(ctx, kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err == nil {
			logger.Printf("redis kv store initialized")
			return redisStore, func() { _ = redisStore.Close() }
		}
		logger.Printf("failed to initialize redis kv store, fallback to sqlite: %v", err)
	}

	if cfg.SQLitePath != "" {
		sqliteStore, err := kv.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err == nil {
			logger.Printf("sqlite kv store initialized path=%s", cfg.SQLitePath)
			return sqliteStore, func() { _ = sqliteStore.Close() }
		}
		logger.Printf("failed to initialize sqlite kv store, fallback to memory: %v", err)
	}

	logger.Printf("using in-memory kv store, job state will not survive restarts")
	return kv.NewMemoryStore(), func() {}
}
