// Package main is the entry point for the scoutcore API server.
//
// This server exposes the HTTP surface over §6's eight public
// operations, plus monitoring control and health/metrics endpoints.
// The server is designed for production operation with:
//
// - Graceful shutdown on SIGTERM/SIGINT
// - Health and readiness endpoints for load balancers
// - Prometheus metrics endpoint for monitoring
// - Structured logging with log levels
//
// The server initializes the credit ledger, artifact cache, browser
// pool, request pipeline, error log, and monitoring engine, then
// serves HTTP until a shutdown signal arrives.
//
// Configuration is via environment variables (12-factor app pattern).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/corvidlabs/scoutcore/internal/auth"
	"github.com/corvidlabs/scoutcore/internal/browser"
	"github.com/corvidlabs/scoutcore/internal/cache"
	"github.com/corvidlabs/scoutcore/internal/config"
	"github.com/corvidlabs/scoutcore/internal/errorlog"
	"github.com/corvidlabs/scoutcore/internal/httpapi"
	"github.com/corvidlabs/scoutcore/internal/ledger"
	"github.com/corvidlabs/scoutcore/internal/logging"
	"github.com/corvidlabs/scoutcore/internal/monitoring"
	"github.com/corvidlabs/scoutcore/internal/ops"
	"github.com/corvidlabs/scoutcore/internal/pipeline"
	"github.com/corvidlabs/scoutcore/internal/pool"
	"github.com/corvidlabs/scoutcore/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Environment, cfg.LogLevel)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("http_port", cfg.HTTPPort).
		Msg("starting scoutcore api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pg, err := storage.OpenPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	if err := storage.EnsureSchema(ctx, pg, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply schema")
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	rdb, err := storage.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	monDB, err := storage.OpenMonitoringStore(context.Background(), cfg.MonitoringDB)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open monitoring store")
	}

	var mc *minio.Client
	if cfg.MinioEndpoint != "" {
		mc, err = minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create minio client")
		}
	}

	ldgr := ledger.New(pg, rdb, logger, ledger.Config{
		InitialFreeCredits: int64(cfg.InitialFreeCredits),
		InitialProCredits:  int64(cfg.InitialProCredits),
		MonthlyProRefill:   int64(cfg.MonthlyProRefill),
	})

	artifactCache := cache.New(rdb, mc, logger, cache.Config{
		Bucket:      cfg.MinioBucket,
		InlineLimit: cfg.CacheInlineBodyLimit,
	})

	backend := browser.NewChromeDPBackend(true, "")
	poolCfg := pool.DefaultConfig()
	poolCfg.MaxWorkers = cfg.MaxWorkers
	poolCfg.QueueMaxWait = cfg.QueueMaxWait
	poolCfg.BrowserCreationDelay = cfg.BrowserCreationDelay
	poolCfg.Worker.HealthCheckInterval = cfg.HealthCheckInterval
	poolCfg.Worker.RefreshThreshold = cfg.RefreshThreshold
	poolCfg.Worker.PoliteCleanupTotal = cfg.PoliteCleanupTimeout
	poolMgr := pool.New(rdb, backend, logger, poolCfg)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := poolMgr.LoadFromRedis(loadCtx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore pool registry from redis, starting empty")
	}
	loadCancel()

	errLog := errorlog.New(pg, logger)

	costs := make(map[string]int64, len(ops.DefaultCreditCosts))
	for op, c := range ops.DefaultCreditCosts {
		costs[op] = c
	}
	ttls := map[string]time.Duration{
		ops.OpScreenshot:     time.Duration(cfg.CacheTTLScreenshot) * time.Second,
		ops.OpContent:        time.Duration(cfg.CacheTTLContent) * time.Second,
		ops.OpMarkdown:       time.Duration(cfg.CacheTTLMarkdown) * time.Second,
		ops.OpLinks:          time.Duration(cfg.CacheTTLLinks) * time.Second,
		ops.OpPDF:            time.Duration(cfg.CacheTTLPDF) * time.Second,
		ops.OpScrape:         time.Duration(cfg.CacheTTLScrape) * time.Second,
		ops.OpSearch:         time.Duration(cfg.CacheTTLSearch) * time.Second,
		ops.OpJSONExtraction: time.Duration(cfg.CacheTTLJSONExtraction) * time.Second,
	}

	pl := pipeline.New(ldgr, artifactCache, poolMgr, errLog, logger, pipeline.Config{
		Costs:                 costs,
		CacheTTLs:             ttls,
		DisableCacheInDev:     cfg.DisableCacheInDev,
		DeductOnCacheHit:      cfg.DeductOnCacheHit,
		Development:           cfg.IsDevelopment(),
		AcquireRetryAttempts:  cfg.AcquireRetryAttempts,
		AcquireRetryBaseDelay: cfg.AcquireRetryBaseDelay,
	})

	extractionCfg := ops.DefaultExtractionConfig()
	extractionCfg.GeminiAPIKey = cfg.GeminiAPIKey
	extractionCfg.GeminiModel = cfg.GeminiModel
	extractionCfg.CloudflareAccountID = cfg.CloudflareAccountID
	extractionCfg.CloudflareAPIKey = cfg.CloudflareAIAPIKey
	extractionCfg.CloudflareModel = cfg.CloudflareAIModel
	extractor, err := ops.NewExtractor(extractionCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize json extraction engine")
	}
	searchClient := ops.NewSearchClient(cfg.WeblinqSearchAPIURL, cfg.WeblinqSearchSecret)

	var alerter *monitoring.Alerter
	if cfg.SlackBotToken != "" {
		alerter = monitoring.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	}
	monStore := monitoring.NewStore(monDB)
	monEngine := monitoring.NewEngine(monStore, alerter, logger)
	if cfg.MonitoringAPIKey != "" {
		if err := monEngine.Start(monitoring.Config{
			IntervalMs:     int(cfg.MonitoringIntervalMin.Milliseconds()),
			TimeoutMs:      int(cfg.MonitoringTimeout.Milliseconds()),
			BaseURL:        cfg.MonitoringBaseURL,
			APIKey:         cfg.MonitoringAPIKey,
			AlertThreshold: cfg.SlackAlertThreshold,
		}); err != nil {
			logger.Warn().Err(err).Msg("failed to start monitoring engine")
		}
	}

	authn := auth.NewHMACAuthenticator(cfg.RequestTokenSecret)

	handler := httpapi.NewHandler(pl, authn, monEngine, extractor, searchClient, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	var rootHandler http.Handler = mux
	rootHandler = httpapi.LoggingMiddleware(logger)(rootHandler)
	rootHandler = httpapi.CORS(rootHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      rootHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	monEngine.Shutdown()
	poolMgr.Stop()
	pg.Close()
	monDB.Close()
	rdb.Close()

	logger.Info().Msg("shutdown complete")
}
