// knowbase 是食品安全知识库检索服务的入口：加载配置、装配各组件，
// 对外提供薄的 HTTP 检索/摄取接口与独立端口的指标服务。
// 所有组件通过构造函数显式注入，进程内不存在包级单例。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/foodsafe/knowbase/chunking"
	"github.com/foodsafe/knowbase/config"
	"github.com/foodsafe/knowbase/embedding"
	"github.com/foodsafe/knowbase/ingest"
	"github.com/foodsafe/knowbase/internal/cache"
	"github.com/foodsafe/knowbase/internal/database"
	"github.com/foodsafe/knowbase/internal/metrics"
	"github.com/foodsafe/knowbase/rerank"
	"github.com/foodsafe/knowbase/retrieval"
	"github.com/foodsafe/knowbase/rewrite"
	"github.com/foodsafe/knowbase/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.NewLoader().
		WithConfigPath(*configPath).
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("knowbase exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	pool, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		HealthCheckInterval: cfg.Database.HealthCheckInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("init pool: %w", err)
	}
	defer func() { _ = pool.Close() }()

	st := store.New(pool, store.BigramTokenizer{}, logger)
	if err := st.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	collector := metrics.NewCollector()

	embedder := embedding.NewHTTPProvider(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	})

	reranker := rerank.New(rerank.Config{
		Enabled:     cfg.Rerank.Enabled,
		BaseURL:     cfg.Rerank.BaseURL,
		APIKey:      cfg.Rerank.APIKey,
		Model:       cfg.Rerank.Model,
		Timeout:     cfg.Rerank.Timeout,
		MaxDocChars: cfg.Rerank.MaxDocChars,
		RatePerSec:  cfg.Rerank.RatePerSec,
	}, logger)

	var rewriter retrieval.QueryRewriter = rewrite.NewRewriter(nil, nil, logger)
	if cfg.Redis.Enabled {
		cacheCfg := cache.DefaultConfig()
		cacheCfg.Addr = cfg.Redis.Addr
		cacheCfg.Password = cfg.Redis.Password
		cacheCfg.DB = cfg.Redis.DB
		cacheCfg.DefaultTTL = cfg.Redis.RewriteTTL

		cacheMgr, cacheErr := cache.NewManager(cacheCfg, logger)
		if cacheErr != nil {
			// 缓存只是加速层，连不上时退回无缓存改写。
			logger.Warn("rewrite cache unavailable", zap.Error(cacheErr))
		} else {
			defer func() { _ = cacheMgr.Close() }()
			rewriter = rewrite.NewCachedRewriter(
				rewrite.NewRewriter(nil, nil, logger), cacheMgr, cfg.Redis.RewriteTTL, collector, logger)
		}
	}

	retriever := retrieval.New(st, embedder, rewriter, reranker, retrieval.Config{
		RRFK:             cfg.Retrieval.RRFK,
		CoarseMultiplier: cfg.Retrieval.CoarseMultiplier,
		DefaultTopK:      cfg.Retrieval.DefaultTopK,
	}, collector, logger)

	chunker := chunking.NewChunker(chunking.NewTiktokenCounter("cl100k_base"), logger)
	ingester := ingest.New(st, embedder, chunker, collector, logger)

	api := newAPIServer(retriever, ingester, st, pool, reranker, logger)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      api.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: metricsHandler(collector),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return httpSrv.Shutdown(shutdownCtx)
}

func metricsHandler(collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
