package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/seanankenbruck/impact-query/internal/api"
	"github.com/seanankenbruck/impact-query/internal/auth"
	"github.com/seanankenbruck/impact-query/internal/cache"
	"github.com/seanankenbruck/impact-query/internal/database"
	"github.com/seanankenbruck/impact-query/internal/executor"
	"github.com/seanankenbruck/impact-query/internal/llm"
	"github.com/seanankenbruck/impact-query/internal/observability"
	"github.com/seanankenbruck/impact-query/internal/pipeline"
	"github.com/seanankenbruck/impact-query/internal/quota"
)

func newServeCmd() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(ctx context.Context, migrateFirst bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWithContext(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	gin.SetMode(cfg.Server.GinMode)

	logger := newLogger("impact-query", cfg)

	if migrateFirst {
		if err := database.RunMigrations(database.MigrationConfigFrom(cfg.Database), logger.Named("migrate")); err != nil {
			return err
		}
	}

	metrics, err := observability.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	cat, err := loadCatalog(cfg.Query.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.Timeout,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	pg, err := executor.NewPostgresExecutor(cfg.Database,
		executor.WithTimeout(cfg.Query.ExecutionTimeout),
		executor.WithMaxRows(cfg.Query.MaxLimit),
		executor.WithLogger(logger.Named("executor")),
		executor.WithMetrics(metrics),
	)
	if err != nil {
		rdb.Close()
		return fmt.Errorf("connect analytical store: %w", err)
	}
	exec := executor.NewCircuitBreakerExecutor(pg, "analytical-store",
		executor.DefaultCircuitBreakerConfig, logger.Named("executor"))

	claude, err := llm.NewClaudeClassifier(llm.Config{
		APIKey:  cfg.Classifier.APIKey,
		Model:   cfg.Classifier.Model,
		BaseURL: cfg.Classifier.BaseURL,
		Timeout: cfg.Classifier.Timeout,
	}, cat, llm.WithLogger(logger.Named("classifier")), llm.WithMetrics(metrics))
	if err != nil {
		exec.Close()
		rdb.Close()
		return fmt.Errorf("create classifier: %w", err)
	}
	classifier := llm.NewCircuitBreakerClassifier(claude, "claude",
		llm.DefaultCircuitBreakerConfig, logger.Named("classifier"))

	quotaStore := quota.NewRedisStore(rdb, cfg.Quota.KeyPrefix)
	quotas := quota.NewManager(quotaStore,
		quota.WithOnStoreError(cfg.Quota.OnStoreError),
		quota.WithLogger(logger.Named("quota")),
		quota.WithMetrics(metrics),
	)

	answers := cache.NewManager(cache.NewRedisCache(rdb),
		cache.WithConfig(cfg.Cache),
		cache.WithLogger(logger.Named("cache")),
		cache.WithMetrics(metrics),
	)

	statuses := pipeline.NewRedisStatusStore(rdb, pipeline.DefaultStatusTTL)

	svc, err := pipeline.NewService(cfg.Query, pipeline.Dependencies{
		Catalog:    cat,
		Classifier: classifier,
		Executor:   exec,
		Quota:      quotas,
		Cache:      answers,
		Statuses:   statuses,
		Logger:     logger.Named("pipeline"),
		Metrics:    metrics,
	})
	if err != nil {
		exec.Close()
		rdb.Close()
		return err
	}

	resolver, err := auth.NewJWTResolver(cfg.Auth)
	if err != nil {
		exec.Close()
		rdb.Close()
		return err
	}

	health := observability.NewHealthChecker()
	health.Register("database", observability.DatabaseHealthCheck(exec.Ping))
	health.Register("redis", observability.RedisHealthCheck(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	health.Register("database_breaker", observability.BreakerHealthCheck("database_breaker", exec.State, exec.Counts))
	health.Register("classifier_breaker", observability.BreakerHealthCheck("classifier_breaker", classifier.State, classifier.Counts))
	health.Register("memory", observability.MemoryHealthCheck(func() (uint64, uint64) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return m.Alloc, m.Sys
	}))

	limiter := auth.NewBurstLimiter(cfg.Auth.BurstRPS, cfg.Auth.BurstSize)
	limiterCtx, stopLimiter := context.WithCancel(ctx)
	defer stopLimiter()
	go limiter.Run(limiterCtx)

	server, err := api.NewServer(api.Dependencies{
		Pipeline:   svc,
		Quota:      quotas,
		Cache:      answers,
		Resolver:   resolver,
		Limiter:    limiter,
		Health:     health,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger.Named("api"),
		Metrics:    metrics,
		AdminRoles: cfg.Auth.AdminRoles,
	})
	if err != nil {
		exec.Close()
		rdb.Close()
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(ctx, "impact-query starting", map[string]interface{}{
			"port":    cfg.Server.Port,
			"version": Version,
			"metrics": len(cat.Metrics()),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info(ctx, "Shutting down server", map[string]interface{}{"signal": sig.String()})
	case err, ok := <-serveErr:
		if ok && err != nil {
			logger.Error(ctx, "HTTP server error", err, nil)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error(ctx, "Server shutdown error", shutdownErr, nil)
	}

	closeAll(ctx, logger, []closer{
		{"quota store", quotaStore.Close},
		{"answer cache", answers.Close},
		{"status store", statuses.Close},
		{"executor", exec.Close},
	})
	return shutdownErr
}

type closer struct {
	name  string
	close func() error
}

// closeAll releases backing stores in order, logging rather than returning
// failures. The Redis backed stores share one client, so only the first close
// of it succeeds.
func closeAll(ctx context.Context, logger *observability.Logger, closers []closer) {
	for _, c := range closers {
		if err := c.close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			logger.Warn(ctx, "close failed", map[string]interface{}{"resource": c.name, "error": err.Error()})
		}
	}
}
