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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
	"github.com/xela07ax/lms/internal/infra/auth"
	"github.com/xela07ax/lms/internal/links"
	"github.com/xela07ax/lms/internal/metrics"
	"github.com/xela07ax/lms/internal/policy"
	"github.com/xela07ax/lms/internal/queue"
	"github.com/xela07ax/lms/internal/repository/memory"
	"github.com/xela07ax/lms/internal/repository/postgres"
	"github.com/xela07ax/lms/internal/server"
	"github.com/xela07ax/lms/internal/server/handler"
	"github.com/xela07ax/lms/internal/service"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизни фоновых горутин: отменяется по SIGINT/SIGTERM
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(appCtx, cfg.Tracing, "lms-api")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	// 1. Инфраструктура и ресурсы
	store, closeStore := openStore(appCtx, cfg.Database, logger)
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(appCtx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// 2. Control plane: режим шлюзов в Redis, L1 в памяти
	defaultMode := domain.Mode(cfg.API.DefaultMode)
	if !defaultMode.Valid() {
		logger.Fatal("invalid api.default_mode", zap.Int("mode", cfg.API.DefaultMode))
	}
	configService := service.NewConfigService(rdb, defaultMode, logger)
	if err := configService.Warmup(appCtx); err != nil {
		logger.Fatal("gate config warmup failed", zap.Error(err))
	}
	go configService.Listen(appCtx)

	// 3. Data plane
	jobs := queue.New(rdb, cfg.Queue, m, logger)
	recorder := links.NewRecorder(store, 0, m, logger)
	recorder.Start()
	defer recorder.Stop()

	resolver := policy.NewResolver(store, policy.NewMatcher(logger), logger)
	aggregator := policy.NewAggregator(resolver, store)
	linkService := service.NewLinkService(cfg.API, aggregator, jobs, recorder, store, logger)
	policyService, err := service.NewPolicyService(store, logger)
	if err != nil {
		logger.Fatal("policy schema", zap.Error(err))
	}
	siteService := service.NewSiteService(jobs, logger)

	validator, err := auth.NewStaticKeyValidator(cfg.Auth.APIKey, cfg.Auth.APIKeyHash)
	if err != nil {
		logger.Fatal("admin key is not configured", zap.Error(err))
	}

	// 4. HTTP
	api := server.New(cfg.Auth, validator, server.Handlers{
		Links:    handler.NewLinkHandler(linkService),
		Config:   handler.NewConfigHandler(configService),
		Policies: handler.NewPolicyHandler(policyService),
		Site:     handler.NewSiteHandler(siteService),
		WS:       handler.NewWSHandler(linkService, configService, m, logger),
	}, m, reg, logger)

	srv := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     api,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout не ставим: /links/status ждет результат проверки до api.wait_timeout,
		// а /ws держит соединение долго
	}

	go func() {
		logger.Info("LMS API started", zap.String("addr", srv.Addr), zap.String("mode", cfg.API.Mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-appCtx.Done()
	logger.Info("LMS API stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("LMS API exited properly")
}

// openStore: PostgreSQL, если задан database.url, иначе хранилище в памяти
// (локальный запуск и демо).
func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (domain.Store, func()) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, using in-memory store")
		return memory.NewStore(), func() {}
	}
	pg, err := postgres.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}
	return pg, pg.Close
}
