package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/connectors"
	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
	"github.com/xela07ax/lms/internal/metrics"
	"github.com/xela07ax/lms/internal/policy"
	"github.com/xela07ax/lms/internal/queue"
	"github.com/xela07ax/lms/internal/repository/memory"
	"github.com/xela07ax/lms/internal/repository/postgres"
	"github.com/xela07ax/lms/internal/verify"
	"github.com/xela07ax/lms/internal/worker"
)

// число пар (политика, ссылка), проверяемых одновременно внутри одного задания
const verifyConcurrency = 8

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

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := infra.InitTracing(appCtx, cfg.Tracing, "lms-verifier")
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	// 1. Инфраструктура
	store, closeStore := openStore(appCtx, cfg.Database, logger)
	defer closeStore()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.Server.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 2. Внешние источники. Один клиент на процесс: лимит, предохранитель, повторы
	vc := cfg.Verifier
	client := connectors.NewClient(connectors.ClientConfig{
		Timeout:       vc.HTTPTimeout,
		UserAgent:     vc.UserAgent,
		RateLimit:     vc.RateLimit,
		CBMaxRequests: vc.CBMaxRequests,
		CBInterval:    vc.CBInterval,
		CBTimeout:     vc.CBTimeout,
	}, m, logger)

	registry := verify.NewBuiltinRegistry(verify.Deps{
		Whois:                verify.NewWhoisClient(vc.HTTPTimeout),
		Ranks:                verify.NewTrancoRanks(vc.RankingURL, client),
		Geo:                  verify.NewIPInfoGeo(vc.GeoURL, client),
		IPs:                  net.DefaultResolver,
		Tracer:               verify.StaticTracer{},
		Limiters:             verify.NewLimiters(vc.RegistryMinTime, vc.RankingMinTime, vc.GeoMinTime, m),
		Reference:            verify.Point{Lat: vc.ReferenceLat, Lon: vc.ReferenceLon},
		ObfuscationThreshold: vc.ObfuscationThreshold,
	})
	logger.Info("verification blocks registered", zap.Strings("blocks", registry.Names()))

	// 3. Движок: одна синхронная стратегия
	resolver := policy.NewResolver(store, policy.NewMatcher(logger), logger)
	engine := verify.NewEngine(resolver, store, m, logger)
	engine.Register(domain.StrategySimple,
		verify.NewSimpleVerifier(registry, store, client, verifyConcurrency, m, logger))

	// 4. Очередь и воркер
	jobs := queue.New(rdb, cfg.Queue, m, logger)
	go jobs.RunReaper(appCtx)

	w := worker.New(cfg.Worker, jobs, engine, client, logger)
	if err := w.Run(appCtx); err != nil {
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}

	// Штатный выход по сроку жизни или лимиту заданий: супервизор поднимет процесс заново
	logger.Info("verifier exited", zap.Any("counters", w.Counters()))
}

func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (domain.Store, func()) {
	if cfg.URL == "" {
		logger.Warn("database.url is empty, using in-memory store")
		return memory.NewStore(), func() {}
	}
	pg, err := postgres.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	return pg, pg.Close
}
