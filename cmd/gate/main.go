package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/gate"
	"github.com/xela07ax/lms/internal/infra"
	"github.com/xela07ax/lms/internal/metrics"
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

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gc := cfg.Gate
	origin, err := url.Parse(gc.Origin)
	if err != nil || origin.Host == "" {
		logger.Fatal("gate.origin must be an absolute URL", zap.String("origin", gc.Origin))
	}
	apiMode, err := domain.ParseAPIMode(gc.APIMode)
	if err != nil {
		logger.Fatal("invalid gate.api_mode", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	// 1. Канал до API
	var transport gate.Transport
	switch gc.Transport {
	case "ws":
		transport = gate.NewWSTransport(gc.BackendURL, gc.ReconnectDelay, gc.QueryTimeout, logger)
	case "http", "":
		client := gate.NewHTTPClient(gc.QueryTimeout, gc.ErroredHeartbeat, m, logger)
		transport = gate.NewHTTPTransport(gc.BackendURL, client)
	default:
		logger.Fatal("unknown gate.transport", zap.String("transport", gc.Transport))
	}
	defer transport.Close()

	// 2. Сессия и heartbeat
	session := gate.NewSession(gate.SessionConfig{
		Origin:           gc.Origin,
		BackendURL:       gc.BackendURL,
		APIMode:          apiMode,
		MaxConnErrs:      gc.MaxConnErrs,
		Heartbeat:        gc.Heartbeat,
		ErroredHeartbeat: gc.ErroredHeartbeat,
		CacheTTL:         gc.CacheTTL,
		ResponseCacheTTL: gc.ResponseCacheTTL,
		QueryTimeout:     gc.QueryTimeout,
		Mode:             domain.Mode(gc.Mode),
	}, transport, m, logger)
	go session.Run(appCtx)

	// 3. Прокси: абсолютные URL (forward) и относительные пути к защищаемому сайту
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			if pr.In.URL.IsAbs() {
				target := *pr.In.URL
				pr.Out.URL = &target
				pr.Out.Host = ""
			} else {
				pr.SetURL(origin)
			}
			if pr.Out.Header.Get(gate.PageHeader) == "" && pr.In.Referer() != "" {
				pr.Out.Header.Set(gate.PageHeader, pr.In.Referer())
			}
		},
		Transport: gate.NewRoundTripper(session, http.DefaultTransport, logger),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream request failed", zap.String("url", r.URL.String()), zap.Error(err))
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/_lms", func(r chi.Router) {
		r.Post("/control", controlHandler(session, logger))
		r.Get("/events", eventsHandler(session.Hub(), logger))
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	})
	r.Handle("/*", tunnelGuard(proxy))

	srv := &http.Server{
		Addr:        gc.ListenAddr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		logger.Info("LMS gate started",
			zap.String("addr", srv.Addr),
			zap.String("origin", gc.Origin),
			zap.String("transport", gc.Transport))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-appCtx.Done()
	logger.Info("LMS gate stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("LMS gate exited properly")
}

// tunnelGuard: CONNECT не поддерживаем, содержимое TLS-туннеля шлюзу не видно.
func tunnelGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodConnect {
			http.Error(w, "CONNECT is not supported", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}
