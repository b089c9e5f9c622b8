package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/infra"
	"github.com/xela07ax/lms/internal/infra/auth"
	"github.com/xela07ax/lms/internal/metrics"
	"github.com/xela07ax/lms/internal/server/handler"
)

// Handlers: обработчики бизнес-доменов API.
type Handlers struct {
	Links    *handler.LinkHandler   // /links/*
	Config   *handler.ConfigHandler // /config
	Policies *handler.PolicyHandler // /policies/*, /site/default-policies
	Site     *handler.SiteHandler   // /site/verify
	WS       *handler.WSHandler     // /ws
}

type Server struct {
	router    *chi.Mux
	logger    *zap.Logger
	cfg       infra.AuthConfig
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	validator auth.KeyValidator
	h         Handlers
}

// New собирает роутер API. gatherer может быть nil, тогда /metrics не публикуется.
func New(cfg infra.AuthConfig, validator auth.KeyValidator, h Handlers, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("lms-api"),
		cfg:       cfg,
		metrics:   m,
		gatherer:  gatherer,
		validator: validator,
		h:         h,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestObserver(s.metrics, s.logger))
	r.Use(middleware.Recoverer)
	// клиенты: страницы на чужих origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"ETag", "X-Request-ID"},
		MaxAge:         300,
	}))

	// --- 2. Публичные роуты (шлюзы) ---
	r.Group(func(r chi.Router) {
		r.Get("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true}`))
		})
		if s.gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}

		r.Route("/links", func(r chi.Router) {
			r.Get("/status", s.h.Links.Status)
			r.Get("/statuses", s.h.Links.Statuses)
			r.Post("/resolutions", s.h.Links.Resolutions)
		})
		r.Get("/config", s.h.Config.Get)
		r.Handle("/ws", s.h.WS)
	})

	// --- 3. Админский периметр (общий секрет в заголовке) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.cfg.Header, s.logger))

		r.Put("/config", s.h.Config.Set)
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", s.h.Policies.List)
			r.Post("/create", s.h.Policies.Create)
		})
		r.Route("/site", func(r chi.Router) {
			r.Post("/verify", s.h.Site.Verify)
			r.Post("/default-policies", s.h.Policies.Defaults)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
