package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/metrics"
)

// requestObserver пишет латентность по шаблону маршрута chi (а не по сырому пути,
// чтобы не плодить серии) и логирует запрос вместе с request id.
func requestObserver(m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// клиенту возвращаем id запроса, чтобы его можно было найти в логах
			reqID := middleware.GetReqID(r.Context())
			if reqID != "" {
				ww.Header().Set("X-Request-ID", reqID)
			}

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = r.Method + " " + rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			took := time.Since(start)
			m.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(took.Seconds())

			logger.Debug("request",
				zap.String("request_id", reqID),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("took", took))
		})
	}
}
