package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// NewMiddleware закрывает админский периметр общим секретом из заголовка header.
// При несовпадении: 403 с телом {"error":{"code":403,"message":...}}, до обработчика запрос не доходит.
func NewMiddleware(v KeyValidator, header string, logger *zap.Logger) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Api-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.VerifyKey(r.Header.Get(header)); err != nil {
				logger.Warn("admin auth failure",
					zap.String("path", r.URL.Path),
					zap.String("remote", r.RemoteAddr),
					zap.Error(err),
				)
				WriteDenied(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteDenied пишет стандартный ответ об отказе в доступе.
func WriteDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": http.StatusForbidden, "message": "permission denied"},
	})
}
