package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/xela07ax/lms/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor: HTTP-код для ошибки сервиса.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError: {"error":{"code":...,"message":...}}, как и ответ об отказе в доступе.
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	writeJSON(w, code, map[string]domain.WireError{"error": {Code: code, Message: err.Error()}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidArgument, err)
	}
	return nil
}

// DecodeURLParam разворачивает URL, переданный в base64 (std, url-safe, с паддингом
// и без). Если результат не абсолютный URL, значение считается переданным как есть.
func DecodeURLParam(raw string) string {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(raw)
		if err != nil {
			continue
		}
		if absolute(string(b)) {
			return string(b)
		}
	}
	return raw
}

func absolute(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}
