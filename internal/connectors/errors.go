package connectors

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError: ответ вне 2xx, который не имеет смысла повторять.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

// parseRetryAfter понимает обе формы заголовка: секунды и HTTP-дату.
// Без заголовка задержка растет линейно с номером попытки.
func parseRetryAfter(h string, attempt uint, now time.Time) time.Duration {
	if h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(h); err == nil {
			if d := at.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return time.Duration(attempt+1) * time.Second
}
