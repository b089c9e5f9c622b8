package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/lms/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxBodySize = 8 << 20

// Response: полностью вычитанный ответ. Блоки верификации работают с телом целиком.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type ClientConfig struct {
	Timeout       time.Duration
	UserAgent     string
	RateLimit     float64 // rps на весь клиент, 0: без лимита
	Attempts      uint
	CBMaxRequests uint32
	CBInterval    time.Duration
	CBTimeout     time.Duration
	Transport     http.RoundTripper // nil: http.DefaultTransport
}

// Client оборачивает исходящие запросы верификатора в цепочку
// лимитер -> предохранитель (на хост) -> повтор при 429 с учетом Retry-After.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	cfg       ClientConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	userAgent string
}

func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.CBMaxRequests == 0 {
		cfg.CBMaxRequests = 3
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit)+1)
	}

	return &Client{
		http:      &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter:   limiter,
		cfg:       cfg,
		metrics:   m,
		logger:    logger.Named("http-client"),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		userAgent: cfg.UserAgent,
	}
}

func (c *Client) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: c.cfg.CBMaxRequests,
		Interval:    c.cfg.CBInterval,
		Timeout:     c.cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Более 5 ошибок подряд: хост считаем недоступным
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1
			}
			c.metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
			c.logger.Warn("circuit breaker state changed",
				zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	c.breakers[host] = cb
	return cb
}

// Get выполняет GET с повтором на 429. Ответ вне 2xx возвращается вместе с *StatusError.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.GetWithHeader(ctx, rawURL, nil)
}

// GetWithHeader: Get с дополнительными заголовками запроса (If-None-Match и т.п.).
func (c *Client) GetWithHeader(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	result, err := c.breaker(u.Host).Execute(func() (interface{}, error) {
		var resp *Response
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(c.cfg.Attempts),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		var attempt uint
		retryErr := r.Do(func() error {
			var callErr error
			resp, callErr = c.do(ctx, u.String(), header)
			if callErr != nil {
				return callErr
			}
			if resp.StatusCode == http.StatusTooManyRequests {
				tErr := &ThrottleError{
					RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), attempt, time.Now()),
					Cause:      &StatusError{URL: u.String(), StatusCode: resp.StatusCode},
				}
				attempt++
				return tErr
			}
			return nil
		})
		return resp, retryErr
	})
	if err != nil {
		return nil, err
	}

	resp := result.(*Response)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &StatusError{URL: u.String(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// GetJSON: Get + декодирование тела.
func (c *Client) GetJSON(ctx context.Context, rawURL string, out any) error {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return nil
}

// Probe делает один запрос без повторов и предохранителя: нужен «сырой»
// транспортный результат (TLS, сбросы соединения), а не его обертка.
func (c *Client) Probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
	return nil
}

func (c *Client) do(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
}
