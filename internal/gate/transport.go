package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/connectors"
	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/metrics"
)

// Маршруты API, которыми пользуется шлюз.
const (
	RouteConfig   = "/config"
	RouteStatus   = "/links/status"
	RouteStatuses = "/links/statuses"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrConnClosed   = errors.New("connection closed")
)

// Transport — канал до API. Любая ошибка считается сбоем связи.
type Transport interface {
	QueryStatus(ctx context.Context, req domain.StatusRequest) (*bool, error)
	FetchConfig(ctx context.Context) (domain.GateConfig, error)
	Close() error
}

// HTTPTransport — один GET на запрос. Конфигурация опрашивается условно
// (If-None-Match), на 304 возвращается последняя полученная.
type HTTPTransport struct {
	base   string
	client *connectors.Client

	mu         sync.Mutex
	etag       string
	lastConfig domain.GateConfig
}

// httpClientConfig: одна попытка на запрос, повторы заменяет счетчик ошибок сессии.
// Предохранитель полуоткрывается не позже очередного heartbeat в errored-режиме,
// иначе опрос конфигурации после восстановления API упирается в открытый автомат.
func httpClientConfig(queryTimeout, erroredHeartbeat time.Duration) connectors.ClientConfig {
	return connectors.ClientConfig{
		Timeout:   queryTimeout,
		Attempts:  1,
		CBTimeout: erroredHeartbeat,
	}
}

// NewHTTPClient собирает исходящий клиент для HTTPTransport.
func NewHTTPClient(queryTimeout, erroredHeartbeat time.Duration, m *metrics.Metrics, logger *zap.Logger) *connectors.Client {
	return connectors.NewClient(httpClientConfig(queryTimeout, erroredHeartbeat), m, logger)
}

func NewHTTPTransport(baseURL string, client *connectors.Client) *HTTPTransport {
	return &HTTPTransport{base: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *HTTPTransport) QueryStatus(ctx context.Context, req domain.StatusRequest) (*bool, error) {
	q := url.Values{}
	q.Set("domain", req.Domain)
	q.Set("page", req.Page)
	q.Set("url", req.URL)
	if req.Mode != "" {
		q.Set("mode", req.Mode)
	}
	var resp domain.StatusResponse
	if err := t.client.GetJSON(ctx, t.base+RouteStatus+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (t *HTTPTransport) FetchConfig(ctx context.Context) (domain.GateConfig, error) {
	t.mu.Lock()
	etag, last := t.etag, t.lastConfig
	t.mu.Unlock()

	var header http.Header
	if etag != "" {
		header = http.Header{"If-None-Match": []string{etag}}
	}
	resp, err := t.client.GetWithHeader(ctx, t.base+RouteConfig, header)
	if resp != nil && resp.StatusCode == http.StatusNotModified && etag != "" {
		return last, nil
	}
	if err != nil {
		return domain.GateConfig{}, err
	}

	cfg, err := decodeConfig(resp.Body)
	if err != nil {
		return domain.GateConfig{}, err
	}
	t.mu.Lock()
	t.etag = resp.Header.Get("ETag")
	t.lastConfig = cfg
	t.mu.Unlock()
	return cfg, nil
}

func (t *HTTPTransport) Close() error { return nil }

func decodeConfig(raw []byte) (domain.GateConfig, error) {
	var cfg domain.GateConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if !cfg.Mode.Valid() {
		return cfg, fmt.Errorf("decode config: mode %d out of range", int(cfg.Mode))
	}
	return cfg, nil
}
