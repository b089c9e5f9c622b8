package gate

import (
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// PageHeader называет страницу, от имени которой идет запрос. До апстрима не доходит.
const PageHeader = "X-Lms-Page"

// RoundTripper пропускает запрос через решение сессии: ALLOW уходит в base,
// BLOCK получает синтетический 404 с пустым телом. Разрешенные GET своего
// origin обслуживаются через ResponseCache.
type RoundTripper struct {
	session *Session
	base    http.RoundTripper
	logger  *zap.Logger
}

func NewRoundTripper(session *Session, base http.RoundTripper, logger *zap.Logger) *RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{session: session, base: base, logger: logger.Named("gate-rt")}
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	page := req.Header.Get(PageHeader)
	req = req.Clone(req.Context())
	req.Header.Del(PageHeader)

	link := req.URL.String()
	d := rt.session.Decide(req.Context(), page, link)
	if !d.Allow {
		rt.logger.Debug("request blocked",
			zap.String("page", page), zap.String("url", link), zap.String("reason", d.Reason))
		return blockedResponse(req), nil
	}

	cacheable := req.Method == http.MethodGet && rt.session.SameOrigin(page, link)
	responses := rt.session.Responses()
	if cacheable {
		if resp, ok := responses.Lookup(link, req); ok {
			return resp, nil
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := responses.Store(link, resp); err != nil {
			rt.logger.Warn("response cache store failed", zap.String("url", link), zap.Error(err))
		}
	}
	return resp, nil
}

func blockedResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "404 Not Found",
		StatusCode:    http.StatusNotFound,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       req,
	}
}
