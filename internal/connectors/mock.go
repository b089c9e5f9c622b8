package connectors

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// MockResponse: заготовленный ответ MockTransport.
type MockResponse struct {
	Status int
	Header http.Header
	Body   string
	Err    error
}

// MockTransport: http.RoundTripper для тестов и локального запуска без внешних API.
// Ответы выдаются по полному URL; для одного URL можно задать очередь ответов.
type MockTransport struct {
	mu        sync.Mutex
	responses map[string][]MockResponse
	calls     map[string]int
	Latency   time.Duration
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[string][]MockResponse),
		calls:     make(map[string]int),
	}
}

// On добавляет ответы для URL. Последний ответ повторяется бесконечно.
func (m *MockTransport) On(url string, rs ...MockResponse) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[url] = append(m.responses[url], rs...)
	return m
}

func (m *MockTransport) Calls(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	key := req.URL.String()
	m.mu.Lock()
	m.calls[key]++
	queue := m.responses[key]
	var r MockResponse
	switch {
	case len(queue) == 0:
		m.mu.Unlock()
		return nil, fmt.Errorf("mock: no response for %s", key)
	case len(queue) == 1:
		r = queue[0]
	default:
		r = queue[0]
		m.responses[key] = queue[1:]
	}
	m.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	if r.Status == 0 {
		r.Status = http.StatusOK
	}
	h := r.Header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: r.Status,
		Header:     h,
		Body:       io.NopCloser(bytes.NewBufferString(r.Body)),
		Request:    req,
	}, nil
}

// compile-time check
var _ http.RoundTripper = (*MockTransport)(nil)

