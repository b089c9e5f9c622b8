package gate

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ExpiresHeader — синтетический заголовок с моментом истечения копии (epoch ms).
const ExpiresHeader = "X-Lms-Expires"

const maxCachedBody = 8 << 20

var maxAgeRe = regexp.MustCompile(`max-age=(\d+)`)

// статусы, у которых не бывает тела
var nullBodyStatus = map[int]bool{101: true, 103: true, 204: true, 205: true, 304: true}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// ResponseCache хранит копии успешных ответов своего origin. Чужие ответы
// не кэшируются: их содержимое шлюзу непрозрачно.
type ResponseCache struct {
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedResponse
}

func NewResponseCache(defaultTTL time.Duration) *ResponseCache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &ResponseCache{
		defaultTTL: defaultTTL,
		now:        time.Now,
		entries:    make(map[string]cachedResponse),
	}
}

// Expiry вычисляет срок жизни копии по заголовкам ответа.
// ok=false: ответ кэшировать нельзя.
func (c *ResponseCache) Expiry(h http.Header) (time.Time, bool) {
	cacheControl := strings.ToLower(h.Get("Cache-Control"))
	pragma := strings.ToLower(h.Get("Pragma"))
	// ревалидации нет, поэтому no-cache равносилен no-store
	if strings.Contains(cacheControl, "no-store") ||
		strings.Contains(cacheControl, "no-cache") ||
		strings.Contains(pragma, "no-cache") {
		return time.Time{}, false
	}

	base := c.now()
	if d, err := http.ParseTime(h.Get("Date")); err == nil {
		base = d
	}
	if m := maxAgeRe.FindStringSubmatch(cacheControl); m != nil {
		secs, _ := strconv.Atoi(m[1])
		return base.Add(time.Duration(secs) * time.Second), true
	}
	if strings.Contains(cacheControl, "max-age") {
		return base, true
	}
	if exp := h.Get("Expires"); exp != "" {
		t, err := http.ParseTime(exp)
		if err != nil {
			// невалидный Expires означает «уже истек»
			return base, true
		}
		return t, true
	}
	return base.Add(c.defaultTTL), true
}

type prefixedBody struct {
	io.Reader
	io.Closer
}

// Store кладет копию ответа в кэш. Тело ответа вычитывается и подменяется
// читателем по копии, так что resp остается пригодным для отдачи клиенту.
func (c *ResponseCache) Store(key string, resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}
	expires, ok := c.Expiry(resp.Header)
	if !ok {
		return nil
	}

	if resp.ContentLength > maxCachedBody {
		return nil
	}

	var body []byte
	if !nullBodyStatus[resp.StatusCode] && resp.Body != nil {
		upstream := resp.Body
		var err error
		body, err = io.ReadAll(io.LimitReader(upstream, maxCachedBody+1))
		if err != nil || len(body) > maxCachedBody {
			// Клиент получает ответ целиком: вычитанное начало и остаток потока.
			resp.Body = prefixedBody{Reader: io.MultiReader(bytes.NewReader(body), upstream), Closer: upstream}
			return err
		}
		upstream.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
	}

	header := resp.Header.Clone()
	header.Set(ExpiresHeader, strconv.FormatInt(expires.UnixMilli(), 10))

	c.mu.Lock()
	c.entries[key] = cachedResponse{status: resp.StatusCode, header: header, body: body}
	c.mu.Unlock()
	return nil
}

// Lookup отдает копию, если ее синтетический срок еще не истек.
func (c *ResponseCache) Lookup(key string, req *http.Request) (*http.Response, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !validExpiry(e.header.Get(ExpiresHeader), c.now()) {
		return nil, false
	}
	var body io.ReadCloser = http.NoBody
	if e.body != nil {
		body = io.NopCloser(bytes.NewReader(e.body))
	}
	return &http.Response{
		Status:        strconv.Itoa(e.status) + " " + http.StatusText(e.status),
		StatusCode:    e.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          body,
		ContentLength: int64(len(e.body)),
		Request:       req,
	}, true
}

func (c *ResponseCache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}

func validExpiry(v string, now time.Time) bool {
	ms, err := strconv.ParseInt(v, 10, 64)
	return err == nil && ms > now.UnixMilli()
}
