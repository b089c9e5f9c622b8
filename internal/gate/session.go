package gate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/metrics"
)

// Подсказки в User-Agent, которыми страница просит режим при активации.
const (
	UANoopSW  = "lms-noop-sw"
	UANoopLMS = "lms-noop-lms"
)

// Причины решений (метка метрики и поле Decision.Reason).
const (
	ReasonMode         = "mode"
	ReasonInternal     = "internal"
	ReasonSameOrigin   = "same-origin"
	ReasonSharedOrigin = "shared-origin"
	ReasonBackend      = "backend"
	ReasonCache        = "cache"
	ReasonStatus       = "status"
	ReasonPending      = "pending"
	ReasonError        = "transport-error"
)

var ErrUnknownMessage = errors.New("unknown control message")

type SessionConfig struct {
	Origin           string // origin защищаемого сайта
	BackendURL       string
	APIMode          domain.APIMode
	MaxConnErrs      int
	Heartbeat        time.Duration
	ErroredHeartbeat time.Duration
	CacheTTL         time.Duration
	ResponseCacheTTL time.Duration // срок копии ответа без Cache-Control/Expires
	QueryTimeout     time.Duration
	Mode             domain.Mode
}

type Decision struct {
	Allow  bool
	Reason string
}

func (d Decision) String() string {
	if d.Allow {
		return "allow"
	}
	return "block"
}

// ControlMessage — команда от страницы или оператора.
type ControlMessage struct {
	Type string `json:"type"`
	UA   string `json:"ua,omitempty"`
	URL  string `json:"url,omitempty"`
}

type EndpointUsage struct {
	Allowed int `json:"allowed"`
	Blocked int `json:"blocked"`
}

// Session — состояние шлюза: режим, счетчик ошибок связи, кэши и рассылка.
// Решения принимаются параллельно; общий только кэш, последняя запись побеждает.
type Session struct {
	cfg       SessionConfig
	transport Transport
	cache     *DecisionCache
	responses *ResponseCache
	hub       *Hub
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	origin        string
	backendOrigin string
	wake          chan struct{}

	mu       sync.Mutex
	mode     domain.Mode
	config   domain.GateConfig
	errs     int
	interval time.Duration
	usage    map[string]*EndpointUsage
}

func NewSession(cfg SessionConfig, transport Transport, m *metrics.Metrics, logger *zap.Logger) *Session {
	if cfg.MaxConnErrs <= 0 {
		cfg.MaxConnErrs = 3
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 5 * time.Second
	}
	if cfg.ErroredHeartbeat <= 0 {
		cfg.ErroredHeartbeat = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.APIMode == "" {
		cfg.APIMode = domain.APIModeNormal
	}
	if !cfg.Mode.Valid() {
		cfg.Mode = domain.ModeNormal
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	m.GateMode.Set(float64(cfg.Mode))

	return &Session{
		cfg:           cfg,
		transport:     transport,
		cache:         NewDecisionCache(),
		responses:     NewResponseCache(cfg.ResponseCacheTTL),
		hub:           NewHub(),
		metrics:       m,
		logger:        logger.Named("gate-session"),
		now:           time.Now,
		origin:        originOf(cfg.Origin),
		backendOrigin: originOf(cfg.BackendURL),
		wake:          make(chan struct{}, 1),
		mode:          cfg.Mode,
		config:        domain.GateConfig{Mode: cfg.Mode},
		interval:      cfg.Heartbeat,
		usage:         make(map[string]*EndpointUsage),
	}
}

func (s *Session) Hub() *Hub { return s.hub }

func (s *Session) Responses() *ResponseCache { return s.responses }

func (s *Session) Cache() *DecisionCache { return s.cache }

func (s *Session) Mode() domain.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Config() domain.GateConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// ConnErrors — подряд идущие сбои связи с API.
func (s *Session) ConnErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs
}

// Interval — текущий период heartbeat.
func (s *Session) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// pageOrigin — origin страницы, либо защищаемого сайта, если страница не указана.
func (s *Session) pageOrigin(page string) string {
	if o := originOf(page); o != "" {
		return o
	}
	return s.origin
}

// SameOrigin сообщает, что ссылка ведет на origin самой страницы.
func (s *Session) SameOrigin(page, link string) bool {
	target := originOf(link)
	return target != "" && target == s.pageOrigin(page)
}

// Decide решает судьбу одного запроса страницы page к ссылке link.
// Результат есть всегда: сбой связи дает BLOCK, но не оставляет запрос висеть.
func (s *Session) Decide(ctx context.Context, page, link string) Decision {
	d := s.decide(ctx, page, link)
	s.metrics.GateDecisions.WithLabelValues(d.String(), d.Reason).Inc()
	if d.Reason != ReasonInternal {
		s.countUsage(originOf(link), d.Allow)
	}
	return d
}

func (s *Session) decide(ctx context.Context, page, link string) Decision {
	if isInternal(link) {
		return Decision{Allow: true, Reason: ReasonInternal}
	}

	target := originOf(link)
	pageOrigin := s.pageOrigin(page)
	switch {
	case target == "" || target == pageOrigin || target == s.origin:
		return Decision{Allow: true, Reason: ReasonSameOrigin}
	case isSharedOrigin(target, pageOrigin):
		return Decision{Allow: true, Reason: ReasonSharedOrigin}
	case target == s.backendOrigin:
		return Decision{Allow: true, Reason: ReasonBackend}
	}

	mode := s.Mode()
	if mode == domain.ModeFailOpenNoOp {
		return Decision{Allow: true, Reason: ReasonMode}
	}

	now := s.now()
	if status, ok := s.cache.Get(link, now); ok {
		return Decision{Allow: status, Reason: ReasonCache}
	}

	if mode == domain.ModeDecisionNoOp {
		s.cache.Put(link, true, now.Add(s.cfg.CacheTTL))
		return Decision{Allow: true, Reason: ReasonMode}
	}

	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	status, err := s.transport.QueryStatus(qctx, domain.StatusRequest{
		Mode:   string(s.cfg.APIMode),
		Domain: domain.Hostname(pageOrigin),
		Page:   base64.StdEncoding.EncodeToString([]byte(pageURL(page, pageOrigin))),
		URL:    base64.StdEncoding.EncodeToString([]byte(link)),
	})
	if err != nil {
		s.connErrored(err)
		return Decision{Allow: false, Reason: ReasonError}
	}
	s.resetConnErrors()
	if status == nil {
		// проверка еще идет: не кэшируем, спросим снова в следующий раз
		return Decision{Allow: false, Reason: ReasonPending}
	}
	s.cache.Put(link, *status, s.now().Add(s.cfg.CacheTTL))
	return Decision{Allow: *status, Reason: ReasonStatus}
}

func pageURL(page, fallback string) string {
	if page != "" {
		return page
	}
	return fallback
}

func (s *Session) countUsage(origin string, allowed bool) {
	if origin == "" {
		return
	}
	decision := "block"
	if allowed {
		decision = "allow"
	}
	s.metrics.GateEndpointUsage.WithLabelValues(origin, decision).Inc()

	s.mu.Lock()
	u, ok := s.usage[origin]
	if !ok {
		u = &EndpointUsage{}
		s.usage[origin] = u
	}
	if allowed {
		u.Allowed++
	} else {
		u.Blocked++
	}
	s.mu.Unlock()
}

// EndpointUsage — копия счетчиков обращений по origin.
func (s *Session) EndpointUsage() map[string]EndpointUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]EndpointUsage, len(s.usage))
	for origin, u := range s.usage {
		out[origin] = *u
	}
	return out
}

func (s *Session) resetConnErrors() {
	s.mu.Lock()
	if s.errs < s.cfg.MaxConnErrs {
		s.errs = 0
	}
	s.mu.Unlock()
}

// connErrored считает сбой связи. На MaxConnErrs в нормальном режиме шлюз
// переходит в fail-open, сбрасывает известную конфигурацию (следующий
// успешный опрос будет считаться новым) и замедляет heartbeat.
func (s *Session) connErrored(cause error) {
	s.mu.Lock()
	s.errs++
	errs := s.errs
	trip := errs >= s.cfg.MaxConnErrs && s.mode == domain.ModeNormal
	if trip {
		s.mode = domain.ModeFailOpenNoOp
		s.config = domain.GateConfig{}
		s.interval = s.cfg.ErroredHeartbeat
	}
	s.mu.Unlock()

	s.logger.Warn("backend connection error", zap.Int("errors", errs), zap.Error(cause))
	if trip {
		s.metrics.GateMode.Set(float64(domain.ModeFailOpenNoOp))
		s.logger.Error("too many connection errors, switching to fail-open",
			zap.Int("max", s.cfg.MaxConnErrs), zap.Duration("heartbeat", s.cfg.ErroredHeartbeat))
		s.signalWake()
		s.hub.Publish(Message{Type: MsgReload})
	}
}

// PollConfig — один опрос {version, mode}.
func (s *Session) PollConfig(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	cfg, err := s.transport.FetchConfig(ctx)
	if err != nil {
		s.connErrored(err)
		return fmt.Errorf("poll config: %w", err)
	}
	s.applyConfig(cfg)
	return nil
}

// applyConfig: успешный опрос сбрасывает счетчик ошибок и обычный период.
// Перезагрузка страниц рассылается только при смене режима.
func (s *Session) applyConfig(cfg domain.GateConfig) {
	s.mu.Lock()
	restored := s.errs >= s.cfg.MaxConnErrs
	if restored {
		s.interval = s.cfg.Heartbeat
	}
	s.errs = 0
	if cfg == s.config {
		s.mu.Unlock()
		if restored {
			s.signalWake()
		}
		return
	}
	prev := s.mode
	s.config = cfg
	s.mode = cfg.Mode
	s.mu.Unlock()

	if restored {
		s.signalWake()
	}
	s.metrics.GateMode.Set(float64(cfg.Mode))
	s.logger.Info("gate config updated",
		zap.Int("version", cfg.Version), zap.Stringer("mode", cfg.Mode), zap.Stringer("prev", prev))
	if cfg.Mode != prev {
		s.hub.Publish(Message{Type: MsgReload})
	}
}

// SetMode переключает режим явно. reregister просит страницы
// переподключиться к шлюзу, иначе им рассылается reload.
func (s *Session) SetMode(mode domain.Mode, reregister bool) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: mode %d", domain.ErrInvalidArgument, int(mode))
	}
	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	s.mu.Unlock()

	s.metrics.GateMode.Set(float64(mode))
	if reregister {
		s.hub.Publish(Message{Type: MsgReregister})
	} else if prev != mode {
		s.hub.Publish(Message{Type: MsgReload})
	}
	s.logger.Info("gate mode set", zap.Stringer("mode", mode), zap.Bool("reregister", reregister))
	return nil
}

// modeFromUA: подсказка в User-Agent, а при исчерпанных ошибках связи: fail-open.
func (s *Session) modeFromUA(ua string) domain.Mode {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, UANoopSW) || s.ConnErrors() >= s.cfg.MaxConnErrs:
		return domain.ModeFailOpenNoOp
	case strings.Contains(ua, UANoopLMS):
		return domain.ModeDecisionNoOp
	}
	return domain.ModeNormal
}

// Handle выполняет управляющую команду и возвращает ее результат (если есть).
func (s *Session) Handle(msg ControlMessage) (any, error) {
	switch msg.Type {
	case MsgUpdateMode:
		return nil, s.SetMode(s.modeFromUA(msg.UA), false)
	case MsgForceActivate:
		return nil, s.SetMode(s.modeFromUA(msg.UA), true)
	case MsgClearCache:
		s.cache.Clear()
		s.responses.Clear()
		s.logger.Info("caches cleared")
		return nil, nil
	case MsgEndpointUsage:
		return s.EndpointUsage(), nil
	case MsgActiveTab:
		s.hub.Publish(Message{Type: MsgActiveTab, Data: msg.URL})
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// Run — heartbeat до отмены ctx. Период меняется на лету (errored/normal).
func (s *Session) Run(ctx context.Context) {
	s.logger.Info("gate session started",
		zap.String("origin", s.origin), zap.Stringer("mode", s.Mode()))
	s.hub.Publish(Message{Type: MsgReload})

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("gate session stopped")
			return
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval())
		case <-timer.C:
			if err := s.PollConfig(ctx); err != nil {
				s.logger.Debug("heartbeat failed", zap.Error(err))
			}
			timer.Reset(s.Interval())
		}
	}
}

func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
