package service

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
)

// StatusSource — агрегатор статусов ссылок.
type StatusSource interface {
	LinkStatus(ctx context.Context, domainName, page, urlTarget string) (*bool, error)
	GetLinkStatuses(ctx context.Context, domainName, page string) (map[string]*bool, error)
}

// Enqueuer ставит задания верификации.
type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.Job, delay time.Duration) (domain.Job, error)
}

// LinkRecorder фоново записывает наблюдаемые ссылки.
type LinkRecorder interface {
	Record(l domain.Link)
}

// StatusQuery — запрос статуса одной ссылки; Page и URL уже декодированы.
type StatusQuery struct {
	Mode   string
	Domain string
	Page   string
	URL    string
}

type LinkService struct {
	cfg      infra.APIConfig
	statuses StatusSource
	queue    Enqueuer
	recorder LinkRecorder
	links    domain.LinkStore
	logger   *zap.Logger
}

func NewLinkService(cfg infra.APIConfig, statuses StatusSource, queue Enqueuer, recorder LinkRecorder, links domain.LinkStore, logger *zap.Logger) *LinkService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &LinkService{
		cfg:      cfg,
		statuses: statuses,
		queue:    queue,
		recorder: recorder,
		links:    links,
		logger:   logger.Named("link-service"),
	}
}

// mode: режим из запроса, иначе из конфигурации.
func (s *LinkService) mode(requested string) (domain.APIMode, error) {
	if requested == "" {
		requested = s.cfg.Mode
	}
	m, err := domain.ParseAPIMode(requested)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return m, nil
}

// GetStatus — решение по ссылке page -> url.
//   - noop: всегда true, без побочных эффектов;
//   - discovery: ссылка записывается, непроверенная ставится в очередь с задержкой, ответ true;
//   - normal: текущий статус; nil ставит задание и ждет результата до wait_timeout.
//
// Флаг status_bypass в normal отвечает true, не дожидаясь проверки.
func (s *LinkService) GetStatus(ctx context.Context, q StatusQuery) (*bool, error) {
	mode, err := s.mode(q.Mode)
	if err != nil {
		return nil, err
	}
	if mode == domain.APIModeNoop {
		return domain.Bool(true), nil
	}

	if err := validateURL(q.Page); err != nil {
		return nil, fmt.Errorf("%w: page: %v", domain.ErrInvalidArgument, err)
	}
	if err := validateURL(q.URL); err != nil {
		return nil, fmt.Errorf("%w: url: %v", domain.ErrInvalidArgument, err)
	}
	if q.Domain == "" {
		q.Domain = domain.Hostname(q.Page)
	}

	link := domain.NewLink(q.Page, q.URL, true)
	link.OriginSource = domain.Hostname(q.Domain)
	s.recorder.Record(link)

	status, err := s.statuses.LinkStatus(ctx, q.Domain, q.Page, q.URL)
	if err != nil {
		return nil, err
	}

	job := domain.Job{Domain: q.Domain, Page: q.Page, URLTarget: q.URL}

	if mode == domain.APIModeDiscovery {
		if status == nil {
			s.enqueue(ctx, job, s.cfg.DiscoveryDelay)
		}
		return domain.Bool(true), nil
	}

	if s.cfg.StatusBypass {
		return domain.Bool(true), nil
	}
	if status != nil {
		return status, nil
	}

	// задание увидит ссылку только из хранилища, рекордер может не успеть
	if _, err := s.links.UpsertLinks(ctx, []domain.Link{link}, domain.Strict); err != nil {
		return nil, fmt.Errorf("store link: %w", err)
	}
	s.enqueue(ctx, job, 0)
	return s.waitForStatus(ctx, q)
}

// waitForStatus опрашивает агрегатор, пока статус не определится или не выйдет время.
func (s *LinkService) waitForStatus(ctx context.Context, q StatusQuery) (*bool, error) {
	if s.cfg.WaitTimeout <= 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("verification still pending",
				zap.String("page", q.Page),
				zap.String("url", q.URL))
			return nil, nil
		case <-ticker.C:
			status, err := s.statuses.LinkStatus(ctx, q.Domain, q.Page, q.URL)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil
				}
				return nil, err
			}
			if status != nil {
				return status, nil
			}
		}
	}
}

// GetStatuses — статусы всех известных ссылок страницы. Вне normal ответ пустой.
// По каждой ссылке с nil-статусом ставится задание.
func (s *LinkService) GetStatuses(ctx context.Context, mode, domainName, page string) (map[string]*bool, error) {
	m, err := s.mode(mode)
	if err != nil {
		return nil, err
	}
	if m != domain.APIModeNormal {
		return map[string]*bool{}, nil
	}
	if err := validateURL(page); err != nil {
		return nil, fmt.Errorf("%w: page: %v", domain.ErrInvalidArgument, err)
	}
	if domainName == "" {
		domainName = domain.Hostname(page)
	}

	statuses, err := s.statuses.GetLinkStatuses(ctx, domainName, page)
	if err != nil {
		return nil, err
	}
	for target, st := range statuses {
		if st == nil {
			s.enqueue(ctx, domain.Job{Domain: domainName, Page: page, URLTarget: target}, 0)
		}
	}
	return statuses, nil
}

// Resolutions принимает отчет клиента о DNS-разрешениях и возвращает список доменов.
func (s *LinkService) Resolutions(dns map[string]any) []string {
	out := make([]string, 0, len(dns))
	for d := range dns {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// enqueue не роняет ответ клиенту: ошибка очереди только логируется.
func (s *LinkService) enqueue(ctx context.Context, job domain.Job, delay time.Duration) {
	if _, err := s.queue.Enqueue(context.WithoutCancel(ctx), job, delay); err != nil {
		s.logger.Error("failed to enqueue verification",
			zap.String("domain", job.Domain),
			zap.String("url_target", job.URLTarget),
			zap.Error(err))
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("absolute url required, got %q", raw)
	}
	return nil
}
