package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
)

// SiteService — операции над сайтом целиком.
type SiteService struct {
	queue  Enqueuer
	logger *zap.Logger
}

func NewSiteService(queue Enqueuer, logger *zap.Logger) *SiteService {
	return &SiteService{queue: queue, logger: logger.Named("site-service")}
}

// Verify ставит задание на перепроверку всех известных ссылок домена.
func (s *SiteService) Verify(ctx context.Context, domainName string) (domain.Job, error) {
	host := domain.Hostname(domainName)
	if host == "" {
		return domain.Job{}, fmt.Errorf("%w: domain is required", domain.ErrInvalidArgument)
	}
	job, err := s.queue.Enqueue(ctx, domain.Job{Domain: host}, 0)
	if err != nil {
		return domain.Job{}, fmt.Errorf("enqueue site verification: %w", err)
	}
	s.logger.Info("site verification enqueued", zap.String("domain", host), zap.String("job_id", job.ID))
	return job, nil
}
