package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/lms/internal/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter сериализует обращения к одному внешнему ресурсу: не более
// maxConcurrent одновременно и не чаще одного старта за minTime.
// Лимитеры живут в процессе; N воркеров дают N-кратную нагрузку.
type Limiter struct {
	name    string
	sem     *semaphore.Weighted
	rl      *rate.Limiter
	metrics *metrics.Metrics
}

func NewLimiter(name string, maxConcurrent int64, minTime time.Duration, m *metrics.Metrics) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	rl := rate.NewLimiter(rate.Inf, 1)
	if minTime > 0 {
		rl = rate.NewLimiter(rate.Every(minTime), 1)
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Limiter{
		name:    name,
		sem:     semaphore.NewWeighted(maxConcurrent),
		rl:      rl,
		metrics: m,
	}
}

func (l *Limiter) Name() string { return l.name }

// Do ждет своей очереди и выполняет fn. Ожидание прерывается контекстом задания.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("limiter %s: %w", l.name, err)
	}
	defer l.sem.Release(1)

	if err := l.rl.Wait(ctx); err != nil {
		return fmt.Errorf("limiter %s: %w", l.name, err)
	}
	l.metrics.LimiterWait.WithLabelValues(l.name).Observe(time.Since(start).Seconds())
	return fn(ctx)
}

// Limiters — по одному на каждый внешний источник.
type Limiters struct {
	Registry *Limiter // WHOIS
	Ranking  *Limiter
	Geo      *Limiter
}

func NewLimiters(registry, ranking, geo time.Duration, m *metrics.Metrics) Limiters {
	return Limiters{
		Registry: NewLimiter("registry", 1, registry, m),
		Ranking:  NewLimiter("ranking", 1, ranking, m),
		Geo:      NewLimiter("geolocation", 1, geo, m),
	}
}
