package links

/*
Recorder: фоновая запись наблюдаемых ссылок (Link) в хранилище.

- Record не блокирует горячий путь запроса статуса: ссылка кладется в буферизованный
  канал, при переполнении отбрасывается с логом (load shedding).
- Ссылки копятся в пачку и пишутся bulk-upsert'ом по таймеру или по размеру пачки.
  Запись мягкая: сбой отдельного документа логируется и не роняет пачку.
- Stop закрывает вход, вычитывает остаток канала и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/metrics"
)

const (
	defaultBufferSize = 10000
	batchSize         = 100
	flushInterval     = 500 * time.Millisecond
)

type Recorder struct {
	ch      chan domain.Link
	store   domain.LinkStore
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	// mu защищает закрытие канала от конкурентного Record
	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store domain.LinkStore, bufferSize int, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Recorder{
		ch:      make(chan domain.Link, bufferSize),
		store:   store,
		metrics: m,
		logger:  logger.Named("link_recorder"),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop запирает вход и ждет, пока воркер допишет буфер.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()

	r.logger.Info("stopping recorder: flushing buffer...")
	r.wg.Wait()
	r.logger.Info("recorder stopped gracefully")
}

// Record ставит ссылку в очередь на запись. Не блокирует.
func (r *Recorder) Record(l domain.Link) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("link dropped: recorder is stopping", zap.String("url_target", l.URLTarget))
		return
	}

	select {
	case r.ch <- l:
		r.metrics.RecorderBufferFill.Set(float64(len(r.ch)) / float64(cap(r.ch)))
	default:
		r.metrics.ErrorTotal.WithLabelValues("recorder_overflow").Inc()
		r.logger.Error("link_buffer_overflow",
			zap.String("url_source", l.URLSource),
			zap.String("url_target", l.URLTarget))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]domain.Link, 0, batchSize)
	seen := make(map[string]struct{}, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: при остановке контекст сервиса уже отменен
		res, err := r.store.UpsertLinks(context.Background(), batch, domain.Lenient)
		if err != nil {
			r.logger.Error("link flush failed", zap.Int("links", len(batch)), zap.Error(err))
		}
		for id, ferr := range res.Failed {
			r.logger.Warn("link not stored", zap.String("id", id), zap.Error(ferr))
		}
		batch = batch[:0]
		clear(seen)
		r.metrics.RecorderBufferFill.Set(float64(len(r.ch)) / float64(cap(r.ch)))
	}

	for {
		select {
		case l, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			if _, dup := seen[l.ID]; dup {
				continue
			}
			seen[l.ID] = struct{}{}
			batch = append(batch, l)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
