package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
	"github.com/xela07ax/lms/internal/metrics"
)

// Переносит созревшие отложенные задания в pending.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('LPUSH', KEYS[2], id)
  end
end
return #ids
`)

// Выдает задание: перенос id в processing, чтение тела и аренда одним шагом,
// чтобы выданное задание не осталось без дедлайна. ARGV[1]: предварительный дедлайн.
var reserveScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
  return false
end
local data = redis.call('HGET', KEYS[3], id)
if not data then
  redis.call('LREM', KEYS[2], 1, id)
  return false
end
redis.call('ZADD', KEYS[4], ARGV[1], id)
return {id, data}
`)

// Снимает истекшую аренду и перекладывает задание в KEYS[3] (pending или failed)
// с обновленным телом. Снятие атомарно, чтобы два реапера не задвоили задание.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('LREM', KEYS[2], 1, ARGV[1])
  redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  return 1
end
return 0
`)

const (
	promoteBatch = 100
	reservePoll  = 250 * time.Millisecond
)

// Queue — надежная очередь заданий верификации поверх Redis (at-least-once).
// Задание выдается под аренду; не подтвержденное до дедлайна возвращается в pending.
type Queue struct {
	rdb     *redis.Client
	cfg     infra.QueueConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	pending, processing, active, delayed, jobs, failed string
}

func New(rdb *redis.Client, cfg infra.QueueConfig, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "verify"
	}
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Queue{
		rdb:        rdb,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Named("queue").With(zap.String("queue", cfg.Name)),
		now:        time.Now,
		pending:    infra.QueueKey(cfg.Name, infra.QueuePending),
		processing: infra.QueueKey(cfg.Name, infra.QueueProcessing),
		active:     infra.QueueKey(cfg.Name, infra.QueueActive),
		delayed:    infra.QueueKey(cfg.Name, infra.QueueDelayed),
		jobs:       infra.QueueKey(cfg.Name, infra.QueueJobs),
		failed:     infra.QueueKey(cfg.Name, infra.QueueFailed),
	}
}

// Enqueue ставит задание в очередь. delay > 0: задание станет доступно не раньше now+delay.
// Таймаут и бюджет повторов фиксируются в момент постановки.
func (q *Queue) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) (domain.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	job.QueueTime = now.UnixMilli()
	if job.Timeout == 0 {
		job.Timeout = q.cfg.SimpleTimeout
		if job.DomainWide() {
			job.Timeout = q.cfg.EvalTimeout
		}
	}
	if job.Retries == 0 {
		job.Retries = q.cfg.Retries
	}

	data, err := json.Marshal(job)
	if err != nil {
		return job, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobs, job.ID, data)
		if delay > 0 {
			pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
		} else {
			pipe.LPush(ctx, q.pending, job.ID)
		}
		return nil
	})
	if err != nil {
		q.metrics.ErrorTotal.WithLabelValues("queue").Inc()
		return job, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("domain", job.Domain),
		zap.Duration("delay", delay))
	return job, nil
}

// Reserve выдает следующее задание под аренду длиной job.Timeout.
// wait > 0: ожидание появления задания с опросом. Пустая очередь, (nil, nil).
func (q *Queue) Reserve(ctx context.Context, wait time.Duration) (*domain.Job, error) {
	stop := time.Now().Add(wait)
	for {
		job, err := q.reserveOnce(ctx)
		if job != nil || err != nil {
			return job, err
		}
		remaining := time.Until(stop)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(remaining, reservePoll)):
		}
	}
}

func (q *Queue) reserveOnce(ctx context.Context) (*domain.Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	now := q.now()
	res, err := reserveScript.Run(ctx, q.rdb,
		[]string{q.pending, q.processing, q.jobs, q.active},
		now.Add(q.maxLease()).UnixMilli()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("reserve: unexpected reply of %d elements", len(res))
	}
	id := res[0]

	var job domain.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		q.rdb.ZRem(ctx, q.active, id)
		q.rdb.LRem(ctx, q.processing, 1, id)
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	// Предварительная аренда уже стоит; здесь она уточняется до job.Timeout.
	deadline := now.Add(job.Timeout)
	if err := q.rdb.ZAddXX(ctx, q.active, redis.Z{Score: float64(deadline.UnixMilli()), Member: id}).Err(); err != nil {
		q.logger.Warn("could not set exact lease, keeping provisional one",
			zap.String("job_id", id), zap.Error(err))
	}
	return &job, nil
}

// maxLease: самая длинная аренда из настроек, пока тело задания еще не разобрано.
func (q *Queue) maxLease() time.Duration {
	lease := max(q.cfg.SimpleTimeout, q.cfg.EvalTimeout)
	if lease <= 0 {
		lease = 10 * time.Minute
	}
	return lease
}

func (q *Queue) promote(ctx context.Context) error {
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.pending}, q.now().UnixMilli(), promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed: %w", err)
	}
	return nil
}

// Ack подтверждает успешное выполнение и удаляет задание.
func (q *Queue) Ack(ctx context.Context, job domain.Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, job.ID)
		pipe.ZRem(ctx, q.active, job.ID)
		pipe.HDel(ctx, q.jobs, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	q.metrics.JobsTotal.WithLabelValues("succeeded").Inc()
	return nil
}

// Fail учитывает неудачную попытку. Пока бюджет не исчерпан, задание возвращается
// в pending; иначе уходит в failed. retried сообщает, что будет еще попытка.
func (q *Queue) Fail(ctx context.Context, job domain.Job, cause error) (retried bool, err error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	retried = job.Attempts <= job.Retries

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, job.ID)
		pipe.ZRem(ctx, q.active, job.ID)
		pipe.HSet(ctx, q.jobs, job.ID, data)
		if retried {
			pipe.LPush(ctx, q.pending, job.ID)
		} else {
			pipe.LPush(ctx, q.failed, job.ID)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}

	if retried {
		q.metrics.JobsTotal.WithLabelValues("retried").Inc()
		q.logger.Warn("job failed, will retry",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts),
			zap.Int("retries", job.Retries),
			zap.Error(cause))
		return true, nil
	}
	q.metrics.JobsTotal.WithLabelValues("failed").Inc()
	q.logger.Error("job failed permanently",
		zap.String("job_id", job.ID),
		zap.String("domain", job.Domain),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))
	return false, nil
}

// ReapStalled возвращает в pending задания с истекшей арендой. Зависание
// считается попыткой: задание, исчерпавшее бюджет повторов, уходит в failed.
func (q *Queue) ReapStalled(ctx context.Context) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.active, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(q.now().UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list stalled: %w", err)
	}

	n := 0
	for _, id := range ids {
		data, err := q.rdb.HGet(ctx, q.jobs, id).Bytes()
		if errors.Is(err, redis.Nil) {
			q.rdb.ZRem(ctx, q.active, id)
			q.rdb.LRem(ctx, q.processing, 1, id)
			continue
		}
		if err != nil {
			return n, fmt.Errorf("load stalled %s: %w", id, err)
		}
		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return n, fmt.Errorf("decode stalled %s: %w", id, err)
		}

		job.Attempts++
		job.LastError = "lease expired"
		retried := job.Attempts <= job.Retries
		target := q.pending
		if !retried {
			target = q.failed
		}
		data, err = json.Marshal(job)
		if err != nil {
			return n, fmt.Errorf("marshal job: %w", err)
		}

		moved, err := requeueScript.Run(ctx, q.rdb, []string{q.active, q.processing, target, q.jobs}, id, data).Int()
		if err != nil {
			return n, fmt.Errorf("requeue %s: %w", id, err)
		}
		if moved == 0 {
			continue
		}
		n++
		if retried {
			q.metrics.JobsTotal.WithLabelValues("stalled").Inc()
			q.logger.Warn("stalled job requeued",
				zap.String("job_id", id),
				zap.Int("attempt", job.Attempts),
				zap.Int("retries", job.Retries))
		} else {
			q.metrics.JobsTotal.WithLabelValues("failed").Inc()
			q.logger.Error("stalled job failed permanently",
				zap.String("job_id", id),
				zap.String("domain", job.Domain),
				zap.Int("attempts", job.Attempts))
		}
	}
	return n, nil
}

// RunReaper периодически ищет зависшие задания до отмены ctx.
func (q *Queue) RunReaper(ctx context.Context) {
	interval := q.cfg.StallInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReapStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("stall check failed", zap.Error(err))
			}
		}
	}
}

type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Failed     int64 `json:"failed"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, processing, failed *redis.IntCmd
		delayed                     *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pending = pipe.LLen(ctx, q.pending)
		processing = pipe.LLen(ctx, q.processing)
		delayed = pipe.ZCard(ctx, q.delayed)
		failed = pipe.LLen(ctx, q.failed)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Failed:     failed.Val(),
	}, nil
}

// Failed — окончательно упавшие задания, последние сначала.
func (q *Queue) Failed(ctx context.Context, limit int64) ([]domain.Job, error) {
	ids, err := q.rdb.LRange(ctx, q.failed, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := q.rdb.HMGet(ctx, q.jobs, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}
	out := make([]domain.Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(s), &job); err == nil {
			out = append(out, job)
		}
	}
	return out, nil
}
