package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
)

// Runner выполняет одно задание.
type Runner interface {
	Run(ctx context.Context, job domain.Job) error
}

// Source — очередь, из которой воркер берет задания.
type Source interface {
	Reserve(ctx context.Context, wait time.Duration) (*domain.Job, error)
	Ack(ctx context.Context, job domain.Job) error
	Fail(ctx context.Context, job domain.Job, cause error) (bool, error)
}

// Pinger — внешний healthcheck (cron-монитор).
type Pinger interface {
	Probe(ctx context.Context, url string) error
}

type Counters struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (c Counters) Total() int { return c.Succeeded + c.Failed }

// Worker берет задания из очереди по одному. Процесс живет ограниченное время
// (restart_every плюс случайная минута) или до max_jobs_per_run заданий, затем
// выходит и перезапускается супервизором.
type Worker struct {
	cfg    infra.WorkerConfig
	source Source
	runner Runner
	pinger Pinger
	logger *zap.Logger
	now    func() time.Time
	jitter func() time.Duration

	mu       sync.Mutex
	counters Counters
}

func New(cfg infra.WorkerConfig, source Source, runner Runner, pinger Pinger, logger *zap.Logger) *Worker {
	if cfg.Name == "" {
		cfg.Name = "verifier"
	}
	if cfg.MaxJobsPerRun <= 0 {
		cfg.MaxJobsPerRun = 100
	}
	return &Worker{
		cfg:    cfg,
		source: source,
		runner: runner,
		pinger: pinger,
		logger: logger.Named("worker").With(zap.String("worker", cfg.Name)),
		now:    time.Now,
		jitter: func() time.Duration { return time.Duration(rand.Float64() * float64(time.Minute)) },
	}
}

func (w *Worker) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}

// Run обрабатывает задания до отмены ctx, истечения срока жизни или лимита заданий.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.loadCounters(); err != nil {
		w.logger.Warn("could not load counters, starting from zero", zap.Error(err))
	}
	start := w.now()
	initial := w.Counters().Total()

	var deadline time.Time
	if w.cfg.RestartEvery > 0 {
		deadline = start.Add(w.cfg.RestartEvery + w.jitter())
	}
	w.logger.Info("worker started",
		zap.Time("deadline", deadline),
		zap.Int("max_jobs", w.cfg.MaxJobsPerRun))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopping by context", zap.Any("processed", w.Counters()))
			return nil
		}
		if !deadline.IsZero() && !w.now().Before(deadline) {
			w.logger.Info("worker lifetime reached",
				zap.Duration("lifetime", w.now().Sub(start)),
				zap.Any("processed", w.Counters()))
			return nil
		}
		if done := w.Counters().Total() - initial; done >= w.cfg.MaxJobsPerRun {
			w.logger.Info("max jobs per run reached", zap.Int("processed", done))
			return nil
		}

		job, err := w.source.Reserve(ctx, w.cfg.ReserveWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("reserve failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.Process(ctx, *job)
	}
}

// Process выполняет одно задание с таймаутом job.Timeout и отчитывается в очередь.
func (w *Worker) Process(ctx context.Context, job domain.Job) {
	start := w.now()
	log := w.logger.With(zap.String("job_id", job.ID), zap.String("domain", job.Domain))
	log.Info("got job", zap.String("page", job.Page), zap.String("url_target", job.URLTarget))

	w.ping(ctx, true)

	jobCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	err := w.runner.Run(jobCtx, job)

	w.mu.Lock()
	if err != nil {
		w.counters.Failed++
	} else {
		w.counters.Succeeded++
	}
	w.mu.Unlock()

	if err != nil {
		log.Error("job FAILED", zap.Duration("took", w.now().Sub(start)), zap.Error(err))
		if _, ferr := w.source.Fail(context.WithoutCancel(ctx), job, err); ferr != nil {
			log.Error("could not report job failure", zap.Error(ferr))
		}
	} else {
		log.Info("job SUCCEEDED", zap.Duration("took", w.now().Sub(start)))
		if aerr := w.source.Ack(context.WithoutCancel(ctx), job); aerr != nil {
			log.Error("could not ack job", zap.Error(aerr))
		}
		w.ping(ctx, false)
	}

	if serr := w.saveCounters(); serr != nil {
		log.Warn("could not persist counters", zap.Error(serr))
	}
}

// ping: "<url>/start" перед заданием, "<url>" после успешного.
func (w *Worker) ping(ctx context.Context, isStart bool) {
	if w.cfg.HealthcheckURL == "" || w.pinger == nil {
		return
	}
	url := w.cfg.HealthcheckURL
	if isStart {
		url += "/start"
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := w.pinger.Probe(pctx, url); err != nil {
		w.logger.Warn("healthcheck failed", zap.Bool("start", isStart), zap.Error(err))
	}
}

func (w *Worker) statusPath() string {
	if w.cfg.StatusDir == "" {
		return ""
	}
	return filepath.Join(w.cfg.StatusDir, w.cfg.Name+".json")
}

func (w *Worker) loadCounters() error {
	path := w.statusPath()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var c Counters
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	w.mu.Lock()
	w.counters = c
	w.mu.Unlock()
	return nil
}

func (w *Worker) saveCounters() error {
	path := w.statusPath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(w.cfg.StatusDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(w.Counters())
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
