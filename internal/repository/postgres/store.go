package postgres

/*
Файл store.go: документное хранилище LMS поверх PostgreSQL.
Policy/Link/PolicyLinkState пишутся upsert'ом по детерминированному id,
Verification пишется только вставкой (история копится, дубликаты безвредны).
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/lms/internal/domain"
	"github.com/xela07ax/lms/internal/infra"
	"go.uber.org/zap"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore поднимает пул и дожидается доступности базы (с повторами).
func NewStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}

	var pool *pgxpool.Pool
	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(2*time.Second),
	)
	err = r.Do(func() error {
		p, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: connect retries exhausted: %w", err)
	}

	return &Store{pool: pool, logger: logger.Named("postgres")}, nil
}

// NewStoreFromPool — для тестов и встраивания.
func NewStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger.Named("postgres")}
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

type bulkItem struct {
	id   string
	sql  string
	args []any
}

// bulkExec отправляет пакет одним round trip. Пакет pgx выполняется в неявной
// транзакции, поэтому при ошибке повторяем документы по одному и собираем
// ошибки поштучно, не прерывая остальные.
func (s *Store) bulkExec(ctx context.Context, items []bulkItem, opts domain.BulkOptions) (domain.BulkResult, error) {
	var res domain.BulkResult
	if len(items) == 0 {
		return res, nil
	}

	b := &pgx.Batch{}
	for _, it := range items {
		b.Queue(it.sql, it.args...)
	}
	br := s.pool.SendBatch(ctx, b)
	var batchErr error
	for range items {
		if _, err := br.Exec(); err != nil {
			batchErr = err
			break
		}
	}
	if err := br.Close(); err != nil && batchErr == nil {
		batchErr = err
	}
	if batchErr == nil {
		res.Written = len(items)
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	s.logger.Warn("batch write failed, retrying per document", zap.Int("size", len(items)), zap.Error(batchErr))
	for _, it := range items {
		if _, err := s.pool.Exec(ctx, it.sql, it.args...); err != nil {
			res.Fail(it.id, err)
			continue
		}
		res.Written++
	}
	return res.Finish(opts)
}

// likeSuffix строит паттерн «оканчивается на» с экранированием спецсимволов LIKE.
func likeSuffix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s)
}
