package postgres

/*
Файл policy_repo.go: хранение правил (Policies). ID политики считается от имени,
поэтому повторная отправка политики с тем же именем заменяет запись.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/lms/internal/domain"
)

const policyColumns = `id, name, description, strategy, type, origin_source, origin_target,
	url_source, url_target, created, expired, verify_fn, verify_fn_output, duration, extra_args`

const upsertPolicySQL = `
	INSERT INTO policies (` + policyColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		strategy = EXCLUDED.strategy,
		type = EXCLUDED.type,
		origin_source = EXCLUDED.origin_source,
		origin_target = EXCLUDED.origin_target,
		url_source = EXCLUDED.url_source,
		url_target = EXCLUDED.url_target,
		expired = EXCLUDED.expired,
		verify_fn = EXCLUDED.verify_fn,
		verify_fn_output = EXCLUDED.verify_fn_output,
		duration = EXCLUDED.duration,
		extra_args = EXCLUDED.extra_args`

func (s *Store) UpsertPolicies(ctx context.Context, policies []domain.Policy, opts domain.BulkOptions) (domain.BulkResult, error) {
	items := make([]bulkItem, 0, len(policies))
	for _, p := range policies {
		args := p.ExtraArgs
		if args == nil {
			args = map[string]any{}
		}
		items = append(items, bulkItem{
			id:  p.ID,
			sql: upsertPolicySQL,
			args: []any{
				p.ID, p.Name, p.Description, p.Strategy, string(p.Type), p.OriginSource, p.OriginTarget,
				p.URLSource, p.URLTarget, p.Created, p.Expired, p.VerifyFn, p.VerifyFnOutput, p.Duration, args,
			},
		})
	}
	return s.bulkExec(ctx, items, opts)
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`

	p, err := scanPolicy(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get policy: %w", err)
	}
	return p, nil
}

// PoliciesByOrigin — «холодная» выборка политик домена: originSource оканчивается на suffix.
func (s *Store) PoliciesByOrigin(ctx context.Context, suffix string) ([]domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE origin_source LIKE $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, likeSuffix(suffix))
	if err != nil {
		return nil, fmt.Errorf("postgres: policies by origin: %w", err)
	}
	defer rows.Close()

	var results []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var (
		p     domain.Policy
		ptype string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Strategy, &ptype, &p.OriginSource, &p.OriginTarget,
		&p.URLSource, &p.URLTarget, &p.Created, &p.Expired, &p.VerifyFn, &p.VerifyFnOutput, &p.Duration, &p.ExtraArgs,
	)
	if err != nil {
		return nil, err
	}
	p.Type = domain.PolicyType(ptype)
	return &p, nil
}
