package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/lms/internal/domain"
)

const insertVerificationSQL = `
	INSERT INTO verifications (ts, expires, policy_id, link_id, origin_source, origin_target,
		url_source, url_target, output_expected, output_actual, success, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// InsertVerifications — только вставка: история проверок не обновляется и не удаляется.
func (s *Store) InsertVerifications(ctx context.Context, vs []domain.Verification, opts domain.BulkOptions) (domain.BulkResult, error) {
	items := make([]bulkItem, 0, len(vs))
	for _, v := range vs {
		items = append(items, bulkItem{
			id:  v.PolicyID + " " + v.LinkID,
			sql: insertVerificationSQL,
			args: []any{
				v.Timestamp, v.Expires, v.PolicyID, v.LinkID, v.OriginSource, v.OriginTarget,
				v.URLSource, v.URLTarget, v.OutputExpected, v.OutputActual, v.Success, v.Error,
			},
		})
	}
	return s.bulkExec(ctx, items, opts)
}

// LatestOutcomes — группировка (link_id, policy_id), top-1 по времени среди неистекших,
// keyset-пагинация по ключу группы.
func (s *Store) LatestOutcomes(ctx context.Context, q domain.OutcomeQuery) ([]domain.Outcome, error) {
	query := `
		SELECT DISTINCT ON (link_id, policy_id) link_id, policy_id, success, ts, expires
		FROM verifications
		WHERE link_id = ANY($1)
		  AND expires > $2
		  AND (link_id, policy_id) > ($3, $4)
		ORDER BY link_id, policy_id, ts DESC, id DESC
		LIMIT $5`

	rows, err := s.pool.Query(ctx, query, q.LinkIDs, q.Now.UnixMilli(), q.AfterLink, q.AfterPolicy, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: latest outcomes: %w", err)
	}
	defer rows.Close()

	var out []domain.Outcome
	for rows.Next() {
		var o domain.Outcome
		if err := rows.Scan(&o.LinkID, &o.PolicyID, &o.Success, &o.Timestamp, &o.Expires); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
