package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/lms/internal/domain"
)

const upsertLinkSQL = `
	INSERT INTO links (id, origin_source, origin_target, url_source, url_target, from_client)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (id) DO UPDATE SET from_client = links.from_client OR EXCLUDED.from_client`

func (s *Store) UpsertLinks(ctx context.Context, links []domain.Link, opts domain.BulkOptions) (domain.BulkResult, error) {
	items := make([]bulkItem, 0, len(links))
	for _, l := range links {
		items = append(items, bulkItem{
			id:   l.ID,
			sql:  upsertLinkSQL,
			args: []any{l.ID, l.OriginSource, l.OriginTarget, l.URLSource, l.URLTarget, l.FromClient},
		})
	}
	return s.bulkExec(ctx, items, opts)
}

// ScanLinks — keyset-пагинация по id, фильтры по домену и точным URL.
func (s *Store) ScanLinks(ctx context.Context, f domain.LinkFilter, after string, limit int) ([]domain.Link, error) {
	query := `
		SELECT id, origin_source, origin_target, url_source, url_target, from_client
		FROM links
		WHERE id > $1
		  AND origin_source LIKE $2
		  AND ($3 = '' OR url_source = $3)
		  AND ($4 = '' OR url_target = $4)
		ORDER BY id
		LIMIT $5`

	rows, err := s.pool.Query(ctx, query, after, likeSuffix(f.OriginSuffix), f.URLSource, f.URLTarget, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan links: %w", err)
	}
	defer rows.Close()

	var out []domain.Link
	for rows.Next() {
		var l domain.Link
		if err := rows.Scan(&l.ID, &l.OriginSource, &l.OriginTarget, &l.URLSource, &l.URLTarget, &l.FromClient); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
