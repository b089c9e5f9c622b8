package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/lms/internal/domain"
)

// doc-as-upsert: верхнеуровневые ключи vals сливаются (jsonb ||).
const upsertStateSQL = `
	INSERT INTO policy_link_states (id, policy_id, link_id, vals)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET vals = policy_link_states.vals || EXCLUDED.vals`

func (s *Store) UpsertStates(ctx context.Context, states []domain.PolicyLinkState, opts domain.BulkOptions) (domain.BulkResult, error) {
	items := make([]bulkItem, 0, len(states))
	for _, st := range states {
		vals := st.Vals
		if vals == nil {
			vals = map[string]any{}
		}
		items = append(items, bulkItem{
			id:   st.ID,
			sql:  upsertStateSQL,
			args: []any{st.ID, st.PolicyID, st.LinkID, vals},
		})
	}
	return s.bulkExec(ctx, items, opts)
}

func (s *Store) GetState(ctx context.Context, id string) (*domain.PolicyLinkState, error) {
	var st domain.PolicyLinkState
	err := s.pool.QueryRow(ctx,
		`SELECT id, policy_id, link_id, vals FROM policy_link_states WHERE id = $1`, id,
	).Scan(&st.ID, &st.PolicyID, &st.LinkID, &st.Vals)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get state: %w", err)
	}
	return &st, nil
}
